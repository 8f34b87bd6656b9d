package availability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/db"
)

// WindowService is the staff-facing side of the window store.
type WindowService struct {
	store Store
	tx    db.Transactor
	loc   *time.Location
	now   func() time.Time
	log   zerolog.Logger
}

func NewWindowService(store Store, tx db.Transactor, loc *time.Location, log zerolog.Logger) *WindowService {
	if loc == nil {
		loc = time.UTC
	}
	return &WindowService{store: store, tx: tx, loc: loc, now: time.Now, log: log}
}

func (s *WindowService) today() Date {
	return DateOf(s.now().In(s.loc))
}

// Create stores w after rejecting dated windows in the past and windows that
// collide with an existing one of the same kind and doctor.
func (s *WindowService) Create(ctx context.Context, w Window) (*Window, error) {
	if w.Kind == "" {
		w.Kind = appointment.KindStandardHours
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	today := s.today()
	if w.Date != nil && w.Date.Before(today) {
		return nil, apperr.Validation("date", "cannot create a window in the past")
	}
	if w.Label != nil {
		label := strings.TrimSpace(*w.Label)
		w.Label = &label
		if label == "" {
			w.Label = nil
		}
	}
	w.ID = uuid.New()

	filter := WindowFilter{From: &today, Kind: &w.Kind, DoctorID: w.DoctorID}
	if w.Date != nil {
		filter.From, filter.To = w.Date, w.Date
	}

	var created *Window
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		existing, err := s.store.ListWindows(txCtx, filter)
		if err != nil {
			return apperr.Persistence("list availability windows", err)
		}
		for _, other := range existing {
			if w.Collides(other) {
				return apperr.Validation("window_overlap",
					fmt.Sprintf("window overlaps existing window %s (%s-%s)", other.ID, other.Start, other.End))
			}
		}

		created, err = s.store.InsertWindow(txCtx, w)
		if err != nil {
			return apperr.Persistence("insert availability window", err)
		}
		return nil
	})
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return nil, apperr.Validation("doctor_id", "references an unknown doctor")
		}
		return nil, err
	}

	s.log.Info().
		Str("window_id", created.ID.String()).
		Str("kind", string(created.Kind)).
		Msg("availability window created")
	return created, nil
}

func (s *WindowService) List(ctx context.Context, f WindowFilter) ([]Window, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, apperr.Validation("to", "must not be before from")
	}
	windows, err := s.store.ListWindows(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list availability windows", err)
	}
	if windows == nil {
		windows = []Window{}
	}
	return windows, nil
}

func (s *WindowService) Get(ctx context.Context, id uuid.UUID) (*Window, error) {
	w, err := s.store.GetWindow(ctx, id)
	if errors.Is(err, ErrWindowNotFound) {
		return nil, apperr.NotFound("availability window", id.String())
	}
	if err != nil {
		return nil, apperr.Persistence("get availability window", err)
	}
	return w, nil
}

// Delete removes a window. Appointments already booked inside it stay.
func (s *WindowService) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		return s.store.DeleteWindow(txCtx, id)
	})
	if errors.Is(err, ErrWindowNotFound) {
		return apperr.NotFound("availability window", id.String())
	}
	if err != nil && apperr.KindOf(err) == apperr.KindUnknown {
		return apperr.Persistence("delete availability window", err)
	}
	if err != nil {
		return err
	}
	s.log.Info().Str("window_id", id.String()).Msg("availability window deleted")
	return nil
}
