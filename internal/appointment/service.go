package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/db"
	"github.com/clinicflow/dental-scheduling/internal/events"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
	redisclient "github.com/clinicflow/dental-scheduling/internal/redis"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	casAttempts      = 3
)

type Service struct {
	repo      Repository
	tx        db.Transactor
	locker    redisclient.Locker
	resolver  *Resolver
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

type Deps struct {
	Repo      Repository
	Tx        db.Transactor
	Locker    redisclient.Locker
	Policy    ConflictPolicy
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

func NewService(d Deps) *Service {
	if d.Locker == nil {
		d.Locker = redisclient.NoopLocker{}
	}
	if d.Publisher == nil {
		d.Publisher = events.NewLogPublisher(d.Log)
	}
	if d.Policy.Name == "" {
		d.Policy = DefaultPolicy
	}
	return &Service{
		repo:      d.Repo,
		tx:        d.Tx,
		locker:    d.Locker,
		resolver:  NewResolver(d.Repo, d.Policy),
		publisher: d.Publisher,
		metrics:   d.Metrics,
		log:       d.Log,
	}
}

func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// InSchedule runs fn under the schedule lock of doctorID (or the clinic) and
// inside one serializable transaction. Nested calls reuse both. After-commit
// hooks, event publishing included, run once the lock is released.
//
// When Redis cannot be reached the transaction runs without the lock and the
// database constraints alone keep the schedule consistent. A lock held by
// someone else past the wait is a retryable failure.
func (s *Service) InSchedule(ctx context.Context, doctorID *uuid.UUID, fn func(ctx context.Context) error) error {
	ctx, flush := db.DeferHooks(ctx)
	defer flush()

	scope := redisclient.ScopeKey(doctorID)
	err := s.locker.WithScheduleLock(ctx, scope, func(lockCtx context.Context) error {
		return s.tx.InTx(lockCtx, fn)
	})
	if errors.Is(err, redisclient.ErrLockUnavailable) {
		s.log.Warn().Err(err).Str("scope", scope).Msg("schedule lock unavailable, continuing without it")
		err = s.tx.InTx(ctx, fn)
	}
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return apperr.Transient("acquire schedule lock", err)
	}
	return err
}

type CreateParams struct {
	DoctorID  *uuid.UUID
	PatientID uuid.UUID
	Start     time.Time
	End       time.Time
	Reason    string
	Kind      Kind
	Status    Status
}

func (p *CreateParams) normalize() error {
	if p.PatientID == uuid.Nil {
		return apperr.Validation("patient_id", "is required")
	}
	if p.Start.IsZero() || p.End.IsZero() {
		return apperr.Validation("start_time", "start and end times are required")
	}
	if !p.Start.Before(p.End) {
		return apperr.Validation("end_time", "must be after start_time")
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if !p.Status.Initial() {
		return apperr.Validation("status", fmt.Sprintf("new appointments must be pending or confirmed, got %s", p.Status))
	}
	kind, err := ParseKind(string(p.Kind))
	if err != nil {
		return apperr.Validation("kind", err.Error())
	}
	p.Kind = kind
	return nil
}

// Create books a new appointment after the conflict check. A request that
// repeats an existing booking (same patient, doctor and interval) returns
// that booking with replayed set instead of failing.
func (s *Service) Create(ctx context.Context, p CreateParams) (appt *Appointment, replayed bool, err error) {
	if err := p.normalize(); err != nil {
		return nil, false, err
	}

	candidate := Candidate{DoctorID: p.DoctorID, Start: p.Start, End: p.End}

	err = s.InSchedule(ctx, p.DoctorID, func(txCtx context.Context) error {
		// Inside the critical section, read what currently occupies the time.
		blocking, err := s.resolver.Blocking(txCtx, candidate)
		if err != nil {
			return err
		}
		for i := range blocking {
			if isReplay(blocking[i], p) {
				appt, replayed = &blocking[i], true
				return nil
			}
		}
		if len(blocking) > 0 {
			return conflictError(blocking[0])
		}

		toInsert := Appointment{
			ID:        uuid.New(),
			DoctorID:  p.DoctorID,
			PatientID: p.PatientID,
			StartTime: p.Start.UTC(),
			EndTime:   p.End.UTC(),
			Kind:      p.Kind,
			Status:    p.Status,
		}
		if reason := strings.TrimSpace(p.Reason); reason != "" {
			toInsert.Reason = &reason
		}

		created, err := s.repo.InsertAppointment(txCtx, toInsert)
		if err != nil {
			return err
		}
		appt = created

		return s.record(txCtx, created.ID, events.TypeAppointmentCreated, map[string]any{
			"patient_id": created.PatientID.String(),
			"doctor_id":  uuidOrNil(created.DoctorID),
			"start_time": created.StartTime,
			"end_time":   created.EndTime,
			"status":     created.Status,
			"kind":       created.Kind,
		})
	})

	if err != nil {
		if db.IsExclusionViolation(err) {
			return nil, false, s.conflictAfterViolation(ctx, candidate)
		}
		return nil, false, classify("create appointment", err)
	}

	if replayed {
		s.log.Info().Str("appointment_id", appt.ID.String()).Msg("duplicate booking request replayed")
	}
	return appt, replayed, nil
}

func isReplay(existing Appointment, p CreateParams) bool {
	return existing.PatientID == p.PatientID &&
		SameDoctor(existing.DoctorID, p.DoctorID) &&
		existing.StartTime.Equal(p.Start) &&
		existing.EndTime.Equal(p.End)
}

// conflictAfterViolation names the collider once the database constraint has
// rejected a write the in-transaction check did not catch.
func (s *Service) conflictAfterViolation(ctx context.Context, c Candidate) error {
	blocking, err := s.resolver.Blocking(ctx, c)
	if err == nil && len(blocking) > 0 {
		return conflictError(blocking[0])
	}
	return &apperr.SlotConflictError{Start: c.Start, End: c.End}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, apperr.NotFound("appointment", id.String())
		}
		return nil, apperr.Persistence("get appointment", err)
	}
	return appt, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Appointment, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, apperr.Validation("to", "must be after from")
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list appointments", err)
	}
	return appointments, nil
}

// Transition moves an appointment along the lifecycle. The write is a
// compare-and-set on the status read, so a concurrent change is either
// retried against the new status or rejected as an invalid transition.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	updated, err := s.transition(ctx, id, to)
	s.metrics.ObserveTransition(string(to), err)
	return updated, err
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return nil, apperr.Validation("status", err.Error())
	}

	var updated *Appointment
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		for attempt := 0; attempt < casAttempts; attempt++ {
			current, err := s.Get(txCtx, id)
			if err != nil {
				return err
			}
			if err := checkTransition(current.Status, to); err != nil {
				return err
			}

			next, err := s.repo.UpdateAppointmentStatus(txCtx, id, current.Status, to)
			if errors.Is(err, ErrAppointmentNotFound) {
				s.log.Debug().Str("appointment_id", id.String()).Msg("status changed underneath transition, re-reading")
				continue
			}
			if err != nil {
				return apperr.Persistence("update appointment status", err)
			}

			updated = next
			return s.record(txCtx, id, events.TypeAppointmentStatusChanged, map[string]any{
				"from": current.Status,
				"to":   to,
			})
		}
		return apperr.Transient("update appointment status", errors.New("status kept changing"))
	})
	if err != nil {
		return nil, classify("transition appointment", err)
	}
	return updated, nil
}

// Reschedule moves a pending or confirmed appointment to a new interval,
// ignoring its own current booking in the conflict check.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time) (*Appointment, error) {
	if start.IsZero() || end.IsZero() {
		return nil, apperr.Validation("start_time", "start and end times are required")
	}
	if !start.Before(end) {
		return nil, apperr.Validation("end_time", "must be after start_time")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *Appointment
	err = s.InSchedule(ctx, current.DoctorID, func(txCtx context.Context) error {
		fresh, err := s.Get(txCtx, id)
		if err != nil {
			return err
		}
		if !fresh.Status.Reschedulable() {
			return &apperr.InvalidTransitionError{From: string(fresh.Status), To: "rescheduled"}
		}

		if err := s.resolver.Check(txCtx, Candidate{
			DoctorID:  fresh.DoctorID,
			Start:     start,
			End:       end,
			ExcludeID: &fresh.ID,
		}); err != nil {
			return err
		}

		next, err := s.repo.RescheduleAppointment(txCtx, id, fresh.Status, start.UTC(), end.UTC())
		if errors.Is(err, ErrAppointmentNotFound) {
			return &apperr.InvalidTransitionError{From: string(fresh.Status), To: "rescheduled"}
		}
		if err != nil {
			return err
		}
		updated = next

		return s.record(txCtx, id, events.TypeAppointmentRescheduled, map[string]any{
			"previous_start": fresh.StartTime,
			"previous_end":   fresh.EndTime,
			"start_time":     next.StartTime,
			"end_time":       next.EndTime,
		})
	})
	if err != nil {
		if db.IsExclusionViolation(err) {
			return nil, s.conflictAfterViolation(ctx, Candidate{DoctorID: current.DoctorID, Start: start, End: end, ExcludeID: &id})
		}
		return nil, classify("reschedule appointment", err)
	}
	return updated, nil
}

// record writes an audit row in the current transaction and publishes the
// event once it commits.
func (s *Service) record(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	apptID := appointmentID
	if err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return err
	}

	ev := events.New(eventType, appointmentID, payload)
	db.AfterCommit(ctx, func(pubCtx context.Context) {
		if err := s.publisher.Publish(pubCtx, ev); err != nil {
			s.log.Error().Err(err).
				Str("event_type", eventType).
				Str("appointment_id", appointmentID.String()).
				Msg("failed to publish event")
		}
	})
	return nil
}

// DueReminders lists active appointments starting in [from, to) that have
// not been reminded yet.
func (s *Service) DueReminders(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	due, err := s.repo.FindDueReminders(ctx, from, to, []Status{StatusPending, StatusConfirmed})
	if err != nil {
		return nil, apperr.Persistence("find due reminders", err)
	}
	return due, nil
}

// QueueReminder marks appt as reminded and emits the reminder event in one
// transaction. It reports false when another run got there first.
func (s *Service) QueueReminder(ctx context.Context, appt Appointment, at time.Time) (bool, error) {
	var queued bool
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.MarkReminded(txCtx, appt.ID, at)
		if err != nil || !ok {
			return err
		}
		queued = true
		return s.record(txCtx, appt.ID, events.TypeReminderQueued, map[string]any{
			"patient_id": appt.PatientID.String(),
			"doctor_id":  uuidOrNil(appt.DoctorID),
			"start_time": appt.StartTime,
			"kind":       appt.Kind,
		})
	})
	if err != nil {
		return false, classify("queue reminder", err)
	}
	return queued, nil
}

// classify leaves domain errors alone and wraps driver errors.
func classify(op string, err error) error {
	if db.IsForeignKeyViolation(err) {
		return apperr.Validation("doctor_id", "references an unknown doctor or patient")
	}
	if apperr.KindOf(err) == apperr.KindUnknown && !errors.Is(err, context.Canceled) {
		return apperr.Persistence(op, err)
	}
	return err
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
