package availability

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/interval"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
)

// BusyReader lists the appointments that occupy a candidate's time.
// *appointment.Resolver satisfies it.
type BusyReader interface {
	Blocking(ctx context.Context, c appointment.Candidate) ([]appointment.Appointment, error)
}

type Engine struct {
	windows     Store
	busy        BusyReader
	loc         *time.Location
	defaultSlot time.Duration
	metrics     *metrics.Metrics
}

type EngineConfig struct {
	Location    *time.Location
	DefaultSlot time.Duration
	Metrics     *metrics.Metrics
}

func NewEngine(windows Store, busy BusyReader, cfg EngineConfig) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultSlot <= 0 {
		cfg.DefaultSlot = time.Hour
	}
	return &Engine{
		windows:     windows,
		busy:        busy,
		loc:         cfg.Location,
		defaultSlot: cfg.DefaultSlot,
		metrics:     cfg.Metrics,
	}
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

// Query asks for the free slots of one clinic day. A nil Kind covers every
// kind of window; a nil DoctorID makes the busy check clinic-wide.
type Query struct {
	Date     Date
	Kind     *appointment.Kind
	DoctorID *uuid.UUID
}

// WindowsOn returns the windows that apply on date.
func (e *Engine) WindowsOn(ctx context.Context, date Date, kind *appointment.Kind, doctorID *uuid.UUID) ([]Window, error) {
	all, err := e.windows.ListWindows(ctx, WindowFilter{From: &date, To: &date, Kind: kind, DoctorID: doctorID})
	if err != nil {
		return nil, apperr.Persistence("list availability windows", err)
	}
	out := all[:0:0]
	for _, w := range all {
		if w.AppliesOn(date) {
			out = append(out, w)
		}
	}
	return out, nil
}

// Availability computes the free slots for q, sorted by start and free of
// duplicates. A day without windows yields an empty list.
func (e *Engine) Availability(ctx context.Context, q Query) ([]interval.Interval, error) {
	if q.Date.IsZero() {
		return nil, apperr.Validation("date", "is required")
	}
	day := interval.Interval{Start: q.Date.In(e.loc), End: q.Date.AddDays(1).In(e.loc)}

	var (
		windows []Window
		busy    []appointment.Appointment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		windows, err = e.WindowsOn(gctx, q.Date, q.Kind, q.DoctorID)
		return err
	})
	g.Go(func() error {
		var err error
		busy, err = e.busy.Blocking(gctx, appointment.Candidate{DoctorID: q.DoctorID, Start: day.Start, End: day.End})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slots := freeSlots(windows, busy, q.Date, e.loc, e.defaultSlot)
	e.metrics.ObserveFreeSlots(len(slots))
	return slots, nil
}

func freeSlots(windows []Window, busy []appointment.Appointment, date Date, loc *time.Location, fallback time.Duration) []interval.Interval {
	type key struct{ start, end int64 }
	seen := make(map[key]struct{})
	slots := []interval.Interval{}

	for _, w := range windows {
		span := w.Interval(date, loc)
	next:
		for slot := range interval.GenerateSlots(span.Start, span.End, w.SlotDuration(fallback)) {
			for _, a := range busy {
				if slot.Overlaps(a.Interval()) {
					continue next
				}
			}
			k := key{slot.Start.UnixNano(), slot.End.UnixNano()}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			slots = append(slots, slot)
		}
	}

	slices.SortFunc(slots, func(a, b interval.Interval) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.End.Compare(b.End)
	})
	return slots
}

// Permits reports whether iv lies entirely inside one window of kind that
// applies to the doctor on iv's clinic day.
func (e *Engine) Permits(ctx context.Context, kind appointment.Kind, doctorID *uuid.UUID, iv interval.Interval) (bool, error) {
	date := DateOf(iv.Start.In(e.loc))
	windows, err := e.WindowsOn(ctx, date, &kind, doctorID)
	if err != nil {
		return false, err
	}
	for _, w := range windows {
		if w.Interval(date, e.loc).Contains(iv) {
			return true, nil
		}
	}
	return false, nil
}

// SpecialistDates lists the days in [from, from+days) that have at least one
// specialist-block window.
func (e *Engine) SpecialistDates(ctx context.Context, from Date, days int) ([]Date, error) {
	if days <= 0 {
		return []Date{}, nil
	}
	kind := appointment.KindSpecialistBlock
	to := from.AddDays(days - 1)
	windows, err := e.windows.ListWindows(ctx, WindowFilter{From: &from, To: &to, Kind: &kind})
	if err != nil {
		return nil, apperr.Persistence("list specialist windows", err)
	}

	dates := []Date{}
	for d := from; !to.Before(d); d = d.AddDays(1) {
		if slices.ContainsFunc(windows, func(w Window) bool { return w.AppliesOn(d) }) {
			dates = append(dates, d)
		}
	}
	return dates, nil
}
