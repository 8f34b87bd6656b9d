package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/interval"
)

// ConflictPolicy decides which statuses still occupy their time.
type ConflictPolicy struct {
	Name     string
	blocking []Status
}

var (
	// DefaultPolicy frees the slot once an appointment is cancelled,
	// completed or missed.
	DefaultPolicy = ConflictPolicy{
		Name:     "default",
		blocking: []Status{StatusPending, StatusConfirmed, StatusArrived},
	}
	// LegacyPolicy only frees cancelled slots.
	LegacyPolicy = ConflictPolicy{
		Name:     "legacy",
		blocking: []Status{StatusPending, StatusConfirmed, StatusArrived, StatusNoShow, StatusCompleted},
	}
)

func PolicyByName(name string) (ConflictPolicy, error) {
	switch name {
	case "", DefaultPolicy.Name:
		return DefaultPolicy, nil
	case LegacyPolicy.Name:
		return LegacyPolicy, nil
	}
	return ConflictPolicy{}, fmt.Errorf("unknown conflict policy %q", name)
}

func (p ConflictPolicy) Blocks(s Status) bool {
	for _, b := range p.blocking {
		if b == s {
			return true
		}
	}
	return false
}

func (p ConflictPolicy) BlockingStatuses() []Status {
	return append([]Status(nil), p.blocking...)
}

// Candidate is a proposed appointment time. A nil DoctorID makes the check
// clinic-wide: every doctor's bookings block it. A candidate with a doctor is
// checked against that doctor's bookings only, so it ignores doctorless ones.
// The two directions therefore differ: a doctorless booking made first does
// not stop a later doctor booking at the same time, while the reverse order
// conflicts.
type Candidate struct {
	DoctorID  *uuid.UUID
	Start     time.Time
	End       time.Time
	ExcludeID *uuid.UUID
}

// FindConflict returns the first appointment in existing that blocks c, or
// nil. It applies scope, exclusion and status rules itself so callers may
// pass a superset.
func FindConflict(existing []Appointment, c Candidate, policy ConflictPolicy) *Appointment {
	for i := range existing {
		a := &existing[i]
		if c.ExcludeID != nil && a.ID == *c.ExcludeID {
			continue
		}
		if c.DoctorID != nil && !SameDoctor(a.DoctorID, c.DoctorID) {
			continue
		}
		if !policy.Blocks(a.Status) {
			continue
		}
		if interval.Overlaps(a.StartTime, a.EndTime, c.Start, c.End) {
			return a
		}
	}
	return nil
}

type Resolver struct {
	repo   Repository
	policy ConflictPolicy
}

func NewResolver(repo Repository, policy ConflictPolicy) *Resolver {
	return &Resolver{repo: repo, policy: policy}
}

func (r *Resolver) Policy() ConflictPolicy {
	return r.policy
}

// Blocking lists the appointments in c's scope that overlap it and still
// occupy their time.
func (r *Resolver) Blocking(ctx context.Context, c Candidate) ([]Appointment, error) {
	from, to := c.Start, c.End
	existing, err := r.repo.ListAppointments(ctx, Filter{
		DoctorID:  c.DoctorID,
		From:      &from,
		To:        &to,
		Statuses:  r.policy.BlockingStatuses(),
		ExcludeID: c.ExcludeID,
	})
	if err != nil {
		return nil, apperr.Persistence("list overlapping appointments", err)
	}

	var out []Appointment
	for _, a := range existing {
		if FindConflict([]Appointment{a}, c, r.policy) != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// Check returns a SlotConflictError naming the first colliding appointment.
func (r *Resolver) Check(ctx context.Context, c Candidate) error {
	if !c.Start.Before(c.End) {
		return apperr.Validation("end_time", "must be after start_time")
	}

	blocking, err := r.Blocking(ctx, c)
	if err != nil {
		return err
	}
	if len(blocking) > 0 {
		return conflictError(blocking[0])
	}
	return nil
}

func conflictError(a Appointment) *apperr.SlotConflictError {
	return &apperr.SlotConflictError{AppointmentID: a.ID, Start: a.StartTime, End: a.EndTime}
}
