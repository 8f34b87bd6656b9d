package appointment

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/db"
)

// MemoryRepository keeps appointments in process. Writes made inside a
// db.SerialTransactor unit of work are undone when it fails.
type MemoryRepository struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]Appointment
	events       []EventLog
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appointments: make(map[uuid.UUID]Appointment),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f Filter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Appointment
	for _, a := range r.appointments {
		if f.DoctorID != nil && (a.DoctorID == nil || *a.DoctorID != *f.DoctorID) {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.To != nil && !a.StartTime.Before(*f.To) {
			continue
		}
		if f.From != nil && !a.EndTime.After(*f.From) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
			continue
		}
		if f.ExcludeID != nil && a.ID == *f.ExcludeID {
			continue
		}
		out = append(out, a)
	}

	slices.SortFunc(out, func(a, b Appointment) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})

	if f.Limit > 0 {
		start := min(f.Offset, len(out))
		end := min(start+f.Limit, len(out))
		out = out[start:end]
	}
	return out, nil
}

func (r *MemoryRepository) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now

	r.mu.Lock()
	r.appointments[a.ID] = a
	r.mu.Unlock()

	db.OnRollback(ctx, func() {
		r.mu.Lock()
		delete(r.appointments, a.ID)
		r.mu.Unlock()
	})
	return &a, nil
}

func (r *MemoryRepository) update(ctx context.Context, id uuid.UUID, from Status, apply func(*Appointment)) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.appointments[id]
	if !ok || prev.Status != from {
		return nil, ErrAppointmentNotFound
	}

	next := prev
	apply(&next)
	next.UpdatedAt = r.now()
	r.appointments[id] = next

	db.OnRollback(ctx, func() {
		r.mu.Lock()
		r.appointments[id] = prev
		r.mu.Unlock()
	})
	return &next, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	return r.update(ctx, id, from, func(a *Appointment) { a.Status = to })
}

func (r *MemoryRepository) RescheduleAppointment(ctx context.Context, id uuid.UUID, from Status, start, end time.Time) (*Appointment, error) {
	return r.update(ctx, id, from, func(a *Appointment) {
		a.StartTime, a.EndTime = start, end
		a.RemindedAt = nil
	})
}

func (r *MemoryRepository) FindDueReminders(_ context.Context, from, to time.Time, statuses []Status) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.RemindedAt != nil || a.StartTime.Before(from) || !a.StartTime.Before(to) {
			continue
		}
		if !slices.Contains(statuses, a.Status) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Appointment) int { return a.StartTime.Compare(b.StartTime) })
	return out, nil
}

func (r *MemoryRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.appointments[id]
	if !ok || prev.RemindedAt != nil {
		return false, nil
	}
	next := prev
	next.RemindedAt = &at
	r.appointments[id] = next

	db.OnRollback(ctx, func() {
		r.mu.Lock()
		r.appointments[id] = prev
		r.mu.Unlock()
	})
	return true, nil
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	n := len(r.events)
	r.mu.Unlock()

	db.OnRollback(ctx, func() {
		r.mu.Lock()
		r.events = r.events[:n-1]
		r.mu.Unlock()
	})
	return nil
}

// Events returns the audit rows written so far.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventLog(nil), r.events...)
}
