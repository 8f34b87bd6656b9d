package availability

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/db"
)

// WindowFilter selects windows. From and To bound dated windows inclusively;
// recurring windows always match them. A DoctorID matches that doctor's
// windows and the unassigned ones.
type WindowFilter struct {
	From     *Date
	To       *Date
	Kind     *appointment.Kind
	DoctorID *uuid.UUID
}

func (f WindowFilter) matches(w Window) bool {
	if f.Kind != nil && w.Kind != *f.Kind {
		return false
	}
	if f.DoctorID != nil && w.DoctorID != nil && *w.DoctorID != *f.DoctorID {
		return false
	}
	if w.Date != nil {
		if f.From != nil && w.Date.Before(*f.From) {
			return false
		}
		if f.To != nil && f.To.Before(*w.Date) {
			return false
		}
	}
	return true
}

type Store interface {
	ListWindows(ctx context.Context, f WindowFilter) ([]Window, error)
	GetWindow(ctx context.Context, id uuid.UUID) (*Window, error)
	InsertWindow(ctx context.Context, w Window) (*Window, error)
	DeleteWindow(ctx context.Context, id uuid.UUID) error
}

func sortWindows(ws []Window) {
	slices.SortFunc(ws, func(a, b Window) int {
		if c := compareDay(a, b); c != 0 {
			return c
		}
		if a.Start != b.Start {
			return int(a.Start - b.Start)
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
}

// compareDay orders dated windows by date before recurring ones by weekday.
func compareDay(a, b Window) int {
	switch {
	case a.Date != nil && b.Date != nil:
		return a.Date.In(time.UTC).Compare(b.Date.In(time.UTC))
	case a.Date != nil:
		return -1
	case b.Date != nil:
		return 1
	default:
		return int(*a.Weekday - *b.Weekday)
	}
}

// MemoryStore keeps windows in process.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[uuid.UUID]Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[uuid.UUID]Window)}
}

func (s *MemoryStore) ListWindows(_ context.Context, f WindowFilter) ([]Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Window
	for _, w := range s.windows {
		if f.matches(w) {
			out = append(out, w)
		}
	}
	sortWindows(out)
	return out, nil
}

func (s *MemoryStore) GetWindow(_ context.Context, id uuid.UUID) (*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[id]
	if !ok {
		return nil, ErrWindowNotFound
	}
	return &w, nil
}

func (s *MemoryStore) InsertWindow(ctx context.Context, w Window) (*Window, error) {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.windows[w.ID] = w
	s.mu.Unlock()

	db.OnRollback(ctx, func() {
		s.mu.Lock()
		delete(s.windows, w.ID)
		s.mu.Unlock()
	})
	return &w, nil
}

func (s *MemoryStore) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.windows[id]
	if !ok {
		return ErrWindowNotFound
	}
	delete(s.windows, id)

	db.OnRollback(ctx, func() {
		s.mu.Lock()
		s.windows[id] = prev
		s.mu.Unlock()
	})
	return nil
}
