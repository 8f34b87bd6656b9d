package appointment

import (
	"github.com/clinicflow/dental-scheduling/internal/apperr"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusArrived, StatusCancelled, StatusNoShow},
	StatusArrived:   {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Initial reports whether an appointment may be created in status s.
func (s Status) Initial() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Reschedulable reports whether the time of an appointment in status s may
// still move.
func (s Status) Reschedulable() bool {
	return s == StatusPending || s == StatusConfirmed
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &apperr.InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}
