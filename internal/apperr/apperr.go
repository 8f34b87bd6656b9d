// Package apperr defines the typed errors the scheduling core returns.
// Callers branch on the kind with errors.As or KindOf instead of matching
// message strings.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindValidation        Kind = "validation"
	KindSlotConflict      Kind = "slot_conflict"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotFound          Kind = "not_found"
	KindPersistence       Kind = "persistence"
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Validation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// SlotConflictError names the existing appointment whose interval collides
// with the requested one.
type SlotConflictError struct {
	AppointmentID uuid.UUID
	Start         time.Time
	End           time.Time
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("requested time overlaps appointment %s (%s - %s)",
		e.AppointmentID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// InvalidTransitionError is returned when the requested status cannot follow
// the current one. It usually means the caller holds a stale view.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move appointment from %s to %s", e.From, e.To)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// PersistenceError wraps a storage failure. Retryable is set when nothing
// was written and the caller may safely resubmit.
type PersistenceError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func Persistence(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

func Transient(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err, Retryable: true}
}

// KindOf classifies err. Errors that carry no domain type are KindUnknown.
func KindOf(err error) Kind {
	var (
		validation *ValidationError
		conflict   *SlotConflictError
		transition *InvalidTransitionError
		notFound   *NotFoundError
		persist    *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &conflict):
		return KindSlotConflict
	case errors.As(err, &transition):
		return KindInvalidTransition
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &persist):
		return KindPersistence
	default:
		return KindUnknown
	}
}
