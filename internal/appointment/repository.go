package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f Filter) ([]Appointment, error)

	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)

	// Compare-and-set on the current status. ErrAppointmentNotFound means
	// the row is missing or no longer in status from.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, from Status, start, end time.Time) (*Appointment, error)

	// Reminder scanner
	FindDueReminders(ctx context.Context, from, to time.Time, statuses []Status) ([]Appointment, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
