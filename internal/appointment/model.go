package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/interval"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusArrived   Status = "arrived"
	StatusNoShow    Status = "no_show"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusArrived,
	StatusNoShow,
	StatusCompleted,
	StatusCancelled,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown appointment status %q", s)
}

// Kind is the kind of availability an appointment is booked against.
type Kind string

const (
	KindStandardHours   Kind = "standard-hours"
	KindSpecialistBlock Kind = "specialist-block"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStandardHours, KindSpecialistBlock:
		return Kind(s), nil
	case "":
		return KindStandardHours, nil
	}
	return "", fmt.Errorf("unknown appointment kind %q", s)
}

type Appointment struct {
	ID         uuid.UUID
	DoctorID   *uuid.UUID
	PatientID  uuid.UUID
	StartTime  time.Time
	EndTime    time.Time
	Reason     *string
	Kind       Kind
	Status     Status
	RemindedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (a Appointment) Interval() interval.Interval {
	return interval.Interval{Start: a.StartTime, End: a.EndTime}
}

// SameDoctor reports whether both appointments belong to the same doctor,
// treating two unassigned appointments as the same.
func SameDoctor(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Filter selects appointments. From and To bound an overlap query: an
// appointment matches when it intersects [From, To).
type Filter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	From      *time.Time
	To        *time.Time
	Statuses  []Status
	ExcludeID *uuid.UUID
	Limit     int
	Offset    int
}
