// Package events publishes appointment lifecycle events to the configured
// broker. Delivery to patients (email, WhatsApp) happens downstream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeAppointmentCreated       = "APPOINTMENT_CREATED"
	TypeAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	TypeAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	TypeReminderQueued           = "REMINDER_QUEUED"
)

type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func New(eventType string, appointmentID uuid.UUID, payload map[string]any) Event {
	return Event{
		ID:            uuid.New(),
		Type:          eventType,
		AppointmentID: appointmentID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	return data, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the log only.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info().
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.Type).
		Str("appointment_id", ev.AppointmentID.String()).
		Interface("payload", ev.Payload).
		Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
