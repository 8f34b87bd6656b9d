package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/booking"
	"github.com/clinicflow/dental-scheduling/internal/interval"
)

type StatusRequest struct {
	Status string `json:"status"`
}

type RescheduleRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type WindowRequest struct {
	DoctorID    *uuid.UUID `json:"doctor_id"`
	Kind        string     `json:"kind"`
	Date        *string    `json:"date"`
	Weekday     *int       `json:"weekday"`
	StartTime   string     `json:"start_time"`
	EndTime     string     `json:"end_time"`
	SlotMinutes *int       `json:"slot_minutes"`
	Label       *string    `json:"label"`
}

type AppointmentResponse struct {
	ID        uuid.UUID  `json:"id"`
	DoctorID  *uuid.UUID `json:"doctor_id"`
	PatientID uuid.UUID  `json:"patient_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Reason    *string    `json:"reason,omitempty"`
	Kind      string     `json:"kind"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		DoctorID:  a.DoctorID,
		PatientID: a.PatientID,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Reason:    a.Reason,
		Kind:      string(a.Kind),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type BookingResponse struct {
	Appointment    AppointmentResponse `json:"appointment"`
	PatientID      uuid.UUID           `json:"patient_id"`
	PatientCreated bool                `json:"patient_created"`
	Replayed       bool                `json:"replayed"`
}

func toBookingResponse(res *booking.Result) BookingResponse {
	return BookingResponse{
		Appointment:    toAppointmentResponse(res.Appointment),
		PatientID:      res.Patient.ID,
		PatientCreated: res.PatientCreated,
		Replayed:       res.Replayed,
	}
}

type AvailabilityResponse struct {
	Date     string              `json:"date"`
	Kind     string              `json:"kind,omitempty"`
	DoctorID *uuid.UUID          `json:"doctor_id,omitempty"`
	Slots    []interval.Interval `json:"slots"`
}

type SpecialistDatesResponse struct {
	From  string   `json:"from"`
	Days  int      `json:"days"`
	Dates []string `json:"dates"`
}

type ConflictResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

type ErrorResponse struct {
	Error    string            `json:"error"`
	Details  string            `json:"details,omitempty"`
	Field    string            `json:"field,omitempty"`
	Conflict *ConflictResponse `json:"conflict,omitempty"`
}
