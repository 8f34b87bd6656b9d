// Package booking is the entry point for new appointments. It resolves the
// patient, checks the requested time against the availability windows and
// hands the booking to the appointment service.
package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/interval"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
	"github.com/clinicflow/dental-scheduling/internal/patient"
)

const (
	ChannelPublic = "public"
	ChannelStaff  = "staff"
)

// WindowChecker reports whether an interval falls inside a booking window.
// *availability.Engine satisfies it.
type WindowChecker interface {
	Permits(ctx context.Context, kind appointment.Kind, doctorID *uuid.UUID, iv interval.Interval) (bool, error)
}

type PublicRequest struct {
	FirstName string           `json:"first_name" validate:"max=100"`
	LastName  string           `json:"last_name" validate:"max=100"`
	FullName  string           `json:"full_name" validate:"required_without=FirstName,max=200"`
	Email     string           `json:"email" validate:"required,email,max=254"`
	Phone     string           `json:"phone" validate:"max=32"`
	DoctorID  *uuid.UUID       `json:"doctor_id"`
	Kind      appointment.Kind `json:"kind" validate:"omitempty,oneof=standard-hours specialist-block"`
	Start     time.Time        `json:"start_time"`
	End       *time.Time       `json:"end_time"`
	Reason    string           `json:"reason" validate:"max=500"`
}

type StaffRequest struct {
	DoctorID  uuid.UUID          `json:"doctor_id"`
	PatientID uuid.UUID          `json:"patient_id"`
	Kind      appointment.Kind   `json:"kind" validate:"omitempty,oneof=standard-hours specialist-block"`
	Status    appointment.Status `json:"status" validate:"omitempty,oneof=pending confirmed"`
	Start     time.Time          `json:"start_time"`
	End       time.Time          `json:"end_time"`
	Reason    string             `json:"reason" validate:"max=500"`
}

type Result struct {
	Appointment    *appointment.Appointment
	Patient        *patient.Patient
	PatientCreated bool
	Replayed       bool
}

type Config struct {
	DefaultDuration    time.Duration
	StaffRequireWindow bool
	PhoneRegion        string
}

type Deps struct {
	Appointments *appointment.Service
	Patients     patient.Directory
	Windows      WindowChecker
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
	Config       Config
}

type Orchestrator struct {
	appointments *appointment.Service
	patients     patient.Directory
	windows      WindowChecker
	validator    *Validator
	metrics      *metrics.Metrics
	log          zerolog.Logger
	cfg          Config
	now          func() time.Time
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Config.DefaultDuration <= 0 {
		d.Config.DefaultDuration = time.Hour
	}
	return &Orchestrator{
		appointments: d.Appointments,
		patients:     d.Patients,
		windows:      d.Windows,
		validator:    NewValidator(),
		metrics:      d.Metrics,
		log:          d.Log,
		cfg:          d.Config,
		now:          time.Now,
	}
}

// BookPublic books a pending appointment from the public form. An unknown
// email creates the patient in the same transaction as the appointment, so a
// rejected booking leaves no patient behind.
func (o *Orchestrator) BookPublic(ctx context.Context, req PublicRequest) (res *Result, err error) {
	defer func() { o.observe(ChannelPublic, res, err) }()

	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.TrimSpace(req.Email)
	if err := o.validator.Struct(req); err != nil {
		return nil, err
	}
	if req.Start.IsZero() {
		return nil, apperr.Validation("start_time", "is required")
	}
	if !req.Start.After(o.now()) {
		return nil, apperr.Validation("start_time", "must be in the future")
	}

	end := req.Start.Add(o.cfg.DefaultDuration)
	if req.End != nil {
		end = *req.End
	}
	iv, err := interval.New(req.Start, end)
	if err != nil {
		return nil, apperr.Validation("end_time", "must be after start_time")
	}

	kind, _ := appointment.ParseKind(string(req.Kind))
	phone, err := patient.NormalizePhone(req.Phone, o.cfg.PhoneRegion)
	if err != nil {
		return nil, apperr.Validation("phone", "is not a valid phone number")
	}

	if err := o.requireWindow(ctx, kind, req.DoctorID, iv); err != nil {
		return nil, err
	}

	res = &Result{}
	err = o.appointments.InSchedule(ctx, req.DoctorID, func(txCtx context.Context) error {
		p, created, err := o.resolvePatient(txCtx, req, phone)
		if err != nil {
			return err
		}
		res.Patient, res.PatientCreated = p, created

		appt, replayed, err := o.appointments.Create(txCtx, appointment.CreateParams{
			DoctorID:  req.DoctorID,
			PatientID: p.ID,
			Start:     iv.Start,
			End:       iv.End,
			Reason:    req.Reason,
			Kind:      kind,
			Status:    appointment.StatusPending,
		})
		if err != nil {
			return err
		}
		res.Appointment, res.Replayed = appt, replayed
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info().
		Str("appointment_id", res.Appointment.ID.String()).
		Str("patient_id", res.Patient.ID.String()).
		Bool("patient_created", res.PatientCreated).
		Bool("replayed", res.Replayed).
		Msg("public booking accepted")
	return res, nil
}

func (o *Orchestrator) resolvePatient(ctx context.Context, req PublicRequest, phone string) (*patient.Patient, bool, error) {
	email := patient.NormalizeEmail(req.Email)

	p, err := o.patients.FindByEmail(ctx, email)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, patient.ErrPatientNotFound) {
		return nil, false, apperr.Persistence("find patient by email", err)
	}

	first, last := patient.ResolveNames(req.FirstName, req.LastName, req.FullName)
	if first == "" {
		return nil, false, apperr.Validation("full_name", "is required")
	}
	p, err = o.patients.Create(ctx, patient.NewPatient{
		FirstName:  first,
		LastName:   last,
		Email:      email,
		Phone:      phone,
		DocumentID: patient.PlaceholderDocumentID(),
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, false, err
		}
		return nil, false, apperr.Persistence("create patient", err)
	}
	return p, true, nil
}

// BookStaff books on behalf of the front desk. Window containment is only
// enforced when StaffRequireWindow is set.
func (o *Orchestrator) BookStaff(ctx context.Context, req StaffRequest) (res *Result, err error) {
	defer func() { o.observe(ChannelStaff, res, err) }()

	if err := o.validator.Struct(req); err != nil {
		return nil, err
	}
	if req.DoctorID == uuid.Nil {
		return nil, apperr.Validation("doctor_id", "is required")
	}
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "is required")
	}
	iv, err := interval.New(req.Start, req.End)
	if err != nil || req.Start.IsZero() {
		return nil, apperr.Validation("end_time", "must be after start_time")
	}
	kind, _ := appointment.ParseKind(string(req.Kind))

	p, err := o.patients.GetByID(ctx, req.PatientID)
	if errors.Is(err, patient.ErrPatientNotFound) {
		return nil, apperr.NotFound("patient", req.PatientID.String())
	}
	if err != nil {
		return nil, apperr.Persistence("get patient", err)
	}

	if o.cfg.StaffRequireWindow {
		if err := o.requireWindow(ctx, kind, &req.DoctorID, iv); err != nil {
			return nil, err
		}
	}

	appt, replayed, err := o.appointments.Create(ctx, appointment.CreateParams{
		DoctorID:  &req.DoctorID,
		PatientID: p.ID,
		Start:     iv.Start,
		End:       iv.End,
		Reason:    req.Reason,
		Kind:      kind,
		Status:    req.Status,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Appointment: appt, Patient: p, Replayed: replayed}, nil
}

func (o *Orchestrator) requireWindow(ctx context.Context, kind appointment.Kind, doctorID *uuid.UUID, iv interval.Interval) error {
	ok, err := o.windows.Permits(ctx, kind, doctorID, iv)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation("start_time", "requested time is outside the "+string(kind)+" booking windows")
	}
	return nil
}

func (o *Orchestrator) observe(channel string, res *Result, err error) {
	outcome := "created"
	switch {
	case err != nil:
		outcome = string(apperr.KindOf(err))
	case res.Replayed:
		outcome = "replayed"
	}
	o.metrics.ObserveBooking(channel, outcome)
}
