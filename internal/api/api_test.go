package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/availability"
	"github.com/clinicflow/dental-scheduling/internal/booking"
	"github.com/clinicflow/dental-scheduling/internal/db"
	"github.com/clinicflow/dental-scheduling/internal/events"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
	"github.com/clinicflow/dental-scheduling/internal/patient"
)

type testServer struct {
	handler  http.Handler
	svc      *appointment.Service
	patients *patient.MemoryDirectory
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	log := zerolog.Nop()
	tx := &db.SerialTransactor{}
	m := metrics.New(prometheus.NewRegistry())

	svc := appointment.NewService(appointment.Deps{
		Repo:      appointment.NewMemoryRepository(),
		Tx:        tx,
		Publisher: &events.Recorder{},
		Metrics:   m,
		Log:       log,
	})
	store := availability.NewMemoryStore()
	engine := availability.NewEngine(store, svc.Resolver(), availability.EngineConfig{Location: time.UTC, DefaultSlot: time.Hour, Metrics: m})
	windows := availability.NewWindowService(store, tx, time.UTC, log)
	patients := patient.NewMemoryDirectory()
	orch := booking.NewOrchestrator(booking.Deps{
		Appointments: svc,
		Patients:     patients,
		Windows:      engine,
		Metrics:      m,
		Log:          log,
		Config:       booking.Config{DefaultDuration: time.Hour, PhoneRegion: "CO"},
	})

	handler := NewRouter(RouterConfig{
		Appointments: svc,
		Booking:      orch,
		Engine:       engine,
		Windows:      windows,
		Metrics:      m,
		Log:          log,
	})
	return testServer{handler: handler, svc: svc, patients: patients}
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func (s testServer) createWindow(t *testing.T, date, start, end, kind string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/windows", map[string]any{
		"date": date, "start_time": start, "end_time": end, "kind": kind,
	})
	expectStatus(t, rec, http.StatusCreated)
}

func TestPublicAvailabilityAndBooking(t *testing.T) {
	s := newTestServer(t)
	s.createWindow(t, "2030-03-11", "09:00", "12:00", "standard-hours")

	rec := s.do(t, http.MethodGet, "/api/v1/public/availability?date=2030-03-11", nil)
	expectStatus(t, rec, http.StatusOK)
	avail := decode[AvailabilityResponse](t, rec)
	if avail.Date != "2030-03-11" || len(avail.Slots) != 3 {
		t.Fatalf("expected three slots, got %+v", avail)
	}

	body := map[string]any{
		"full_name":  "Ana Ríos",
		"email":      "ana@example.com",
		"start_time": "2030-03-11T10:00:00Z",
	}
	rec = s.do(t, http.MethodPost, "/api/v1/public/bookings", body)
	expectStatus(t, rec, http.StatusCreated)
	booked := decode[BookingResponse](t, rec)
	if booked.Appointment.Status != "pending" || !booked.PatientCreated {
		t.Errorf("unexpected booking %+v", booked)
	}
	if !booked.Appointment.EndTime.Equal(time.Date(2030, 3, 11, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("expected one hour default, got %s", booked.Appointment.EndTime)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/public/bookings", body)
	expectStatus(t, rec, http.StatusOK)
	if replay := decode[BookingResponse](t, rec); !replay.Replayed || replay.Appointment.ID != booked.Appointment.ID {
		t.Errorf("expected replay, got %+v", replay)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/public/bookings", map[string]any{
		"full_name": "Luis Gómez", "email": "luis@example.com", "start_time": "2030-03-11T10:00:00Z",
	})
	expectStatus(t, rec, http.StatusConflict)
	conflict := decode[ErrorResponse](t, rec)
	if conflict.Error != "slot_conflict" || conflict.Conflict == nil || conflict.Conflict.AppointmentID != booked.Appointment.ID {
		t.Errorf("conflict should name the booked appointment, got %+v", conflict)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/public/availability?date=2030-03-11", nil)
	if avail := decode[AvailabilityResponse](t, rec); len(avail.Slots) != 2 {
		t.Errorf("booked slot should disappear, got %d slots", len(avail.Slots))
	}
}

func TestPublicBooking_BadInput(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/public/bookings", "{not json")
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodPost, "/api/v1/public/bookings", map[string]any{
		"full_name": "Ana", "start_time": "2030-03-11T10:00:00Z",
	})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if body := decode[ErrorResponse](t, rec); body.Field != "email" {
		t.Errorf("expected email field error, got %+v", body)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/public/availability?date=11-03-2030", nil)
	expectStatus(t, rec, http.StatusBadRequest)
	rec = s.do(t, http.MethodGet, "/api/v1/public/availability?date=2030-03-11&kind=ortho", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestStaffAppointmentLifecycle(t *testing.T) {
	s := newTestServer(t)
	p, _ := s.patients.Create(context.Background(), patient.NewPatient{FirstName: "Eva", LastName: "Paz", DocumentID: "1"})
	doctor := uuid.New()

	rec := s.do(t, http.MethodPost, "/api/v1/appointments", map[string]any{
		"doctor_id":  doctor,
		"patient_id": p.ID,
		"start_time": "2030-03-11T15:00:00Z",
		"end_time":   "2030-03-11T15:45:00Z",
	})
	expectStatus(t, rec, http.StatusCreated)
	appt := decode[AppointmentResponse](t, rec)

	rec = s.do(t, http.MethodPatch, "/api/v1/appointments/"+appt.ID.String()+"/status", map[string]string{"status": "arrived"})
	expectStatus(t, rec, http.StatusConflict)
	if body := decode[ErrorResponse](t, rec); body.Error != "invalid_status_transition" {
		t.Errorf("unexpected error body %+v", body)
	}

	rec = s.do(t, http.MethodPatch, "/api/v1/appointments/"+appt.ID.String()+"/schedule", map[string]string{
		"start_time": "2030-03-11T16:00:00Z",
		"end_time":   "2030-03-11T16:45:00Z",
	})
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(t, http.MethodPatch, "/api/v1/appointments/"+appt.ID.String()+"/status", map[string]string{"status": "confirmed"})
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(t, http.MethodGet, "/api/v1/appointments/"+appt.ID.String(), nil)
	expectStatus(t, rec, http.StatusOK)
	got := decode[AppointmentResponse](t, rec)
	if got.Status != "confirmed" || !got.StartTime.Equal(time.Date(2030, 3, 11, 16, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected appointment %+v", got)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/appointments?doctor_id="+doctor.String()+"&status=confirmed,pending", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[ListAppointmentsResponse](t, rec); len(list.Appointments) != 1 {
		t.Errorf("expected one appointment, got %d", len(list.Appointments))
	}

	rec = s.do(t, http.MethodGet, "/api/v1/appointments/"+uuid.NewString(), nil)
	expectStatus(t, rec, http.StatusNotFound)
	if body := decode[ErrorResponse](t, rec); body.Error != "appointment_not_found" {
		t.Errorf("unexpected error code %q", body.Error)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/appointments/not-a-uuid", nil)
	expectStatus(t, rec, http.StatusBadRequest)
	rec = s.do(t, http.MethodGet, "/api/v1/appointments?status=expired", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestWindowRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/windows", map[string]any{
		"weekday": 1, "start_time": "14:00", "end_time": "18:00", "kind": "specialist-block", "slot_minutes": 30,
	})
	expectStatus(t, rec, http.StatusCreated)
	created := decode[availability.Window](t, rec)

	rec = s.do(t, http.MethodPost, "/api/v1/windows", map[string]any{
		"date": "2030-03-11", "start_time": "15:00", "end_time": "16:00", "kind": "specialist-block",
	})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if body := decode[ErrorResponse](t, rec); body.Field != "window_overlap" {
		t.Errorf("expected overlap error, got %+v", body)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/windows", map[string]any{"date": "2030-03-11", "start_time": "9am", "end_time": "10:00"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodGet, "/api/v1/public/specialist-dates?days=7", nil)
	expectStatus(t, rec, http.StatusOK)
	if dates := decode[SpecialistDatesResponse](t, rec); len(dates.Dates) != 1 {
		t.Errorf("a weekly block should appear once in 7 days, got %v", dates.Dates)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/windows?kind=specialist-block", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(t, http.MethodDelete, "/api/v1/windows/"+created.ID.String(), nil)
	expectStatus(t, rec, http.StatusNoContent)
	rec = s.do(t, http.MethodDelete, "/api/v1/windows/"+created.ID.String(), nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter bool
	}{
		{"validation", apperr.Validation("email", "is required"), http.StatusUnprocessableEntity, "validation_failed", false},
		{"conflict", &apperr.SlotConflictError{AppointmentID: uuid.New(), Start: time.Now(), End: time.Now()}, http.StatusConflict, "slot_conflict", false},
		{"transition", &apperr.InvalidTransitionError{From: "completed", To: "pending"}, http.StatusConflict, "invalid_status_transition", false},
		{"not found", apperr.NotFound("patient", "x"), http.StatusNotFound, "patient_not_found", false},
		{"transient", apperr.Transient("acquire schedule lock", errors.New("busy")), http.StatusServiceUnavailable, "temporarily_unavailable", true},
		{"persistence", apperr.Persistence("insert", errors.New("disk full")), http.StatusInternalServerError, "internal_error", false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			expectStatus(t, rec, tt.status)
			if body := decode[ErrorResponse](t, rec); body.Error != tt.code {
				t.Errorf("code = %q, want %q", body.Error, tt.code)
			}
			if got := rec.Header().Get("Retry-After") != ""; got != tt.retryAfter {
				t.Errorf("Retry-After present = %v, want %v", got, tt.retryAfter)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		checks []DependencyCheck
		status int
		state  string
	}{
		{"all up", []DependencyCheck{{Name: "postgres", Critical: true, Ping: up}, {Name: "redis", Ping: up}}, http.StatusOK, "ok"},
		{"redis down", []DependencyCheck{{Name: "postgres", Critical: true, Ping: up}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"postgres down", []DependencyCheck{{Name: "postgres", Critical: true, Ping: down}, {Name: "redis", Ping: up}}, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &HealthHandler{checks: tt.checks, env: "test"}
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			expectStatus(t, rec, tt.status)
			if body := decode[ReadinessResponse](t, rec); body.Status != tt.state {
				t.Errorf("status = %q, want %q", body.Status, tt.state)
			}
		})
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Error("request id should be echoed")
	}

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `scheduler_http_request_duration_seconds_count{method="GET",route="/health/live",status="200"} 1`) {
		t.Errorf("expected the liveness check in metrics, got:\n%s", rec.Body.String())
	}
}
