package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/availability"
	"github.com/clinicflow/dental-scheduling/internal/booking"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
)

const defaultSpecialistHorizon = 60

type RouterConfig struct {
	Appointments *appointment.Service
	Booking      *booking.Orchestrator
	Engine       *availability.Engine
	Windows      *availability.WindowService
	Health       *HealthHandler
	Metrics      *metrics.Metrics
	Log          zerolog.Logger

	// SpecialistHorizonDays is how far ahead the specialist dates feed looks
	// when the caller does not say.
	SpecialistHorizonDays int
}

// NewRouter mounts the public booking routes and the staff routes under
// separate prefixes so a gateway can protect the staff side.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.SpecialistHorizonDays <= 0 {
		cfg.SpecialistHorizonDays = defaultSpecialistHorizon
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthHandler(nil, nil, "", "")
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(MetricsMiddleware(cfg.Metrics))

	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/v1/public", func(r chi.Router) {
		r.Get("/availability", availabilityHandler(cfg.Engine))
		r.Get("/specialist-dates", specialistDatesHandler(cfg.Engine, cfg.SpecialistHorizonDays))
		r.Post("/bookings", publicBookingHandler(cfg.Booking))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/availability", availabilityHandler(cfg.Engine))

		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", listAppointmentsHandler(cfg.Appointments))
			r.Post("/", createAppointmentHandler(cfg.Booking))
			r.Get("/{id}", getAppointmentHandler(cfg.Appointments))
			r.Patch("/{id}/status", updateStatusHandler(cfg.Appointments))
			r.Patch("/{id}/schedule", rescheduleHandler(cfg.Appointments))
		})

		r.Route("/windows", func(r chi.Router) {
			r.Get("/", listWindowsHandler(cfg.Windows))
			r.Post("/", createWindowHandler(cfg.Windows))
			r.Get("/{id}", getWindowHandler(cfg.Windows))
			r.Delete("/{id}", deleteWindowHandler(cfg.Windows))
		})
	})

	return r
}
