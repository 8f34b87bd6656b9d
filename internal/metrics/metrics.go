package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg prometheus.Gatherer

	BookingOutcomes   *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	AvailabilitySlots prometheus.Histogram
	RemindersQueued   prometheus.Counter
	HTTPDuration      *prometheus.HistogramVec
}

// New registers the scheduler collectors on reg. Passing a fresh registry
// keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		BookingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "booking_attempts_total",
			Help:      "Booking attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "status_transitions_total",
			Help:      "Appointment status transitions by target status and result.",
		}, []string{"to", "result"}),
		AvailabilitySlots: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scheduler",
			Name:      "availability_free_slots",
			Help:      "Free slots returned per availability query.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		RemindersQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "reminders_queued_total",
			Help:      "Appointment reminders queued for delivery.",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduler",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.BookingOutcomes,
		m.Transitions,
		m.AvailabilitySlots,
		m.RemindersQueued,
		m.HTTPDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe methods are no-ops on a nil *Metrics.

func (m *Metrics) ObserveBooking(channel, outcome string) {
	if m == nil {
		return
	}
	m.BookingOutcomes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ObserveTransition(to string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.Transitions.WithLabelValues(to, result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveFreeSlots(n int) {
	if m == nil {
		return
	}
	m.AvailabilitySlots.Observe(float64(n))
}

func (m *Metrics) ObserveReminderQueued() {
	if m == nil {
		return
	}
	m.RemindersQueued.Inc()
}
