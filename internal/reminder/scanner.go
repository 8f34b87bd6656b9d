// Package reminder queues appointment reminders ahead of the visit. Delivery
// happens downstream of the REMINDER_QUEUED event.
package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
)

// Source is the part of the appointment service the scanner drives.
type Source interface {
	DueReminders(ctx context.Context, from, to time.Time) ([]appointment.Appointment, error)
	QueueReminder(ctx context.Context, appt appointment.Appointment, at time.Time) (bool, error)
}

type Config struct {
	// Lead is how far ahead of the visit the reminder goes out.
	Lead time.Duration
	// Window is the width of each scan. It should be at least the run
	// interval so no appointment falls between two runs.
	Window time.Duration
	// RunTimeout bounds a single scan.
	RunTimeout time.Duration
}

type Summary struct {
	Due     int
	Queued  int
	Skipped int
	Failed  int
}

type Scanner struct {
	source  Source
	cfg     Config
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewScanner(source Source, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Scanner {
	if cfg.Lead <= 0 {
		cfg.Lead = 24 * time.Hour
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Second
	}
	return &Scanner{source: source, cfg: cfg, metrics: m, log: log, now: time.Now}
}

// RunOnce queues a reminder for every active appointment starting in
// [now+Lead, now+Lead+Window) that has not had one. A failure on one
// appointment does not stop the rest.
func (s *Scanner) RunOnce(ctx context.Context) (Summary, error) {
	now := s.now().UTC()
	from := now.Add(s.cfg.Lead)
	to := from.Add(s.cfg.Window)

	due, err := s.source.DueReminders(ctx, from, to)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Due: len(due)}
	var errs []error
	for _, appt := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		queued, err := s.source.QueueReminder(ctx, appt, now)
		switch {
		case err != nil:
			sum.Failed++
			errs = append(errs, err)
			s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to queue reminder")
		case queued:
			sum.Queued++
			s.metrics.ObserveReminderQueued()
		default:
			sum.Skipped++
		}
	}
	return sum, errors.Join(errs...)
}

// Run scans once at startup and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutdown signal received, stopping reminder scanner")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	sum, err := s.RunOnce(runCtx)
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Int("due", sum.Due).
		Int("queued", sum.Queued).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("reminder scan complete")
}
