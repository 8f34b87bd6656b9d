package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/config"
	"github.com/clinicflow/dental-scheduling/internal/db"
	"github.com/clinicflow/dental-scheduling/internal/events"
	"github.com/clinicflow/dental-scheduling/internal/logging"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
	"github.com/clinicflow/dental-scheduling/internal/reminder"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Service: "reminder-worker",
	})
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("lead", cfg.ReminderLead).
		Msg("reminder worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.Pool())
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	publisher, err := events.NewFromConfig(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("events publisher error")
	}
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.WorkerMetricsPort != "" {
		srv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
		defer srv.Close()
	}

	// The worker never books, so it needs neither the schedule lock nor a
	// conflict policy beyond the default.
	svc := appointment.NewService(appointment.Deps{
		Repo:      appointment.NewPgRepository(pgPool),
		Tx:        db.NewPgTransactor(pgPool, cfg.DBTxRetries, log),
		Publisher: publisher,
		Metrics:   m,
		Log:       log,
	})

	scanner := reminder.NewScanner(svc, reminder.Config{
		Lead:   cfg.ReminderLead,
		Window: cfg.ReminderWindow,
	}, m, log)

	scanner.Run(rootCtx, cfg.WorkerInterval)
	log.Info().Msg("reminder worker stopped")
}
