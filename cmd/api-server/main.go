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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicflow/dental-scheduling/internal/api"
	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/availability"
	"github.com/clinicflow/dental-scheduling/internal/booking"
	"github.com/clinicflow/dental-scheduling/internal/config"
	"github.com/clinicflow/dental-scheduling/internal/db"
	"github.com/clinicflow/dental-scheduling/internal/events"
	"github.com/clinicflow/dental-scheduling/internal/logging"
	"github.com/clinicflow/dental-scheduling/internal/metrics"
	"github.com/clinicflow/dental-scheduling/internal/patient"
	redisclient "github.com/clinicflow/dental-scheduling/internal/redis"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "api-server",
		Short:        "Dental clinic scheduling API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.ConnectPostgres(ctx, cfg.Pool())
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.MigrateUp(ctx, pool, log)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	})
	return cmd
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logging.New(logging.Options{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Service: "api-server",
	})
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.Pool())
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	if migrate {
		if _, err := db.MigrateUp(rootCtx, pgPool, log); err != nil {
			return err
		}
	}

	// Redis only backs the schedule lock and the window cache. Without it the
	// database constraints still keep the schedule consistent.
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running without schedule lock and window cache")
		rdb = nil
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Msg("connected to Redis")
	}

	publisher, err := events.NewFromConfig(cfg, log)
	if err != nil {
		return fmt.Errorf("events publisher: %w", err)
	}
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	handler, err := buildRouter(cfg, log, pgPool, rdb, publisher, m)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildRouter(cfg config.Config, log zerolog.Logger, pgPool *pgxpool.Pool, rdb *redis.Client, publisher events.Publisher, m *metrics.Metrics) (http.Handler, error) {
	policy, err := appointment.PolicyByName(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	var locker redisclient.Locker = redisclient.NoopLocker{}
	if rdb != nil {
		locker = redisclient.NewRedisScheduleLocker(rdb, cfg.LockTTL, cfg.LockWait)
	}

	tx := db.NewPgTransactor(pgPool, cfg.DBTxRetries, log)
	svc := appointment.NewService(appointment.Deps{
		Repo:      appointment.NewPgRepository(pgPool),
		Tx:        tx,
		Locker:    locker,
		Policy:    policy,
		Publisher: publisher,
		Metrics:   m,
		Log:       log,
	})

	var windows availability.Store = availability.NewPgStore(pgPool)
	if rdb != nil && cfg.WindowCacheTTL > 0 {
		windows = availability.NewCachedStore(windows, rdb, cfg.WindowCacheTTL, log)
	}

	loc := cfg.Location()
	engine := availability.NewEngine(windows, svc.Resolver(), availability.EngineConfig{
		Location:    loc,
		DefaultSlot: time.Duration(cfg.DefaultSlotMinutes) * time.Minute,
		Metrics:     m,
	})

	orch := booking.NewOrchestrator(booking.Deps{
		Appointments: svc,
		Patients:     patient.NewPgDirectory(pgPool),
		Windows:      engine,
		Metrics:      m,
		Log:          log,
		Config: booking.Config{
			DefaultDuration:    cfg.BookingDefaultDuration,
			StaffRequireWindow: cfg.StaffRequireWindow,
			PhoneRegion:        cfg.PhoneRegion,
		},
	})

	return api.NewRouter(api.RouterConfig{
		Appointments: svc,
		Booking:      orch,
		Engine:       engine,
		Windows:      availability.NewWindowService(windows, tx, loc, log),
		Health:       api.NewHealthHandler(pgPool, rdb, cfg.Env, version),
		Metrics:      m,
		Log:          log,
	}), nil
}
