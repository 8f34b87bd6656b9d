package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/availability"
	"github.com/clinicflow/dental-scheduling/internal/config"
	"github.com/clinicflow/dental-scheduling/internal/db"
	"github.com/clinicflow/dental-scheduling/internal/logging"
	"github.com/clinicflow/dental-scheduling/internal/patient"
)

var specialties = []string{
	"General Dentistry",
	"Orthodontics",
	"Endodontics",
	"Periodontics",
	"Oral Surgery",
	"Pediatric Dentistry",
	"Prosthodontics",
}

type seedOptions struct {
	doctors  int
	patients int
	migrate  bool
}

func main() {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the database with demo doctors, patients and availability windows",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.doctors, "doctors", 8, "number of doctors")
	cmd.Flags().IntVar(&opts.patients, "patients", 2000, "number of patients")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", true, "apply pending migrations first")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(logging.Options{Env: cfg.Env, Level: cfg.LogLevel, Service: "seed"})
	log.Info().Int("doctors", opts.doctors).Int("patients", opts.patients).Msg("seed starting")

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.Pool())
	cancel()
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if opts.migrate {
		if _, err := db.MigrateUp(ctx, pool, log); err != nil {
			return err
		}
	}

	gofakeit.Seed(time.Now().UnixNano())

	doctors, err := seedDoctors(ctx, pool, opts.doctors, log)
	if err != nil {
		return fmt.Errorf("seed doctors: %w", err)
	}
	if err := seedPatients(ctx, patient.NewPgDirectory(pool), opts.patients, log); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	windows := availability.NewWindowService(
		availability.NewPgStore(pool),
		db.NewPgTransactor(pool, cfg.DBTxRetries, log),
		cfg.Location(),
		log,
	)
	if err := seedWindows(ctx, windows, doctors, log); err != nil {
		return fmt.Errorf("seed windows: %w", err)
	}

	log.Info().Msg("seed complete")
	return nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int, log zerolog.Logger) ([]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.FirstName() + " " + gofakeit.LastName()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Info().Int("count", count).Msg("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, dir *patient.PgDirectory, count int, log zerolog.Logger) error {
	const progressEvery = 500

	created := 0
	for i := 0; i < count; i++ {
		p := patient.NewPatient{
			FirstName:  gofakeit.FirstName(),
			LastName:   gofakeit.LastName(),
			Email:      strings.ToLower(gofakeit.Username()) + fmt.Sprintf(".%d@example.com", i),
			Phone:      fmt.Sprintf("+57300%07d", gofakeit.Number(0, 9999999)),
			DocumentID: fmt.Sprintf("CC-%010d", gofakeit.Number(1, 2_000_000_000)),
		}
		if _, err := dir.Create(ctx, p); err != nil {
			// document ids are random, so a rare collision just skips the row
			if db.IsUniqueViolation(err) {
				continue
			}
			return err
		}
		created++
		if created%progressEvery == 0 {
			log.Info().Int("seeded", created).Int("total", count).Msg("patients progress")
		}
	}

	log.Info().Int("count", created).Msg("patients seeded")
	return nil
}

// seedWindows opens the clinic on weekdays 08:00-12:00 and 14:00-18:00 and
// gives each specialist one weekly afternoon block.
func seedWindows(ctx context.Context, svc *availability.WindowService, doctors []uuid.UUID, log zerolog.Logger) error {
	var planned []availability.Window

	for wd := time.Monday; wd <= time.Friday; wd++ {
		for _, span := range [][2]string{{"08:00", "12:00"}, {"14:00", "18:00"}} {
			planned = append(planned, weeklyWindow(nil, appointment.KindStandardHours, wd, span[0], span[1], nil))
		}
	}
	planned = append(planned, weeklyWindow(nil, appointment.KindStandardHours, time.Saturday, "08:00", "12:00", nil))

	slot := 45
	for i, id := range doctors {
		if i == 0 {
			// the first doctor covers general dentistry only
			continue
		}
		wd := time.Monday + time.Weekday(i%5)
		planned = append(planned, weeklyWindow(&id, appointment.KindSpecialistBlock, wd, "14:00", "17:00", &slot))
	}

	created, skipped := 0, 0
	for _, w := range planned {
		if _, err := svc.Create(ctx, w); err != nil {
			var verr *apperr.ValidationError
			if errors.As(err, &verr) && verr.Field == "window_overlap" {
				skipped++
				continue
			}
			return err
		}
		created++
	}

	log.Info().Int("created", created).Int("skipped", skipped).Msg("availability windows seeded")
	return nil
}

func weeklyWindow(doctorID *uuid.UUID, kind appointment.Kind, wd time.Weekday, start, end string, slotMinutes *int) availability.Window {
	s, _ := availability.ParseClock(start)
	e, _ := availability.ParseClock(end)
	label := string(kind) + " " + wd.String()
	return availability.Window{
		DoctorID:    doctorID,
		Kind:        kind,
		Weekday:     &wd,
		Start:       s,
		End:         e,
		SlotMinutes: slotMinutes,
		Label:       &label,
	}
}
