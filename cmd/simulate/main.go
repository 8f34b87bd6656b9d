package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/config"
	"github.com/clinicflow/dental-scheduling/internal/db"
	"github.com/clinicflow/dental-scheduling/internal/interval"
	"github.com/clinicflow/dental-scheduling/internal/logging"
)

var visitReasons = []string{"cleaning", "checkup", "toothache", "whitening", "braces adjustment", "crown fitting"}

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	PublicRatio  float64
	StaffRatio   float64
	ConfirmRatio float64
	ReadRatio    float64
	HorizonDays  int
	PatientLimit int
	PostgresDSN  string
	Location     *time.Location
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID
	Dates    []string

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pct(50), pct(95)
}

type Metrics struct {
	PublicBooking OperationMetrics
	StaffBooking  OperationMetrics
	Confirm       OperationMetrics
	ReadByID      OperationMetrics
	Availability  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	base, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logging.Options{Env: base.Env, Level: base.LogLevel, Service: "simulate"})

	cfg := loadConfig(base)
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid simulator config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("public", cfg.PublicRatio).
		Float64("staff", cfg.StaffRatio).
		Float64("confirm", cfg.ConfirmRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, db.PoolConfig{DSN: cfg.PostgresDSN, MaxConns: int32(cfg.Workers) + 2})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(dataPool.Patients)).Int("doctors", len(dataPool.Doctors)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()

	overlaps, err := countOverlaps(context.Background(), pgPool)
	if err != nil {
		log.Fatal().Err(err).Msg("overlap check failed")
	}
	if overlaps > 0 {
		log.Error().Int("pairs", overlaps).Msg("overlapping active appointments found")
		os.Exit(2)
	}
	log.Info().Msg("no overlapping active appointments")
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		PublicRatio:  getFloat("SIM_PUBLIC_RATIO", 0.35),
		StaffRatio:   getFloat("SIM_STAFF_RATIO", 0.15),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		HorizonDays:  getInt("SIM_HORIZON_DAYS", 14),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		PostgresDSN:  base.PostgresDSN,
		Location:     base.Location(),
	}

	total := cfg.PublicRatio + cfg.StaffRatio + cfg.ConfirmRatio + cfg.ReadRatio
	if total > 0 {
		cfg.PublicRatio /= total
		cfg.StaffRatio /= total
		cfg.ConfirmRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HorizonDays <= 0 {
		return fmt.Errorf("SIM_HORIZON_DAYS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	patients, err := loadIDs(ctx, pool, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	doctors, err := loadIDs(ctx, pool, `SELECT id FROM doctors LIMIT $1`, 1000)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	if len(patients) == 0 || len(doctors) == 0 {
		return nil, fmt.Errorf("no patients or doctors loaded, run the seed first")
	}
	dataPool.Patients, dataPool.Doctors = patients, doctors

	today := time.Now().In(cfg.Location)
	for i := 1; i <= cfg.HorizonDays; i++ {
		dataPool.Dates = append(dataPool.Dates, today.AddDate(0, 0, i).Format(time.DateOnly))
	}
	return dataPool, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// countOverlaps counts pairs of active appointments in the same scope whose
// intervals intersect. Any result above zero is a double booking.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.id < b.id
		 AND COALESCE(a.doctor_id, '00000000-0000-0000-0000-000000000000'::uuid)
		   = COALESCE(b.doctor_id, '00000000-0000-0000-0000-000000000000'::uuid)
		 AND a.start_time < b.end_time
		 AND b.start_time < a.end_time
		WHERE a.status IN ('pending', 'confirmed', 'arrived')
		  AND b.status IN ('pending', 'confirmed', 'arrived')
	`).Scan(&n)
	return n, err
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	faker := gofakeit.New(uint64(time.Now().UnixNano()) + uint64(workerID))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.PublicRatio:
			s.doPublicBooking(ctx, rng, faker)
		case r < s.config.PublicRatio+s.config.StaffRatio:
			s.doStaffBooking(ctx, rng)
		case r < s.config.PublicRatio+s.config.StaffRatio+s.config.ConfirmRatio:
			s.doConfirm(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doReadByID(ctx, rng)
			} else {
				s.doAvailability(ctx, rng)
			}
		}
	}
}

func (s *Simulator) randomDate(rng *rand.Rand) string {
	return s.pool.Dates[rng.Intn(len(s.pool.Dates))]
}

// doPublicBooking looks up free slots for a random day and books one, the way
// the website does.
func (s *Simulator) doPublicBooking(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	var avail struct {
		Slots []interval.Interval `json:"slots"`
	}
	status, err := s.do(ctx, http.MethodGet, "/api/v1/public/availability?date="+s.randomDate(rng), nil, &avail)
	if err != nil || status != http.StatusOK || len(avail.Slots) == 0 {
		return
	}
	slot := avail.Slots[rng.Intn(len(avail.Slots))]

	body := map[string]any{
		"full_name":  faker.FirstName() + " " + faker.LastName(),
		"email":      strings.ToLower(faker.Username()) + "@example.com",
		"phone":      fmt.Sprintf("300%07d", faker.Number(0, 9999999)),
		"start_time": slot.Start,
		"end_time":   slot.End,
		"reason":     faker.RandomString(visitReasons),
	}

	var booked struct {
		Appointment struct {
			ID uuid.UUID `json:"id"`
		} `json:"appointment"`
	}
	start := time.Now()
	status, err = s.do(ctx, http.MethodPost, "/api/v1/public/bookings", body, &booked)
	s.recordBooking(&s.metrics.PublicBooking, start, status, err, booked.Appointment.ID)
}

func (s *Simulator) doStaffBooking(ctx context.Context, rng *rand.Rand) {
	day, _ := time.ParseInLocation(time.DateOnly, s.randomDate(rng), s.config.Location)
	startAt := day.Add(time.Duration(8*60+rng.Intn(9*4)*15) * time.Minute)

	body := map[string]any{
		"doctor_id":  s.pool.Doctors[rng.Intn(len(s.pool.Doctors))],
		"patient_id": s.pool.Patients[rng.Intn(len(s.pool.Patients))],
		"start_time": startAt,
		"end_time":   startAt.Add(time.Duration(30+rng.Intn(3)*15) * time.Minute),
		"status":     "confirmed",
	}

	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	start := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/api/v1/appointments", body, &appt)
	s.recordBooking(&s.metrics.StaffBooking, start, status, err, appt.ID)
}

func (s *Simulator) recordBooking(om *OperationMetrics, start time.Time, status int, err error, id uuid.UUID) {
	latency := time.Since(start)
	success := err == nil && (status == http.StatusCreated || status == http.StatusOK)
	if success && id != uuid.Nil {
		s.pool.AddAppointment(id)
	}
	om.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.do(ctx, http.MethodPatch, "/api/v1/appointments/"+apptID.String()+"/status",
		map[string]string{"status": "confirmed"}, nil)
	s.metrics.Confirm.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, "/api/v1/appointments/"+apptID.String(), nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	path := "/api/v1/availability?date=" + s.randomDate(rng)
	if rng.Intn(2) == 0 {
		path += "&kind=specialist-block&doctor_id=" + s.pool.Doctors[rng.Intn(len(s.pool.Doctors))].String()
	}

	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, path, nil, nil)
	s.metrics.Availability.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// do sends one JSON request and decodes the body into out when it is set and
// the call succeeded.
func (s *Simulator) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Public booking", &s.metrics.PublicBooking)
	printOperationReport("Staff booking", &s.metrics.StaffBooking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Availability", &s.metrics.Availability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
