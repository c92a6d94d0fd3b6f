package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/config"
	"github.com/hackgods/clinical-scheduling-engine/internal/db"
	"github.com/hackgods/clinical-scheduling-engine/internal/logging"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	CancelRatio     float64
	RescheduleRatio float64
	ReadRatio       float64
	Patients        int
	ClinicianLimit  int
	RemoteShare     float64
}

type window struct {
	ClinicianID uuid.UUID
	Start       time.Time
	Minutes     int
}

type booking struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Window    window
}

type DataPool struct {
	Patients   []uuid.UUID
	Clinicians []uuid.UUID
	Services   []string
	Windows    []window

	mu       sync.RWMutex
	bookings []booking
}

func (dp *DataPool) AddBooking(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

// TakeBooking removes a random booking so it is cancelled at most once.
func (dp *DataPool) TakeBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	i := rng.Intn(len(dp.bookings))
	b := dp.bookings[i]
	dp.bookings[i] = dp.bookings[len(dp.bookings)-1]
	dp.bookings = dp.bookings[:len(dp.bookings)-1]
	return b, true
}

func (dp *DataPool) ReplaceWindow(id uuid.UUID, w window) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for i := range dp.bookings {
		if dp.bookings[i].ID == id {
			dp.bookings[i].Window = w
			return
		}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeRejected
	outcomeError
)

func classify(status, want int) outcome {
	switch status {
	case want:
		return outcomeSuccess
	case http.StatusConflict:
		return outcomeConflict
	case http.StatusUnprocessableEntity:
		return outcomeRejected
	default:
		return outcomeError
	}
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Rejected  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch o {
	case outcomeSuccess:
		atomic.AddInt64(&om.Success, 1)
	case outcomeConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case outcomeRejected:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	i := n * p / 100
	if i >= n {
		i = n - 1
	}
	return i
}

type Metrics struct {
	Booking       OperationMetrics
	Cancel        OperationMetrics
	Reschedule    OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	Events        OperationMetrics
	FreeSlots     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info", "simulate")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel, "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid simulator config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, db.PoolConfig{MaxConns: 4}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}

	sim.pool, err = sim.loadDataPool(ctx, pgPool)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().
		Int("patients", len(sim.pool.Patients)).
		Int("clinicians", len(sim.pool.Clinicians)).
		Int("services", len(sim.pool.Services)).
		Int("free_windows", len(sim.pool.Windows)).
		Msg("data pool loaded")

	sim.Run()
	sim.PrintReport()

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCheck()
	violations, err := checkInvariants(checkCtx, pgPool, baseCfg.QuotaMax, baseCfg.Location.String())
	if err != nil {
		logger.Fatal().Err(err).Msg("invariant check failed to run")
	}
	printInvariants(violations)
	if total := sumViolations(violations); total > 0 {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.4),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.1),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.1),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.4),
		Patients:        getInt("SIM_PATIENTS", 500),
		ClinicianLimit:  getInt("SIM_CLINICIAN_LIMIT", 50),
		RemoteShare:     getFloat("SIM_REMOTE_SHARE", 0.5),
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.RescheduleRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.RescheduleRatio /= total
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
	if cfg.Patients <= 0 {
		return fmt.Errorf("SIM_PATIENTS must be > 0")
	}
	return nil
}

// loadDataPool reads bookable clinicians and open services from Postgres and
// asks the API for their free windows. Patients are external identities, so
// the pool just invents them.
func (s *Simulator) loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT clinician_id FROM clinician_registrations
		WHERE status <> 'suspended' AND expiry_date >= CURRENT_DATE
		LIMIT $1
	`, s.config.ClinicianLimit)
	if err != nil {
		return nil, fmt.Errorf("load clinicians: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Clinicians = append(dp.Clinicians, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM services WHERE NOT referral_gated ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Services = append(dp.Services, id)
	}
	rows.Close()

	if len(dp.Clinicians) == 0 {
		return nil, fmt.Errorf("no bookable clinicians, run the seed first")
	}
	if len(dp.Services) == 0 {
		return nil, fmt.Errorf("no services loaded")
	}

	for _, c := range dp.Clinicians {
		windows, err := s.freeWindows(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("free slots for %s: %w", c, err)
		}
		dp.Windows = append(dp.Windows, windows...)
	}
	if len(dp.Windows) == 0 {
		return nil, fmt.Errorf("no free slots")
	}

	faker := gofakeit.New(0)
	dp.Patients = make([]uuid.UUID, s.config.Patients)
	for i := range dp.Patients {
		dp.Patients[i] = uuid.MustParse(faker.UUID())
	}
	return dp, nil
}

func (s *Simulator) freeWindows(ctx context.Context, clinicianID uuid.UUID) ([]window, error) {
	q := url.Values{}
	q.Set("free", "true")
	q.Set("from", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/clinicians/%s/slots?%s", s.config.APIBaseURL, clinicianID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var slots []struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, err
	}

	out := make([]window, 0, len(slots))
	for _, sl := range slots {
		out = append(out, window{
			ClinicianID: clinicianID,
			Start:       sl.Start,
			Minutes:     int(sl.End.Sub(sl.Start) / time.Minute),
		})
	}
	return out, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

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

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		default:
			switch rng.Intn(4) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByPatient(ctx, rng)
			case 2:
				s.doEvents(ctx, rng)
			case 3:
				s.doFreeSlots(ctx, rng)
			}
		}
	}
}

func windowBody(w window) map[string]any {
	return map[string]any{
		"start":            w.Start.Format(time.RFC3339),
		"duration_minutes": w.Minutes,
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	w := s.pool.Windows[rng.Intn(len(s.pool.Windows))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	medium := "in_person"
	if rng.Float64() < s.config.RemoteShare {
		medium = "remote"
	}

	body := map[string]any{
		"patient_id":   patientID.String(),
		"clinician_id": w.ClinicianID.String(),
		"service_id":   s.pool.Services[rng.Intn(len(s.pool.Services))],
		"window":       windowBody(w),
		"medium":       medium,
	}

	var created struct {
		ID uuid.UUID `json:"appointment_id"`
	}
	latency, status, err := s.do(ctx, http.MethodPost, "/appointments", body, &created)
	if err != nil {
		s.metrics.Booking.Record(latency, outcomeError)
		return
	}

	o := classify(status, http.StatusCreated)
	if o == outcomeSuccess && created.ID != uuid.Nil {
		s.pool.AddBooking(booking{ID: created.ID, PatientID: patientID, Window: w})
	}
	s.metrics.Booking.Record(latency, o)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeBooking(rng)
	if !ok {
		return
	}

	body := map[string]any{"reason": "simulated"}
	latency, status, err := s.do(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/cancel", body, nil)
	if err != nil {
		s.metrics.Cancel.Record(latency, outcomeError)
		return
	}
	s.metrics.Cancel.Record(latency, classify(status, http.StatusOK))
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	w := s.pool.Windows[rng.Intn(len(s.pool.Windows))]
	if w.ClinicianID != b.Window.ClinicianID {
		// prefer staying with the same clinician when one of their windows comes up
		for i := 0; i < 8; i++ {
			cand := s.pool.Windows[rng.Intn(len(s.pool.Windows))]
			if cand.ClinicianID == b.Window.ClinicianID {
				w = cand
				break
			}
		}
	}

	body := map[string]any{"window": windowBody(w)}
	latency, status, err := s.do(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/reschedule", body, nil)
	if err != nil {
		s.metrics.Reschedule.Record(latency, outcomeError)
		return
	}

	o := classify(status, http.StatusOK)
	if status == http.StatusBadRequest {
		// same window or past the deadline; an expected rule outcome
		o = outcomeRejected
	}
	if o == outcomeSuccess {
		s.pool.ReplaceWindow(b.ID, w)
	}
	s.metrics.Reschedule.Record(latency, o)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	s.read(ctx, &s.metrics.ReadByID, "/appointments/"+b.ID.String())
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	s.read(ctx, &s.metrics.ListByPatient,
		fmt.Sprintf("/appointments?patient_id=%s&limit=20&offset=0", patientID))
}

func (s *Simulator) doEvents(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	s.read(ctx, &s.metrics.Events, "/appointments/"+b.ID.String()+"/events")
}

func (s *Simulator) doFreeSlots(ctx context.Context, rng *rand.Rand) {
	c := s.pool.Clinicians[rng.Intn(len(s.pool.Clinicians))]
	s.read(ctx, &s.metrics.FreeSlots, "/clinicians/"+c.String()+"/slots?free=true")
}

func (s *Simulator) read(ctx context.Context, om *OperationMetrics, path string) {
	latency, status, err := s.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		om.Record(latency, outcomeError)
		return
	}
	om.Record(latency, classify(status, http.StatusOK))
}

// do sends one request and decodes a successful body into out when given.
func (s *Simulator) do(ctx context.Context, method, path string, body any, out any) (time.Duration, int, error) {
	var payload *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		payload = bytes.NewReader(b)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, payload)
	if err != nil {
		return 0, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return latency, resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
	printOperationReport("Event log", &s.metrics.Events)
	printOperationReport("Free slots", &s.metrics.FreeSlots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, pct(rejected))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

type invariant struct {
	Name  string
	Query string
	Args  []any
}

// checkInvariants counts rows that break the scheduling guarantees after a
// run. Every count must be zero.
func checkInvariants(ctx context.Context, pool *pgxpool.Pool, quotaMax int, tz string) (map[string]int, error) {
	checks := []invariant{
		{
			Name: "slots with more than one live appointment",
			Query: `
				SELECT count(*) FROM (
					SELECT slot_id FROM appointments
					WHERE status IN ('scheduled', 'in_progress')
					GROUP BY slot_id HAVING count(*) > 1
				) t`,
		},
		{
			Name: "live appointments on a slot that is not booked",
			Query: `
				SELECT count(*) FROM appointments a
				JOIN slots s ON s.id = a.slot_id
				WHERE a.status IN ('scheduled', 'in_progress') AND s.status <> 'booked'`,
		},
		{
			Name: "booked slots without an owner",
			Query: `
				SELECT count(*) FROM slots s
				WHERE s.status = 'booked' AND s.retained_until IS NULL
				  AND NOT EXISTS (
					SELECT 1 FROM appointments a
					WHERE a.slot_id = s.id AND a.id = s.holder_id
					  AND a.status IN ('scheduled', 'in_progress', 'completed', 'no_show')
				  )`,
		},
		{
			Name: "patients over their yearly service quota",
			Query: `
				SELECT count(*) FROM (
					SELECT a.patient_id, a.service_id, date_trunc('year', a.start_time AT TIME ZONE $2) AS yr
					FROM appointments a
					JOIN services sv ON sv.id = a.service_id
					WHERE a.status IN ('scheduled', 'in_progress', 'completed', 'no_show')
					   OR (a.status = 'cancelled' AND a.late_cancellation)
					GROUP BY a.patient_id, a.service_id, yr, sv.quota
					HAVING count(*) > COALESCE(NULLIF(sv.quota, 0), $1)
				) t`,
			Args: []any{quotaMax, tz},
		},
	}

	out := make(map[string]int, len(checks))
	for _, c := range checks {
		var n int
		if err := pool.QueryRow(ctx, c.Query, c.Args...).Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		out[c.Name] = n
	}
	return out, nil
}

func sumViolations(v map[string]int) int {
	total := 0
	for _, n := range v {
		total += n
	}
	return total
}

func printInvariants(v map[string]int) {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Invariants:")
	for _, name := range names {
		mark := "ok"
		if v[name] > 0 {
			mark = "VIOLATED"
		}
		fmt.Printf("  %-50s %d %s\n", name, v[name], mark)
	}
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
