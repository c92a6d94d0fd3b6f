package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/config"
	"github.com/hackgods/clinical-scheduling-engine/internal/db"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
	"github.com/hackgods/clinical-scheduling-engine/internal/logging"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

const (
	clinicianCount = 100
	patientCount   = 2000
	slotDays       = 14
	sessionLength  = 50 * time.Minute
)

var catalog = []compliance.Service{
	{ID: "gp-standard", Name: "Standard consultation", BillingItem: "23"},
	{ID: "psych-individual", Name: "Psychological therapy", BillingItem: "80110"},
	{ID: "physio-review", Name: "Physiotherapy review", BillingItem: "10960", Quota: 5},
	{ID: "specialist-initial", Name: "Specialist initial attendance", BillingItem: "104", ReferralGated: true},
	{ID: "specialist-followup", Name: "Specialist subsequent attendance", BillingItem: "105", ReferralGated: true},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info", "seed")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel, "seed")
	logger.Info().Msg("seed starting")

	ctx := context.Background()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns}, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if _, err := db.NewMigrator(pool, db.Migrations(), logger).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	faker := gofakeit.New(time.Now().UnixNano())
	s := &seeder{pool: pool, faker: faker, loc: cfg.Location, log: logger}

	if err := s.services(ctx); err != nil {
		logger.Fatal().Err(err).Msg("seed services")
	}
	clinicians, err := s.registrations(ctx, clinicianCount)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed registrations")
	}
	patients := make([]uuid.UUID, patientCount)
	for i := range patients {
		patients[i] = uuid.New()
	}
	if err := s.referrals(ctx, patients); err != nil {
		logger.Fatal().Err(err).Msg("seed referrals")
	}
	if err := s.optOuts(ctx, patients); err != nil {
		logger.Fatal().Err(err).Msg("seed notification preferences")
	}

	allocator := slot.NewAllocator(slot.NewPgStore(pool), lock.NewLocal(), clock.Real(), cfg.HoldTTL, logger)
	if err := s.slots(ctx, allocator, clinicians); err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}

	logger.Info().Msg("seed complete")
}

type seeder struct {
	pool  *pgxpool.Pool
	faker *gofakeit.Faker
	loc   *time.Location
	log   zerolog.Logger
}

func (s *seeder) services(ctx context.Context) error {
	for _, svc := range catalog {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO services (id, name, billing_item, referral_gated, quota)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, svc.ID, svc.Name, svc.BillingItem, svc.ReferralGated, svc.Quota)
		if err != nil {
			return fmt.Errorf("insert service %s: %w", svc.ID, err)
		}
	}
	s.log.Info().Int("count", len(catalog)).Msg("services seeded")
	return nil
}

// registrations gives most clinicians a comfortable expiry, a few one inside
// the warning window and a few one already passed, so a monitor pass has
// something to warn about and something to suspend. The feed mirrors the
// store so the first reconciliation is a no-op.
func (s *seeder) registrations(ctx context.Context, count int) ([]uuid.UUID, error) {
	store := registration.NewPgStore(s.pool)
	today := time.Now().In(s.loc)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()

		var days int
		switch roll := s.faker.Number(1, 100); {
		case roll <= 5:
			days = -s.faker.Number(1, 10)
		case roll <= 15:
			days = s.faker.Number(1, 25)
		default:
			days = s.faker.Number(90, 1000)
		}
		expiry := today.AddDate(0, 0, days)

		if err := store.UpsertExpiry(ctx, id, expiry); err != nil {
			return nil, fmt.Errorf("registration %s: %w", id, err)
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO registration_feed (clinician_id, expiry_date, received_at)
			VALUES ($1, $2, now())
			ON CONFLICT (clinician_id) DO UPDATE SET expiry_date = EXCLUDED.expiry_date, received_at = now()
		`, id, expiry); err != nil {
			return nil, fmt.Errorf("registration feed %s: %w", id, err)
		}
		ids = append(ids, id)
	}

	s.log.Info().Int("count", len(ids)).Msg("registrations seeded")
	return ids, nil
}

func (s *seeder) referrals(ctx context.Context, patients []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	n := 0
	for _, p := range patients {
		if s.faker.Number(1, 100) > 30 {
			continue
		}
		from := now.AddDate(0, -s.faker.Number(0, 6), 0)
		until := from.AddDate(1, 0, 0)
		service := "specialist-initial"
		if s.faker.Bool() {
			service = "specialist-followup"
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO referrals (patient_id, service_id, valid_from, valid_until, revoked)
			VALUES ($1, $2, $3, $4, $5)
		`, p, service, from, until, s.faker.Number(1, 100) <= 5)
		if err != nil {
			return err
		}
		n++
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info().Int("count", n).Msg("referrals seeded")
	return nil
}

func (s *seeder) optOuts(ctx context.Context, patients []uuid.UUID) error {
	prefs := notify.NewPgPreferences(s.pool)
	n := 0
	for _, p := range patients {
		if s.faker.Number(1, 100) > 10 {
			continue
		}
		if err := prefs.OptOut(ctx, p.String(), notify.KindReminderDayBefore, notify.KindReminderHourBefore, notify.KindReminderImminent); err != nil {
			return err
		}
		n++
	}
	s.log.Info().Int("count", n).Msg("reminder opt-outs seeded")
	return nil
}

// slots publishes an hourly weekday timetable for every clinician,
// starting tomorrow.
func (s *seeder) slots(ctx context.Context, allocator *slot.Allocator, clinicians []uuid.UUID) error {
	now := time.Now().In(s.loc)
	first := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, s.loc)

	total := 0
	for i, c := range clinicians {
		startHour := s.faker.Number(7, 10)
		var windows []slot.Window
		for d := 0; d < slotDays; d++ {
			day := first.AddDate(0, 0, d)
			if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
				continue
			}
			for h := startHour; h < startHour+8; h++ {
				windows = append(windows, slot.Window{
					Start:    day.Add(time.Duration(h) * time.Hour),
					Duration: sessionLength,
				})
			}
		}

		created, err := allocator.Publish(ctx, c, windows)
		if errors.Is(err, slot.ErrOverlap) {
			continue
		}
		if err != nil {
			return fmt.Errorf("publish for %s: %w", c, err)
		}
		total += len(created)

		if (i+1)%25 == 0 {
			s.log.Info().Int("clinicians", i+1).Int("slots", total).Msg("slots progress")
		}
	}

	s.log.Info().Int("count", total).Msg("slots seeded")
	return nil
}
