// Package app wires the engine's components from configuration. The API
// server and the background worker build the same graph and differ only in
// which loops they run.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/config"
	"github.com/hackgods/clinical-scheduling-engine/internal/db"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
	"github.com/hackgods/clinical-scheduling-engine/internal/logging"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
	redisclient "github.com/hackgods/clinical-scheduling-engine/internal/redis"
	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
	"github.com/hackgods/clinical-scheduling-engine/internal/reminder"
	"github.com/hackgods/clinical-scheduling-engine/internal/session"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

const devSigningKey = "dev-only-video-signing-key"

type App struct {
	Config config.Config
	Logger zerolog.Logger

	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Locker lock.Locker

	Notifier     *notify.Dispatcher
	Slots        *slot.Allocator
	Checker      *compliance.Checker
	Sessions     *session.Orchestrator
	Reminders    *reminder.Scheduler
	Appointments *appointment.Service
	Lifecycle    *appointment.Driver
	Monitor      *registration.Monitor

	closers []func() error
}

// Build connects to Postgres and Redis and assembles every component.
// On error, whatever was opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a.Pool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns}, logger)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { a.Pool.Close(); return nil })

	a.Redis, err = redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.closers = append(a.closers, a.Redis.Close)
	a.Locker = redisclient.NewRedisLocker(a.Redis, cfg.LockTTL, cfg.LockWait)

	gateway, err := a.gateway()
	if err != nil {
		return nil, err
	}
	a.Notifier = notify.NewDispatcher(gateway, notify.NewPgPreferences(a.Pool), logger)

	if err := a.assemble(clock.Real()); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) gateway() (notify.Gateway, error) {
	if a.Config.AMQPURL == "" {
		a.Logger.Warn().Msg("AMQP_URL not set, notifications are only logged")
		return notify.NewLogGateway(a.Logger), nil
	}
	gw, err := notify.NewAMQPGateway(a.Config.AMQPURL, a.Config.AMQPExchange, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("amqp: %w", err)
	}
	a.closers = append(a.closers, gw.Close)
	return gw, nil
}

func (a *App) assemble(clk clock.Clock) error {
	cfg := a.Config
	logger := a.Logger

	repo := appointment.NewPgRepository(a.Pool)
	a.Slots = slot.NewAllocator(slot.NewPgStore(a.Pool), a.Locker, clk, cfg.HoldTTL, logging.Component(logger, "slots"))

	engine, err := compliance.NewEngine(cfg.QuotaMax, cfg.BillingItemPattern)
	if err != nil {
		return fmt.Errorf("compliance engine: %w", err)
	}
	catalog, err := compliance.NewCachedCatalog(compliance.NewPgCatalog(a.Pool), cfg.ServiceCacheSize)
	if err != nil {
		return fmt.Errorf("service catalog: %w", err)
	}
	registrations := registration.NewPgStore(a.Pool)
	a.Checker = compliance.NewChecker(
		engine,
		appointment.NewHistory(repo, cfg.QuotaCountLateCancellation),
		compliance.NewPgReferrals(a.Pool),
		registrations,
		catalog,
		cfg.Location,
	)

	signingKey := cfg.VideoSigningKey
	if signingKey == "" {
		logger.Warn().Msg("VIDEO_SIGNING_KEY not set, using the development key")
		signingKey = devSigningKey
	}
	provider, err := session.NewJWTProvider(signingKey, "clinical-scheduling-engine", clk)
	if err != nil {
		return fmt.Errorf("video provider: %w", err)
	}
	a.Sessions = session.NewOrchestrator(session.NewPgStore(a.Pool), provider, a.Notifier, clk, session.Config{
		CredentialTTL: cfg.CredentialTTL,
		BindAttempts:  cfg.BindAttempts,
		BindBackoff:   cfg.BindBackoff,
	}, logger)

	a.Reminders = reminder.NewScheduler(reminder.NewPgStore(a.Pool), a.Notifier, appointment.NewSchedules(repo), clk, cfg.ReminderOffsets, logger)

	a.Appointments = appointment.NewService(appointment.Deps{
		Repo:      repo,
		Slots:     a.Slots,
		Checker:   a.Checker,
		Sessions:  a.Sessions,
		Reminders: a.Reminders,
		Notifier:  a.Notifier,
		Locker:    a.Locker,
		Clock:     clk,
	}, Policy(cfg), logger)
	a.Lifecycle = appointment.NewDriver(a.Appointments, logger)

	a.Monitor = registration.NewMonitor(
		registrations,
		registration.NewPgFeed(a.Pool),
		a.Locker,
		a.Appointments,
		a.Notifier,
		clk,
		registration.MonitorConfig{Location: cfg.Location, WarningWindow: cfg.WarningWindow()},
		logger,
	)
	return nil
}

// Policy projects the appointment rules out of the configuration.
func Policy(cfg config.Config) appointment.Policy {
	return appointment.Policy{
		CancelNotice:          cfg.CancelNotice,
		RescheduleNotice:      cfg.RescheduleNotice,
		BookingGrace:          cfg.BookingGrace,
		AllowLateCancellation: cfg.AllowLateCancellation,
		JoinEarly:             cfg.SessionJoinEarly,
	}
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	n, err := db.NewMigrator(a.Pool, db.Migrations(), a.Logger).Up(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("applied", n).Msg("schema up to date")
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
