package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinical-scheduling-engine/internal/app"
	"github.com/hackgods/clinical-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinical-scheduling-engine/internal/config"
	"github.com/hackgods/clinical-scheduling-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info", "worker")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "worker")
	logger.Info().
		Str("env", cfg.Env).
		Dur("sweep_interval", cfg.SweepInterval).
		Dur("lifecycle_interval", cfg.LifecycleInterval).
		Dur("registration_interval", cfg.RegistrationInterval).
		Dur("reminder_refresh", cfg.ReminderRefresh).
		Msg("worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing connections")
		}
	}()

	if cfg.MigrateOnStart {
		if err := a.Migrate(rootCtx); err != nil {
			logger.Error().Err(err).Msg("migration failed")
			return
		}
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		runSweeper(ctx, a.Appointments, cfg.SweepInterval, logging.Component(logger, "sweeper"))
		return nil
	})
	g.Go(func() error {
		a.Lifecycle.Run(ctx, cfg.LifecycleInterval)
		return nil
	})
	g.Go(func() error {
		a.Monitor.Run(ctx, cfg.RegistrationInterval)
		return nil
	})
	g.Go(func() error {
		a.Reminders.Run(ctx, cfg.ReminderRefresh)
		return nil
	})

	_ = g.Wait()
	logger.Info().Msg("worker stopped")
}

// runSweeper reaps lapsed holds once at startup and then on every tick.
func runSweeper(ctx context.Context, svc *appointment.Service, interval time.Duration, logger zerolog.Logger) {
	sweepOnce(ctx, svc, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			sweepOnce(ctx, svc, logger)
		}
	}
}

func sweepOnce(ctx context.Context, svc *appointment.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	res, expired, err := svc.Sweep(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("sweep failed")
		return
	}
	if expired > 0 || res.RetainedFreed > 0 {
		logger.Info().
			Int("expired_holds", len(res.ExpiredHolders)).
			Int("appointments_expired", expired).
			Int("retained_freed", res.RetainedFreed).
			Dur("took", time.Since(start)).
			Msg("sweep complete")
	}
}
