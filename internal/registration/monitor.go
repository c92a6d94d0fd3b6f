package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
)

// ReasonClinicianSuspended is attached to every appointment cancelled by the
// suspension cascade.
const ReasonClinicianSuspended = "clinician_suspended"

var (
	ErrUnknownRegistration = apperr.NotFound("registration_not_found", "clinician has no registration on file")
	ErrExpiryInPast        = apperr.Validation("expiry_in_past", "new expiry date must not be before today")
	ErrCascadeIncomplete   = apperr.Consistency("cascade_incomplete", "suspension cascade did not complete")
)

// Canceller cancels a suspended clinician's future appointments and frees
// their slots. It must apply all of them or none, and be safe to repeat.
type Canceller interface {
	CancelClinicianFuture(ctx context.Context, clinicianID uuid.UUID, reason string) (int, error)
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Report summarises one monitor pass.
type Report struct {
	Scanned   int
	Warned    int
	Suspended int
	Cancelled int
	Failed    []uuid.UUID
}

type Monitor struct {
	store     Store
	feed      Feed
	locker    lock.Locker
	canceller Canceller
	notifier  Notifier
	clock     clock.Clock
	loc       *time.Location
	warning   time.Duration
	log       zerolog.Logger
}

type MonitorConfig struct {
	Location      *time.Location
	WarningWindow time.Duration
}

func NewMonitor(store Store, feed Feed, locker lock.Locker, canceller Canceller, notifier Notifier, clk clock.Clock, cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Monitor{
		store:     store,
		feed:      feed,
		locker:    locker,
		canceller: canceller,
		notifier:  notifier,
		clock:     clk,
		loc:       loc,
		warning:   cfg.WarningWindow,
		log:       logger.With().Str("component", "registration_monitor").Logger(),
	}
}

// Run scans once immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("registration monitor stopped")
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	start := time.Now()
	rep, err := m.RunOnce(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("registration scan failed")
		return
	}
	m.log.Info().
		Int("scanned", rep.Scanned).
		Int("warned", rep.Warned).
		Int("suspended", rep.Suspended).
		Int("cancelled", rep.Cancelled).
		Int("failed", len(rep.Failed)).
		Dur("took", time.Since(start)).
		Msg("registration scan complete")
}

// RunOnce reconciles the feed, advances every registration that is due and
// completes the cancellation cascade for every suspended clinician. A
// clinician whose cascade fails is reported and picked up again next pass.
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	m.reconcile(ctx)

	regs, err := m.store.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list registrations: %w", err)
	}

	today := clock.Today(m.clock.Now(), m.loc)

	for _, r := range regs {
		rep.Scanned++

		status, err := m.evaluate(ctx, r.ClinicianID, today)
		if err != nil {
			m.log.Warn().Err(err).Str("clinician_id", r.ClinicianID.String()).Msg("registration transition failed")
			rep.Failed = append(rep.Failed, r.ClinicianID)
			continue
		}

		switch status.to {
		case StatusWarned:
			rep.Warned++
			m.notifyClinician(ctx, r.ClinicianID, notify.KindRegistrationExpiring, status.expiry)
		case StatusSuspended:
			rep.Suspended++
			m.notifyClinician(ctx, r.ClinicianID, notify.KindRegistrationSuspended, status.expiry)
		}

		if status.current != StatusSuspended {
			continue
		}

		n, err := m.canceller.CancelClinicianFuture(ctx, r.ClinicianID, ReasonClinicianSuspended)
		if err != nil {
			m.log.Error().
				Err(err).
				Str("code", ErrCascadeIncomplete.Code).
				Str("clinician_id", r.ClinicianID.String()).
				Msg("suspension cascade failed, will retry next pass")
			rep.Failed = append(rep.Failed, r.ClinicianID)
			continue
		}
		if n > 0 {
			m.log.Info().
				Str("clinician_id", r.ClinicianID.String()).
				Int("cancelled", n).
				Msg("suspension cascade applied")
		}
		rep.Cancelled += n
	}

	return rep, nil
}

type transition struct {
	current Status // status after evaluation
	to      Status // set only when this pass changed the status
	expiry  time.Time
}

// evaluate applies at most one transition under the clinician lock, reading
// the registration fresh so concurrent reinstatement is never overwritten.
func (m *Monitor) evaluate(ctx context.Context, clinicianID uuid.UUID, today time.Time) (transition, error) {
	var t transition

	err := m.locker.WithLock(ctx, lock.ClinicianKey(clinicianID), func(lockCtx context.Context) error {
		r, err := m.store.Get(lockCtx, clinicianID)
		if err != nil {
			return err
		}
		t.current = r.Status
		t.expiry = r.ExpiryDate

		target := m.target(*r, today)
		if target == "" || !CanAdvance(r.Status, target) {
			return nil
		}

		updated, err := m.store.Advance(lockCtx, clinicianID, r.Status, target, m.clock.Now())
		if err != nil {
			return fmt.Errorf("advance %s -> %s: %w", r.Status, target, err)
		}
		t.current = updated.Status
		t.to = target
		return nil
	})
	return t, err
}

// target is the status a registration should hold today, or "" when no
// forward move is due.
func (m *Monitor) target(r Registration, today time.Time) Status {
	expiry := m.dateOf(r.ExpiryDate)
	switch {
	case expiry.Before(today):
		return StatusSuspended
	case expiry.Sub(today) <= m.warning && r.Status == StatusActive:
		return StatusWarned
	}
	return ""
}

// dateOf reads the calendar date of a stored expiry in the monitor's zone.
func (m *Monitor) dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, m.loc)
}

func (m *Monitor) reconcile(ctx context.Context) {
	if m.feed == nil {
		return
	}
	entries, err := m.feed.Fetch(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("registration feed unavailable, using stored expiry dates")
		return
	}
	for _, e := range entries {
		if err := m.store.UpsertExpiry(ctx, e.ClinicianID, e.ExpiryDate); err != nil {
			m.log.Warn().Err(err).Str("clinician_id", e.ClinicianID.String()).Msg("failed to apply feed entry")
		}
	}
}

func (m *Monitor) notifyClinician(ctx context.Context, clinicianID uuid.UUID, kind notify.TemplateKind, expiry time.Time) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, notify.Message{
		Recipient: clinicianID.String(),
		Kind:      kind,
		Context: map[string]string{
			"clinician_id": clinicianID.String(),
			"expiry_date":  expiry.Format(time.DateOnly),
		},
	})
}

// Reinstate resets a clinician to active with a new expiry date. Appointments
// cancelled by an earlier suspension stay cancelled.
func (m *Monitor) Reinstate(ctx context.Context, clinicianID uuid.UUID, expiry time.Time) (*Registration, error) {
	today := clock.Today(m.clock.Now(), m.loc)
	if m.dateOf(expiry).Before(today) {
		return nil, ErrExpiryInPast.With("expiry_date", expiry.Format(time.DateOnly))
	}

	var out *Registration
	err := m.locker.WithLock(ctx, lock.ClinicianKey(clinicianID), func(lockCtx context.Context) error {
		r, err := m.store.Reinstate(lockCtx, clinicianID, expiry, m.clock.Now())
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRegistrationNotFound) {
			return nil, ErrUnknownRegistration
		}
		return nil, err
	}

	m.log.Info().
		Str("clinician_id", clinicianID.String()).
		Str("expiry_date", expiry.Format(time.DateOnly)).
		Msg("registration reinstated")
	return out, nil
}

func (m *Monitor) Get(ctx context.Context, clinicianID uuid.UUID) (*Registration, error) {
	r, err := m.store.Get(ctx, clinicianID)
	if errors.Is(err, ErrRegistrationNotFound) {
		return nil, ErrUnknownRegistration
	}
	return r, err
}
