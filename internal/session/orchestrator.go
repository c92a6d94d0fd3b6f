package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
)

const CodeBindFailed = "session_bind_failed"

var (
	ErrSessionEnded = apperr.Conflict("session_ended", "session has already ended")
	ErrNoSession    = apperr.NotFound("session_not_found", "appointment has no session")
	ErrAccessDenied = apperr.Validation("access_denied", "credential does not grant access to this session")
	ErrNoCredential = apperr.Validation("credential_not_issued", "no credential was issued to this participant")
)

// Alerter raises failures that need an operator.
type Alerter interface {
	Alert(ctx context.Context, a notify.Alert)
}

type Config struct {
	CredentialTTL time.Duration
	BindAttempts  int
	BindBackoff   time.Duration
}

// Orchestrator owns the session of every remote appointment: one room per
// appointment, participant-scoped credentials and best-effort teardown.
type Orchestrator struct {
	store    Store
	provider Provider
	alerter  Alerter
	clock    clock.Clock
	cfg      Config
	group    singleflight.Group
	log      zerolog.Logger
}

func NewOrchestrator(store Store, provider Provider, alerter Alerter, clk clock.Clock, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = 1
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		alerter:  alerter,
		clock:    clk,
		cfg:      cfg,
		log:      logger.With().Str("component", "session_orchestrator").Logger(),
	}
}

// Bind returns the appointment's session, creating the external room on
// first use. Concurrent binds in this process share one attempt; binds in
// other processes are reconciled by the store, and the losing room is closed.
func (o *Orchestrator) Bind(ctx context.Context, appointmentID uuid.UUID) (*Session, error) {
	v, err, _ := o.group.Do(appointmentID.String(), func() (interface{}, error) {
		return o.bind(ctx, appointmentID)
	})
	if err != nil {
		return nil, err
	}
	s := *v.(*Session)
	return &s, nil
}

func (o *Orchestrator) bind(ctx context.Context, appointmentID uuid.UUID) (*Session, error) {
	existing, err := o.store.GetByAppointment(ctx, appointmentID)
	switch {
	case err == nil:
		if existing.Status == StatusEnded {
			return nil, ErrSessionEnded
		}
		return existing, nil
	case !errors.Is(err, ErrSessionNotFound):
		return nil, fmt.Errorf("load session: %w", err)
	}

	handle, err := o.createRoom(ctx, appointmentID)
	if err != nil {
		o.alerter.Alert(ctx, notify.Alert{
			Code:    CodeBindFailed,
			Message: "could not open a session room, appointment left scheduled",
			Fields: map[string]string{
				"appointment_id": appointmentID.String(),
				"attempts":       strconv.Itoa(o.cfg.BindAttempts),
				"error":          err.Error(),
			},
		})
		return nil, apperr.External(CodeBindFailed, err)
	}

	s, created, err := o.store.CreateIfAbsent(ctx, Session{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		RoomHandle:    handle,
		Status:        StatusNotStarted,
		CreatedAt:     o.clock.Now(),
	})
	if err != nil {
		o.closeRoom(ctx, handle)
		return nil, fmt.Errorf("store session: %w", err)
	}
	if !created {
		o.log.Info().
			Str("appointment_id", appointmentID.String()).
			Msg("session already bound elsewhere, closing duplicate room")
		o.closeRoom(ctx, handle)
		return s, nil
	}

	o.log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("session_id", s.ID.String()).
		Msg("session bound")
	return s, nil
}

// createRoom calls the provider up to BindAttempts times, doubling the
// backoff after each failure.
func (o *Orchestrator) createRoom(ctx context.Context, appointmentID uuid.UUID) (string, error) {
	var lastErr error
	delay := o.cfg.BindBackoff

	for attempt := 1; attempt <= o.cfg.BindAttempts; attempt++ {
		handle, err := o.provider.CreateRoom(ctx, appointmentID)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		o.log.Warn().
			Err(err).
			Str("appointment_id", appointmentID.String()).
			Int("attempt", attempt).
			Msg("create room failed")

		if attempt == o.cfg.BindAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return "", fmt.Errorf("create room after %d attempts: %w", o.cfg.BindAttempts, lastErr)
}

// Activate marks the session active once a participant is in.
func (o *Orchestrator) Activate(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	return o.store.Activate(ctx, sessionID, o.clock.Now())
}

// IssueAccess issues a credential valid for participantID only. Issuing again
// replaces the participant's previous credential.
func (o *Orchestrator) IssueAccess(ctx context.Context, sessionID, participantID uuid.UUID) (*Credential, error) {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	expires := now.Add(o.cfg.CredentialTTL)
	token, err := o.provider.IssueCredential(ctx, s.RoomHandle, participantID, expires)
	if err != nil {
		return nil, apperr.External("credential_issue_failed", err)
	}

	c := Credential{
		SessionID:     s.ID,
		ParticipantID: participantID,
		Token:         token,
		IssuedAt:      now,
		ExpiresAt:     expires,
	}
	if err := o.store.PutCredential(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// VerifyAccess checks that token is the live credential of participantID for
// this session.
func (o *Orchestrator) VerifyAccess(ctx context.Context, sessionID, participantID uuid.UUID, token string) error {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return err
	}

	c, err := o.store.GetCredential(ctx, sessionID, participantID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return ErrNoCredential
		}
		return err
	}
	if c.Token != token {
		return ErrAccessDenied
	}
	if err := o.provider.VerifyCredential(ctx, s.RoomHandle, participantID, token); err != nil {
		return ErrAccessDenied.With("cause", err.Error())
	}
	return nil
}

// Teardown ends the appointment's session and closes its room. Failures are
// logged; the room is left to expire on its own.
func (o *Orchestrator) Teardown(ctx context.Context, appointmentID uuid.UUID) {
	s, err := o.store.GetByAppointment(ctx, appointmentID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			o.log.Warn().Err(err).Str("appointment_id", appointmentID.String()).Msg("teardown: load session failed")
		}
		return
	}
	if s.Status == StatusEnded {
		return
	}

	if _, err := o.store.End(ctx, s.ID, o.clock.Now()); err != nil {
		o.log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("teardown: mark ended failed")
	}
	o.closeRoom(ctx, s.RoomHandle)
}

func (o *Orchestrator) ForAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error) {
	s, err := o.store.GetByAppointment(ctx, appointmentID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrNoSession
	}
	return s, err
}

func (o *Orchestrator) load(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	s, err := o.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	if s.Status == StatusEnded {
		return nil, ErrSessionEnded
	}
	return s, nil
}

func (o *Orchestrator) closeRoom(ctx context.Context, handle string) {
	if err := o.provider.CloseRoom(ctx, handle); err != nil {
		o.log.Warn().Err(err).Str("room", handle).Msg("close room failed")
	}
}
