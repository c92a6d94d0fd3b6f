package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const sessionColumns = `id, appointment_id, room_handle, status, created_at, activated_at, ended_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID,
		&s.AppointmentID,
		&s.RoomHandle,
		&s.Status,
		&s.CreatedAt,
		&s.ActivatedAt,
		&s.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PgStore) CreateIfAbsent(ctx context.Context, s Session) (*Session, bool, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, appointment_id, room_handle, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (appointment_id) DO NOTHING
		RETURNING `+sessionColumns,
		s.ID, s.AppointmentID, s.RoomHandle, s.Status, s.CreatedAt)

	created, err := scanSession(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	existing, err := p.GetByAppointment(ctx, s.AppointmentID)
	if err != nil {
		return nil, false, fmt.Errorf("load existing session: %w", err)
	}
	return existing, false, nil
}

func (p *PgStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (p *PgStore) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error) {
	return scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE appointment_id = $1`, appointmentID))
}

func (p *PgStore) Activate(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	_, err := p.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'active', activated_at = $2
		WHERE id = $1 AND status = 'not_started'
	`, id, at)
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	return p.Get(ctx, id)
}

func (p *PgStore) End(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	_, err := p.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status <> 'ended'
	`, id, at)
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	return p.Get(ctx, id)
}

func (p *PgStore) PutCredential(ctx context.Context, c Credential) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO session_credentials (session_id, participant_id, token, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, participant_id) DO UPDATE
		SET token = EXCLUDED.token,
		    issued_at = EXCLUDED.issued_at,
		    expires_at = EXCLUDED.expires_at
	`, c.SessionID, c.ParticipantID, c.Token, c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (p *PgStore) GetCredential(ctx context.Context, sessionID, participantID uuid.UUID) (*Credential, error) {
	var c Credential
	err := p.pool.QueryRow(ctx, `
		SELECT session_id, participant_id, token, issued_at, expires_at
		FROM session_credentials
		WHERE session_id = $1 AND participant_id = $2
	`, sessionID, participantID).Scan(&c.SessionID, &c.ParticipantID, &c.Token, &c.IssuedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &c, nil
}
