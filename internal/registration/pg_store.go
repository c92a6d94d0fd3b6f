package registration

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

const registrationColumns = `clinician_id, expiry_date, status, warned_at, suspended_at, updated_at`

func scanRegistration(row pgx.Row) (*Registration, error) {
	var r Registration
	err := row.Scan(
		&r.ClinicianID,
		&r.ExpiryDate,
		&r.Status,
		&r.WarnedAt,
		&r.SuspendedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRegistrationNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PgStore) Get(ctx context.Context, clinicianID uuid.UUID) (*Registration, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+registrationColumns+` FROM clinician_registrations WHERE clinician_id = $1`, clinicianID)
	return scanRegistration(row)
}

func (s *PgStore) List(ctx context.Context) ([]Registration, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+registrationColumns+` FROM clinician_registrations ORDER BY expiry_date`)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var result []Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (s *PgStore) UpsertExpiry(ctx context.Context, clinicianID uuid.UUID, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clinician_registrations (clinician_id, expiry_date, status, updated_at)
		VALUES ($1, $2, 'active', now())
		ON CONFLICT (clinician_id) DO UPDATE
		SET expiry_date = EXCLUDED.expiry_date,
		    updated_at = now()
		WHERE clinician_registrations.expiry_date IS DISTINCT FROM EXCLUDED.expiry_date
	`, clinicianID, expiry)
	if err != nil {
		return fmt.Errorf("upsert registration %s: %w", clinicianID, err)
	}
	return nil
}

func (s *PgStore) Advance(ctx context.Context, clinicianID uuid.UUID, from, to Status, at time.Time) (*Registration, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE clinician_registrations
		SET status = $3,
		    warned_at = CASE WHEN $3 = 'warned' THEN $4 ELSE warned_at END,
		    suspended_at = CASE WHEN $3 = 'suspended' THEN $4 ELSE suspended_at END,
		    updated_at = $4
		WHERE clinician_id = $1
		  AND status = $2
		RETURNING `+registrationColumns,
		clinicianID, from, to, at)

	r, err := scanRegistration(row)
	if errors.Is(err, ErrRegistrationNotFound) {
		if _, getErr := s.Get(ctx, clinicianID); getErr == nil {
			return nil, ErrStaleRegistration
		}
	}
	return r, err
}

func (s *PgStore) Reinstate(ctx context.Context, clinicianID uuid.UUID, expiry, at time.Time) (*Registration, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE clinician_registrations
		SET status = 'active',
		    expiry_date = $2,
		    warned_at = NULL,
		    suspended_at = NULL,
		    updated_at = $3
		WHERE clinician_id = $1
		RETURNING `+registrationColumns,
		clinicianID, expiry, at)
	return scanRegistration(row)
}

func (s *PgStore) ClinicianStatus(ctx context.Context, clinicianID uuid.UUID) (Status, error) {
	var status Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM clinician_registrations WHERE clinician_id = $1`, clinicianID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRegistrationNotFound
		}
		return "", err
	}
	return status, nil
}
