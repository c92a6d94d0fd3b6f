package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const slotColumns = `id, clinician_id, start_time, duration_seconds, status, holder_id,
	hold_expires_at, retained_until, version, created_at, updated_at`

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	var seconds int64
	var holder *uuid.UUID

	err := row.Scan(
		&s.ID,
		&s.ClinicianID,
		&s.Start,
		&seconds,
		&s.Status,
		&holder,
		&s.HoldExpiresAt,
		&s.RetainedUntil,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.Duration = time.Duration(seconds) * time.Second
	if holder != nil {
		s.HolderID = *holder
	}
	return &s, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (r *PgStore) Insert(ctx context.Context, slots []TimeSlot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert slots: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, s := range slots {
		_, err := tx.Exec(ctx, `
			INSERT INTO slots (id, clinician_id, start_time, duration_seconds, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, now(), now())
		`, s.ID, s.ClinicianID, s.Start, int64(s.Duration/time.Second), s.Status)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrSlotExists
			}
			return fmt.Errorf("insert slot %s: %w", s.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PgStore) Get(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgStore) Update(ctx context.Context, s TimeSlot) (*TimeSlot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = $3,
		    holder_id = $4,
		    hold_expires_at = $5,
		    retained_until = $6,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		RETURNING `+slotColumns,
		s.ID, s.Version, s.Status, nullableUUID(s.HolderID), s.HoldExpiresAt, s.RetainedUntil)

	updated, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		if _, getErr := r.Get(ctx, s.ID); getErr == nil {
			return nil, ErrStaleSlot
		}
		return nil, ErrSlotNotFound
	}
	return updated, err
}

func (r *PgStore) ListByClinician(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return r.list(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE clinician_id = $1
		  AND start_time + make_interval(secs => duration_seconds) > $2
		  AND start_time < $3
		ORDER BY start_time
	`, clinicianID, from, to)
}

func (r *PgStore) ListReapable(ctx context.Context, now time.Time) ([]TimeSlot, error) {
	return r.list(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE (status = 'held' AND hold_expires_at <= $1)
		   OR (status = 'booked' AND retained_until IS NOT NULL AND retained_until <= $1)
		ORDER BY start_time
	`, now)
}

func (r *PgStore) list(ctx context.Context, query string, args ...any) ([]TimeSlot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
