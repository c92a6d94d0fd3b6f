package reminder

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

const eventColumns = `id, appointment_id, patient_id, clinician_id, session_start, kind, offset_seconds, fire_at, fired, fired_at, created_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e       Event
		seconds int64
	)
	err := row.Scan(
		&e.ID,
		&e.AppointmentID,
		&e.PatientID,
		&e.ClinicianID,
		&e.SessionStart,
		&e.Kind,
		&seconds,
		&e.FireAt,
		&e.Fired,
		&e.FiredAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Offset = time.Duration(seconds) * time.Second
	return &e, nil
}

func (p *PgStore) Add(ctx context.Context, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO reminder_events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (appointment_id, session_start, offset_seconds) DO NOTHING
			RETURNING id
		`, e.ID, e.AppointmentID, e.PatientID, e.ClinicianID, e.SessionStart, e.Kind,
			int64(e.Offset/time.Second), e.FireAt, e.Fired, e.FiredAt, e.CreatedAt)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	var added []Event
	for _, e := range events {
		var id uuid.UUID
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert reminder events: %w", err)
		}
		added = append(added, e)
	}
	return added, nil
}

func (p *PgStore) Drop(ctx context.Context, id uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM reminder_events WHERE id = $1 AND NOT fired`, id); err != nil {
		return fmt.Errorf("drop reminder %s: %w", id, err)
	}
	return nil
}

func (p *PgStore) Invalidate(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM reminder_events WHERE appointment_id = $1 AND NOT fired`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("invalidate reminders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PgStore) ListUnfired(ctx context.Context) ([]Event, error) {
	return p.list(ctx, `SELECT `+eventColumns+` FROM reminder_events WHERE NOT fired ORDER BY fire_at`)
}

func (p *PgStore) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Event, error) {
	return p.list(ctx, `SELECT `+eventColumns+` FROM reminder_events WHERE appointment_id = $1 ORDER BY fire_at`, appointmentID)
}

func (p *PgStore) MarkFired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reminder_events
		SET fired = true, fired_at = $2
		WHERE id = $1 AND NOT fired
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("claim reminder %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PgStore) list(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
