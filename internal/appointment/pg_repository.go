package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, clinician_id, service_id, slot_id, start_time, duration_seconds, medium, status,
	cancel_deadline, reschedule_deadline, cancel_reason, late_cancellation, cancelled_at,
	session_id, started_at, ended_at, patient_joined_at, clinician_joined_at, patient_left_at, clinician_left_at,
	bind_failed_at, version, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a       Appointment
		seconds int64
		reason  *string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ClinicianID,
		&a.ServiceID,
		&a.SlotID,
		&a.Start,
		&seconds,
		&a.Medium,
		&a.Status,
		&a.CancelDeadline,
		&a.RescheduleDeadline,
		&reason,
		&a.LateCancellation,
		&a.CancelledAt,
		&a.SessionID,
		&a.StartedAt,
		&a.EndedAt,
		&a.PatientJoinedAt,
		&a.ClinicianJoinedAt,
		&a.PatientLeftAt,
		&a.ClinicianLeftAt,
		&a.BindFailedAt,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Duration = time.Duration(seconds) * time.Second
	if reason != nil {
		a.CancelReason = *reason
	}
	return &a, nil
}

func collect(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, clinician_id, service_id, slot_id, start_time, duration_seconds,
			medium, status, cancel_deadline, reschedule_deadline, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $12)
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.ClinicianID, a.ServiceID, a.SlotID, a.Start, int64(a.Duration/time.Second),
		a.Medium, a.Status, a.CancelDeadline, a.RescheduleDeadline, a.CreatedAt)

	return scanAppointment(row)
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) Update(ctx context.Context, a Appointment, from Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $4,
		    start_time = $5,
		    duration_seconds = $6,
		    status = $7,
		    cancel_deadline = $8,
		    reschedule_deadline = $9,
		    cancel_reason = $10,
		    late_cancellation = $11,
		    cancelled_at = $12,
		    session_id = $13,
		    started_at = $14,
		    ended_at = $15,
		    patient_joined_at = $16,
		    clinician_joined_at = $17,
		    patient_left_at = $18,
		    clinician_left_at = $19,
		    bind_failed_at = $20,
		    version = version + 1,
		    updated_at = $21
		WHERE id = $1
		  AND status = $2
		  AND version = $3
		RETURNING `+appointmentColumns,
		a.ID, from, a.Version,
		a.SlotID, a.Start, int64(a.Duration/time.Second), a.Status,
		a.CancelDeadline, a.RescheduleDeadline, nullableString(a.CancelReason), a.LateCancellation, a.CancelledAt,
		a.SessionID, a.StartedAt, a.EndedAt,
		a.PatientJoinedAt, a.ClinicianJoinedAt, a.PatientLeftAt, a.ClinicianLeftAt,
		a.BindFailedAt, a.UpdatedAt)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, getErr := r.Get(ctx, a.ID); getErr == nil {
			return nil, ErrStaleAppointment
		}
	}
	return updated, err
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collect(rows)
}

func (r *PgRepository) ListOpen(ctx context.Context, t time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'in_progress')
		  AND start_time < $1
		ORDER BY start_time
	`, t)
	if err != nil {
		return nil, fmt.Errorf("list open appointments: %w", err)
	}
	return collect(rows)
}

func (r *PgRepository) ListInProgress(ctx context.Context, clinicianID uuid.UUID) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinician_id = $1 AND status = 'in_progress'
		ORDER BY start_time
	`, clinicianID)
	if err != nil {
		return nil, fmt.Errorf("list in-progress appointments: %w", err)
	}
	return collect(rows)
}

func (r *PgRepository) CountCommitted(ctx context.Context, patientID uuid.UUID, serviceID string, from, to time.Time, countLate bool) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE patient_id = $1
		  AND service_id = $2
		  AND start_time >= $3
		  AND start_time < $4
		  AND (status IN ('scheduled', 'in_progress', 'completed')
		       OR ($5 AND status = 'cancelled' AND late_cancellation))
	`, patientID, serviceID, from, to, countLate).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count committed appointments: %w", err)
	}
	return n, nil
}

func (r *PgRepository) CancelClinicianFuture(ctx context.Context, clinicianID uuid.UUID, now time.Time, reason string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancel_reason = $3,
		    cancelled_at = $2,
		    version = version + 1,
		    updated_at = $2
		WHERE clinician_id = $1
		  AND status IN ('pending', 'scheduled')
		  AND start_time + make_interval(secs => duration_seconds) > $2
		RETURNING `+appointmentColumns,
		clinicianID, now, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel clinician appointments: %w", err)
	}
	return collect(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at
		FROM event_logs
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list event logs: %w", err)
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var ev EventLog
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
