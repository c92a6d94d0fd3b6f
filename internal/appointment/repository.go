package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrStaleAppointment    = errors.New("appointment changed concurrently")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	Create(ctx context.Context, a Appointment) (*Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Update persists a if the stored row still has status from and a's
	// version. The returned appointment carries the bumped version.
	Update(ctx context.Context, a Appointment, from Status) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// ListOpen returns scheduled and in_progress appointments starting before t.
	ListOpen(ctx context.Context, t time.Time) ([]Appointment, error)

	ListInProgress(ctx context.Context, clinicianID uuid.UUID) ([]Appointment, error)

	// CountCommitted counts the patient's scheduled, in_progress and completed
	// appointments for the service starting in [from, to). Late cancellations
	// are included when countLate is set.
	CountCommitted(ctx context.Context, patientID uuid.UUID, serviceID string, from, to time.Time, countLate bool) (int, error)

	// CancelClinicianFuture cancels, in one step, every pending or scheduled
	// appointment of the clinician whose window has not ended at now.
	CancelClinicianFuture(ctx context.Context, clinicianID uuid.UUID, now time.Time, reason string) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
	ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error)
}
