package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Store interface {
	// Add stores events, skipping any whose (appointment, session start,
	// offset) is already stored, and returns the ones it added.
	Add(ctx context.Context, events []Event) ([]Event, error)
	// Invalidate deletes the appointment's unfired events. Fired ones are kept
	// as a record of what was sent.
	Invalidate(ctx context.Context, appointmentID uuid.UUID) (int, error)
	// Drop deletes one unfired event.
	Drop(ctx context.Context, id uuid.UUID) error
	ListUnfired(ctx context.Context) ([]Event, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Event, error)
	// MarkFired claims the event. It returns false when the event was already
	// fired or no longer exists, so exactly one caller wins.
	MarkFired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}
