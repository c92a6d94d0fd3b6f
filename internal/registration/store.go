package registration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrStaleRegistration    = errors.New("registration status changed concurrently")
)

type Store interface {
	Get(ctx context.Context, clinicianID uuid.UUID) (*Registration, error)
	List(ctx context.Context) ([]Registration, error)

	// UpsertExpiry records the expiry date from the feed. New clinicians start active.
	UpsertExpiry(ctx context.Context, clinicianID uuid.UUID, expiry time.Time) error

	// Advance moves status from -> to, failing with ErrStaleRegistration if the
	// stored status is no longer from.
	Advance(ctx context.Context, clinicianID uuid.UUID, from, to Status, at time.Time) (*Registration, error)

	// Reinstate resets to active with a new expiry and clears the markers.
	Reinstate(ctx context.Context, clinicianID uuid.UUID, expiry, at time.Time) (*Registration, error)

	ClinicianStatus(ctx context.Context, clinicianID uuid.UUID) (Status, error)
}
