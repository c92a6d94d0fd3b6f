package slot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound = errors.New("slot not found")
	ErrSlotExists   = errors.New("slot already exists")
	ErrStaleSlot    = errors.New("slot was modified concurrently")
)

// Store persists time slots. Update is a compare-and-swap on Version and
// bumps it on success.
type Store interface {
	Insert(ctx context.Context, slots []TimeSlot) error
	Get(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	Update(ctx context.Context, s TimeSlot) (*TimeSlot, error)
	ListByClinician(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]TimeSlot, error)

	// Sweeper: held slots whose hold lapsed and retained slots past their end.
	ListReapable(ctx context.Context, now time.Time) ([]TimeSlot, error)
}
