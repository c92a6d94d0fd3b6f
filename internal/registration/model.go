package registration

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusWarned    Status = "warned"
	StatusSuspended Status = "suspended"
)

// Registration tracks a clinician's professional registration. Status only
// moves forward (active -> warned -> suspended) except through Reinstate.
type Registration struct {
	ClinicianID uuid.UUID
	ExpiryDate  time.Time // midnight of the expiry day
	Status      Status
	WarnedAt    *time.Time
	SuspendedAt *time.Time
	UpdatedAt   time.Time
}

// FeedEntry is one row from the upstream registration feed.
type FeedEntry struct {
	ClinicianID uuid.UUID `json:"clinician_id"`
	ExpiryDate  time.Time `json:"expiry_date"`
}

func rank(s Status) int {
	switch s {
	case StatusWarned:
		return 1
	case StatusSuspended:
		return 2
	default:
		return 0
	}
}

// CanAdvance reports whether from -> to is a forward transition.
func CanAdvance(from, to Status) bool {
	return rank(to) > rank(from)
}
