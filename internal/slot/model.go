package slot

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusFree   Status = "free"
	StatusHeld   Status = "held"
	StatusBooked Status = "booked"
)

// Window is a bookable interval for one clinician.
type Window struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
}

func (w Window) End() time.Time {
	return w.Start.Add(w.Duration)
}

func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End()) && o.Start.Before(w.End())
}

type TimeSlot struct {
	ID            uuid.UUID
	ClinicianID   uuid.UUID
	Start         time.Time
	Duration      time.Duration
	Status        Status
	HolderID      uuid.UUID // appointment holding or owning the slot, uuid.Nil when free
	HoldExpiresAt *time.Time
	RetainedUntil *time.Time // set when a late cancellation keeps the slot booked
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s TimeSlot) Window() Window {
	return Window{Start: s.Start, Duration: s.Duration}
}

func (s TimeSlot) End() time.Time {
	return s.Start.Add(s.Duration)
}

// HoldExpired reports whether s is held and its hold lapsed at now.
func (s TimeSlot) HoldExpired(now time.Time) bool {
	return s.Status == StatusHeld && s.HoldExpiresAt != nil && !now.Before(*s.HoldExpiresAt)
}

func (s *TimeSlot) free() {
	s.Status = StatusFree
	s.HolderID = uuid.Nil
	s.HoldExpiresAt = nil
	s.RetainedUntil = nil
}

var slotNamespace = uuid.MustParse("6f1c2a44-0d7e-4b6e-9d55-3c1f0b8e2a71")

// SlotID derives the identity of the slot a clinician offers at start, so
// every process resolves the same window to the same lock key.
func SlotID(clinicianID uuid.UUID, start time.Time) uuid.UUID {
	key := clinicianID.String() + "|" + start.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(slotNamespace, []byte(key))
}
