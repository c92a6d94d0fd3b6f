package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type Medium string

const (
	MediumInPerson Medium = "in_person"
	MediumRemote   Medium = "remote"
)

func (m Medium) Valid() bool {
	return m == MediumInPerson || m == MediumRemote
}

// Cancellation reasons recorded on the appointment.
const (
	ReasonPatientRequest     = "patient_request"
	ReasonHoldExpired        = "hold_expired"
	ReasonClinicianSuspended = "clinician_suspended"
)

type Appointment struct {
	ID          uuid.UUID     `json:"id"`
	PatientID   uuid.UUID     `json:"patient_id"`
	ClinicianID uuid.UUID     `json:"clinician_id"`
	ServiceID   string        `json:"service_id"`
	SlotID      uuid.UUID     `json:"slot_id"`
	Start       time.Time     `json:"start"`
	Duration    time.Duration `json:"duration"`
	Medium      Medium        `json:"medium"`
	Status      Status        `json:"status"`

	CancelDeadline     time.Time `json:"cancel_deadline"`
	RescheduleDeadline time.Time `json:"reschedule_deadline"`

	CancelReason     string     `json:"cancel_reason,omitempty"`
	LateCancellation bool       `json:"late_cancellation"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`

	SessionID         *uuid.UUID `json:"session_id,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	PatientJoinedAt   *time.Time `json:"patient_joined_at,omitempty"`
	ClinicianJoinedAt *time.Time `json:"clinician_joined_at,omitempty"`
	PatientLeftAt     *time.Time `json:"patient_left_at,omitempty"`
	ClinicianLeftAt   *time.Time `json:"clinician_left_at,omitempty"`

	// BindFailedAt is set when automatic session binding gave up. The
	// lifecycle driver stops starting the appointment on its own after that.
	BindFailedAt *time.Time `json:"bind_failed_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a Appointment) Window() slot.Window {
	return slot.Window{Start: a.Start, Duration: a.Duration}
}

func (a Appointment) End() time.Time {
	return a.Start.Add(a.Duration)
}

func (a Appointment) anyJoined() bool {
	return a.PatientJoinedAt != nil || a.ClinicianJoinedAt != nil
}

func (a Appointment) bothLeft() bool {
	return a.PatientJoinedAt != nil && a.ClinicianJoinedAt != nil &&
		a.PatientLeftAt != nil && a.ClinicianLeftAt != nil
}

// Eligibility is derived from the stored deadlines on every read.
type Eligibility struct {
	CanReschedule    bool `json:"can_reschedule"`
	CanCancel        bool `json:"can_cancel"`
	FreeCancellation bool `json:"free_cancellation"`
}

// deadline is start - notice, but never earlier than the booking grace
// window (capped at start).
func deadline(start, bookedAt time.Time, notice, grace time.Duration) time.Time {
	byNotice := start.Add(-notice)
	byGrace := bookedAt.Add(grace)
	if byGrace.After(start) {
		byGrace = start
	}
	if byGrace.After(byNotice) {
		return byGrace
	}
	return byNotice
}

type EventLog struct {
	ID            int64           `json:"id"`
	EventType     string          `json:"event_type"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentScheduled   = "APPOINTMENT_SCHEDULED"
	EventAppointmentRejected    = "APPOINTMENT_REJECTED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentStarted     = "APPOINTMENT_STARTED"
	EventParticipantJoined      = "PARTICIPANT_JOINED"
	EventParticipantLeft        = "PARTICIPANT_LEFT"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventSessionBindFailed      = "SESSION_BIND_FAILED"
)
