package reminder

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
)

type Kind string

const (
	KindDayBefore  Kind = "day_before"
	KindHourBefore Kind = "hour_before"
	KindImminent   Kind = "imminent"
	KindOffset     Kind = "offset"
)

// KindFor names the standard offsets; anything else is a plain offset reminder.
func KindFor(offset time.Duration) Kind {
	switch offset {
	case 24 * time.Hour:
		return KindDayBefore
	case time.Hour:
		return KindHourBefore
	case 15 * time.Minute:
		return KindImminent
	default:
		return KindOffset
	}
}

func (k Kind) Template() notify.TemplateKind {
	switch k {
	case KindDayBefore:
		return notify.KindReminderDayBefore
	case KindHourBefore:
		return notify.KindReminderHourBefore
	case KindImminent:
		return notify.KindReminderImminent
	default:
		return notify.KindReminder
	}
}

// Target is the scheduled appointment a set of reminders belongs to.
type Target struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	ClinicianID   uuid.UUID
	Start         time.Time
}

type Event struct {
	ID            uuid.UUID     `json:"id"`
	AppointmentID uuid.UUID     `json:"appointment_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	ClinicianID   uuid.UUID     `json:"clinician_id"`
	SessionStart  time.Time     `json:"session_start"`
	Kind          Kind          `json:"kind"`
	Offset        time.Duration `json:"offset"`
	FireAt        time.Time     `json:"fire_at"`
	Fired         bool          `json:"fired"`
	FiredAt       *time.Time    `json:"fired_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (e Event) Due(now time.Time) bool {
	return !e.Fired && !e.FireAt.After(now)
}
