package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

type WindowRequest struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (w WindowRequest) window() slot.Window {
	return slot.Window{Start: w.Start, Duration: time.Duration(w.DurationMinutes) * time.Minute}
}

type BookAppointmentRequest struct {
	PatientID   string        `json:"patient_id"`
	ClinicianID string        `json:"clinician_id"`
	ServiceID   string        `json:"service_id"`
	Window      WindowRequest `json:"window"`
	Medium      string        `json:"medium"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Window WindowRequest `json:"window"`
}

type ParticipantRequest struct {
	ParticipantID string `json:"participant_id"`
}

type VerifyAccessRequest struct {
	ParticipantID string `json:"participant_id"`
	Token         string `json:"token"`
}

type ComplianceCheckRequest struct {
	PatientID   string    `json:"patient_id"`
	ClinicianID string    `json:"clinician_id"`
	ServiceID   string    `json:"service_id"`
	At          time.Time `json:"at"`
}

type PublishSlotsRequest struct {
	Windows []WindowRequest `json:"windows"`
}

type ReinstateRequest struct {
	ExpiryDate string `json:"expiry_date"` // YYYY-MM-DD
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"appointment_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	ClinicianID        uuid.UUID  `json:"clinician_id"`
	ServiceID          string     `json:"service_id"`
	SlotID             uuid.UUID  `json:"slot_id"`
	Start              time.Time  `json:"start"`
	End                time.Time  `json:"end"`
	Medium             string     `json:"medium"`
	State              string     `json:"state"`
	CancelDeadline     time.Time  `json:"cancel_deadline"`
	RescheduleDeadline time.Time  `json:"reschedule_deadline"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
	LateCancellation   bool       `json:"late_cancellation,omitempty"`
	SessionID          *uuid.UUID `json:"session_id,omitempty"`
	CanReschedule      bool       `json:"can_reschedule"`
	CanCancel          bool       `json:"can_cancel"`
	FreeCancellation   bool       `json:"free_cancellation"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment, e appointment.Eligibility) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		ClinicianID:        a.ClinicianID,
		ServiceID:          a.ServiceID,
		SlotID:             a.SlotID,
		Start:              a.Start,
		End:                a.End(),
		Medium:             string(a.Medium),
		State:              string(a.Status),
		CancelDeadline:     a.CancelDeadline,
		RescheduleDeadline: a.RescheduleDeadline,
		CancelReason:       a.CancelReason,
		LateCancellation:   a.LateCancellation,
		SessionID:          a.SessionID,
		CanReschedule:      e.CanReschedule,
		CanCancel:          e.CanCancel,
		FreeCancellation:   e.FreeCancellation,
		Version:            a.Version,
		CreatedAt:          a.CreatedAt,
	}
}

type SlotResponse struct {
	ID            uuid.UUID  `json:"slot_id"`
	ClinicianID   uuid.UUID  `json:"clinician_id"`
	Start         time.Time  `json:"start"`
	End           time.Time  `json:"end"`
	Status        string     `json:"status"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
}

func toSlotResponse(s slot.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:            s.ID,
		ClinicianID:   s.ClinicianID,
		Start:         s.Start,
		End:           s.End(),
		Status:        string(s.Status),
		HoldExpiresAt: s.HoldExpiresAt,
	}
}

type ComplianceCheckResponse struct {
	Accepted bool                `json:"accepted"`
	Reasons  []compliance.Reason `json:"reasons"`
	Year     int                 `json:"year"`
	Usage    int                 `json:"usage"`
	Quota    int                 `json:"quota"`
}

type RegistrationResponse struct {
	ClinicianID uuid.UUID  `json:"clinician_id"`
	ExpiryDate  string     `json:"expiry_date"`
	Status      string     `json:"status"`
	WarnedAt    *time.Time `json:"warned_at,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
}

func toRegistrationResponse(r *registration.Registration) RegistrationResponse {
	return RegistrationResponse{
		ClinicianID: r.ClinicianID,
		ExpiryDate:  r.ExpiryDate.Format(time.DateOnly),
		Status:      string(r.Status),
		WarnedAt:    r.WarnedAt,
		SuspendedAt: r.SuspendedAt,
	}
}

// ErrorResponse is the envelope for every failed request. Compliance
// rejections list all reasons that applied, the first one winning.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Details map[string]any      `json:"details,omitempty"`
	Reasons []compliance.Reason `json:"reasons,omitempty"`
}
