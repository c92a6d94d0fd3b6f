package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
)

// Service is a bookable clinical service and the regulatory flags attached to it.
type Service struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	BillingItem   string `json:"billing_item"`
	ReferralGated bool   `json:"referral_gated"`
	Quota         int    `json:"quota,omitempty"` // 0 means the policy default
}

// Context is everything the rules look at. It is rebuilt for every
// evaluation and never stored.
type Context struct {
	PatientID       uuid.UUID
	ClinicianID     uuid.UUID
	Service         Service
	At              time.Time // session start being booked
	Year            int
	Usage           int // committed appointments for (patient, service, year)
	ReferralOnFile  bool
	ClinicianStatus registration.Status
	Registered      bool
}

type ReasonCode string

const (
	ReasonClinicianSuspended    ReasonCode = "clinician_suspended"
	ReasonClinicianUnregistered ReasonCode = "clinician_unregistered"
	ReasonQuotaExceeded         ReasonCode = "quota_exceeded"
	ReasonReferralRequired      ReasonCode = "referral_required"
	ReasonInvalidBillingItem    ReasonCode = "invalid_billing_item"
)

type Reason struct {
	Code    ReasonCode     `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision is the outcome of an evaluation. Reasons are in rule order, so
// Reasons[0] is the rejection that wins.
type Decision struct {
	Accepted bool     `json:"accepted"`
	Reasons  []Reason `json:"reasons,omitempty"`
}

func (d Decision) Has(code ReasonCode) bool {
	for _, r := range d.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}
