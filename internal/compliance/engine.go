package compliance

import (
	"fmt"
	"regexp"

	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
)

// Rule inspects a context and returns a reason when it rejects it.
type Rule func(Engine, Context) *Reason

// Engine evaluates booking candidates against the regulatory rules. It is
// immutable after construction and safe for concurrent use.
type Engine struct {
	defaultQuota int
	billingItem  *regexp.Regexp
	rules        []Rule
}

func NewEngine(defaultQuota int, billingItemPattern string) (*Engine, error) {
	re, err := regexp.Compile(billingItemPattern)
	if err != nil {
		return nil, fmt.Errorf("compile billing item pattern: %w", err)
	}
	return &Engine{
		defaultQuota: defaultQuota,
		billingItem:  re,
		rules: []Rule{
			clinicianEligibility,
			quotaRule,
			referralRule,
			billingItemRule,
		},
	}, nil
}

// Evaluate applies every rule in order and collects all rejections.
func (e Engine) Evaluate(c Context) Decision {
	var reasons []Reason
	for _, rule := range e.rules {
		if r := rule(e, c); r != nil {
			reasons = append(reasons, *r)
		}
	}
	return Decision{Accepted: len(reasons) == 0, Reasons: reasons}
}

// QuotaFor returns the yearly quota that applies to s.
func (e Engine) QuotaFor(s Service) int {
	if s.Quota > 0 {
		return s.Quota
	}
	return e.defaultQuota
}

func clinicianEligibility(_ Engine, c Context) *Reason {
	if !c.Registered {
		return &Reason{
			Code:    ReasonClinicianUnregistered,
			Message: "clinician has no registration on file",
			Details: map[string]any{"clinician_id": c.ClinicianID.String()},
		}
	}
	if c.ClinicianStatus == registration.StatusSuspended {
		return &Reason{
			Code:    ReasonClinicianSuspended,
			Message: "clinician registration is suspended",
			Details: map[string]any{"clinician_id": c.ClinicianID.String()},
		}
	}
	return nil
}

func quotaRule(e Engine, c Context) *Reason {
	quota := e.QuotaFor(c.Service)
	if c.Usage < quota {
		return nil
	}
	return &Reason{
		Code:    ReasonQuotaExceeded,
		Message: fmt.Sprintf("yearly limit of %d sessions for this service reached", quota),
		Details: map[string]any{
			"service_id": c.Service.ID,
			"year":       c.Year,
			"used":       c.Usage,
			"quota":      quota,
		},
	}
}

func referralRule(_ Engine, c Context) *Reason {
	if !c.Service.ReferralGated || c.ReferralOnFile {
		return nil
	}
	return &Reason{
		Code:    ReasonReferralRequired,
		Message: "service requires a valid referral on file",
		Details: map[string]any{"service_id": c.Service.ID},
	}
}

func billingItemRule(e Engine, c Context) *Reason {
	if e.billingItem.MatchString(c.Service.BillingItem) {
		return nil
	}
	return &Reason{
		Code:    ReasonInvalidBillingItem,
		Message: "service billing item identifier is malformed",
		Details: map[string]any{
			"service_id":   c.Service.ID,
			"billing_item": c.Service.BillingItem,
		},
	}
}
