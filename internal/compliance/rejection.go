package compliance

import (
	"strings"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
)

// Rejection is returned when a booking fails compliance. It matches
// apperr.ErrCompliance and carries every reason that applied.
type Rejection struct {
	Decision Decision
}

func (r *Rejection) Error() string {
	codes := make([]string, 0, len(r.Decision.Reasons))
	for _, reason := range r.Decision.Reasons {
		codes = append(codes, string(reason.Code))
	}
	return "compliance rejected: " + strings.Join(codes, ",")
}

func (r *Rejection) Is(target error) bool {
	return target == apperr.ErrCompliance
}

// Code is the winning reason code.
func (r *Rejection) Code() ReasonCode {
	if len(r.Decision.Reasons) == 0 {
		return ""
	}
	return r.Decision.Reasons[0].Code
}
