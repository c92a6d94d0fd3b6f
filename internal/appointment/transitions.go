package appointment

import (
	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusScheduled, StatusCancelled},
	StatusScheduled:  {StatusScheduled, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusNoShow},
}

// CanTransition reports whether from -> to is in the lifecycle table.
// scheduled -> scheduled is a reschedule.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(a *Appointment, to Status) error {
	if CanTransition(a.Status, to) {
		return nil
	}
	return ErrInvalidTransition.
		With("from", a.Status).
		With("to", to)
}

var ErrInvalidTransition = apperr.Conflict("invalid_transition", "appointment cannot make that transition")
