package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// History is the compliance view over the appointment store.
type History struct {
	repo      Repository
	countLate bool
}

// NewHistory counts late cancellations toward the quota when countLate is set.
func NewHistory(repo Repository, countLate bool) *History {
	return &History{repo: repo, countLate: countLate}
}

func (h *History) CountCommitted(ctx context.Context, patientID uuid.UUID, serviceID string, from, to time.Time) (int, error) {
	return h.repo.CountCommitted(ctx, patientID, serviceID, from, to, h.countLate)
}

// Schedules is the reminder view over the appointment store.
type Schedules struct {
	repo Repository
}

func NewSchedules(repo Repository) *Schedules {
	return &Schedules{repo: repo}
}

// Schedule reports the appointment's current start and whether it can still
// receive reminders. A missing appointment is not live.
func (s *Schedules) Schedule(ctx context.Context, appointmentID uuid.UUID) (time.Time, bool, error) {
	a, err := s.repo.Get(ctx, appointmentID)
	if errors.Is(err, ErrAppointmentNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return a.Start, !a.Status.Terminal(), nil
}
