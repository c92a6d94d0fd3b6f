package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	appts  map[uuid.UUID]Appointment
	events []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{appts: make(map[uuid.UUID]Appointment)}
}

func (m *MemoryRepository) Create(_ context.Context, a Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Version = 1
	m.appts[a.ID] = a
	return &a, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) Update(_ context.Context, a Appointment, from Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.appts[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if cur.Status != from || cur.Version != a.Version {
		return nil, ErrStaleAppointment
	}
	a.Version++
	m.appts[a.ID] = a
	return &a, nil
}

func (m *MemoryRepository) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	out := m.filter(func(a Appointment) bool { return a.PatientID == patientID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListOpen(_ context.Context, t time.Time) ([]Appointment, error) {
	return m.filter(func(a Appointment) bool {
		return (a.Status == StatusScheduled || a.Status == StatusInProgress) && a.Start.Before(t)
	}), nil
}

func (m *MemoryRepository) ListInProgress(_ context.Context, clinicianID uuid.UUID) ([]Appointment, error) {
	return m.filter(func(a Appointment) bool {
		return a.ClinicianID == clinicianID && a.Status == StatusInProgress
	}), nil
}

func (m *MemoryRepository) CountCommitted(_ context.Context, patientID uuid.UUID, serviceID string, from, to time.Time, countLate bool) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.appts {
		if a.PatientID != patientID || a.ServiceID != serviceID {
			continue
		}
		if a.Start.Before(from) || !a.Start.Before(to) {
			continue
		}
		if committed(a, countLate) {
			n++
		}
	}
	return n, nil
}

func committed(a Appointment, countLate bool) bool {
	switch a.Status {
	case StatusScheduled, StatusInProgress, StatusCompleted:
		return true
	case StatusCancelled:
		return countLate && a.LateCancellation
	}
	return false
}

func (m *MemoryRepository) CancelClinicianFuture(_ context.Context, clinicianID uuid.UUID, now time.Time, reason string) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for id, a := range m.appts {
		if a.ClinicianID != clinicianID || !a.End().After(now) {
			continue
		}
		if a.Status != StatusPending && a.Status != StatusScheduled {
			continue
		}
		at := now
		a.Status = StatusCancelled
		a.CancelReason = reason
		a.CancelledAt = &at
		a.UpdatedAt = now
		a.Version++
		m.appts[id] = a
		out = append(out, a)
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryRepository) ListEvents(_ context.Context, appointmentID uuid.UUID) ([]EventLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EventLog
	for _, ev := range m.events {
		if ev.AppointmentID != nil && *ev.AppointmentID == appointmentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryRepository) filter(keep func(Appointment) bool) []Appointment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Appointment
	for _, a := range m.appts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(as []Appointment) {
	sort.Slice(as, func(i, j int) bool { return as[i].Start.Before(as[j].Start) })
}
