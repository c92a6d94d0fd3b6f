package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]Event)}
}

func (m *MemoryStore) Add(_ context.Context, events []Event) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []Event
	for _, e := range events {
		if m.hasOccurrence(e) {
			continue
		}
		m.events[e.ID] = e
		added = append(added, e)
	}
	return added, nil
}

func (m *MemoryStore) hasOccurrence(e Event) bool {
	for _, cur := range m.events {
		if cur.AppointmentID == e.AppointmentID && cur.Offset == e.Offset && cur.SessionStart.Equal(e.SessionStart) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Drop(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok && !e.Fired {
		delete(m.events, id)
	}
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, appointmentID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.events {
		if e.AppointmentID == appointmentID && !e.Fired {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListUnfired(_ context.Context) ([]Event, error) {
	return m.filter(func(e Event) bool { return !e.Fired }), nil
}

func (m *MemoryStore) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]Event, error) {
	return m.filter(func(e Event) bool { return e.AppointmentID == appointmentID }), nil
}

func (m *MemoryStore) MarkFired(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Fired {
		return false, nil
	}
	e.Fired = true
	e.FiredAt = &at
	m.events[id] = e
	return true, nil
}

func (m *MemoryStore) filter(keep func(Event) bool) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}
