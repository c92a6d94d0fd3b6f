package slot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps slots in a map guarded by a RWMutex. Values are copied
// in and out so callers never share memory with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[uuid.UUID]TimeSlot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[uuid.UUID]TimeSlot)}
}

func (m *MemoryStore) Insert(_ context.Context, slots []TimeSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range slots {
		if _, ok := m.slots[s.ID]; ok {
			return ErrSlotExists
		}
	}
	for _, s := range slots {
		s.Version = 1
		m.slots[s.ID] = s
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Update(_ context.Context, s TimeSlot) (*TimeSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.slots[s.ID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if cur.Version != s.Version {
		return nil, ErrStaleSlot
	}
	s.Version++
	m.slots[s.ID] = s
	return &s, nil
}

func (m *MemoryStore) ListByClinician(_ context.Context, clinicianID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TimeSlot
	for _, s := range m.slots {
		if s.ClinicianID != clinicianID {
			continue
		}
		if !from.IsZero() && !s.End().After(from) {
			continue
		}
		if !to.IsZero() && !s.Start.Before(to) {
			continue
		}
		out = append(out, s)
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryStore) ListReapable(_ context.Context, now time.Time) ([]TimeSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TimeSlot
	for _, s := range m.slots {
		if reapable(s, now) {
			out = append(out, s)
		}
	}
	sortByStart(out)
	return out, nil
}

func reapable(s TimeSlot, now time.Time) bool {
	if s.HoldExpired(now) {
		return true
	}
	return s.Status == StatusBooked && s.RetainedUntil != nil && !now.Before(*s.RetainedUntil)
}

func sortByStart(slots []TimeSlot) {
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
}
