package registration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu   sync.RWMutex
	regs map[uuid.UUID]Registration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{regs: make(map[uuid.UUID]Registration)}
}

func (m *MemoryStore) Get(_ context.Context, clinicianID uuid.UUID) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regs[clinicianID]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	return &r, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Registration, 0, len(m.regs))
	for _, r := range m.regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiryDate.Before(out[j].ExpiryDate)
	})
	return out, nil
}

func (m *MemoryStore) UpsertExpiry(_ context.Context, clinicianID uuid.UUID, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[clinicianID]
	if !ok {
		r = Registration{ClinicianID: clinicianID, Status: StatusActive}
	}
	r.ExpiryDate = expiry
	r.UpdatedAt = time.Now()
	m.regs[clinicianID] = r
	return nil
}

func (m *MemoryStore) Advance(_ context.Context, clinicianID uuid.UUID, from, to Status, at time.Time) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[clinicianID]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	if r.Status != from {
		return nil, ErrStaleRegistration
	}
	r.Status = to
	switch to {
	case StatusWarned:
		r.WarnedAt = &at
	case StatusSuspended:
		r.SuspendedAt = &at
	}
	r.UpdatedAt = at
	m.regs[clinicianID] = r
	return &r, nil
}

func (m *MemoryStore) Reinstate(_ context.Context, clinicianID uuid.UUID, expiry, at time.Time) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[clinicianID]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	r.Status = StatusActive
	r.ExpiryDate = expiry
	r.WarnedAt = nil
	r.SuspendedAt = nil
	r.UpdatedAt = at
	m.regs[clinicianID] = r
	return &r, nil
}

func (m *MemoryStore) ClinicianStatus(ctx context.Context, clinicianID uuid.UUID) (Status, error) {
	r, err := m.Get(ctx, clinicianID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}
