package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type credKey struct {
	session     uuid.UUID
	participant uuid.UUID
}

type MemoryStore struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]Session
	byAppointment map[uuid.UUID]uuid.UUID
	creds         map[credKey]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[uuid.UUID]Session),
		byAppointment: make(map[uuid.UUID]uuid.UUID),
		creds:         make(map[credKey]Credential),
	}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, s Session) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byAppointment[s.AppointmentID]; ok {
		existing := m.sessions[id]
		return &existing, false, nil
	}
	m.sessions[s.ID] = s
	m.byAppointment[s.AppointmentID] = s.ID
	return &s, true, nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemoryStore) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	id, ok := m.byAppointment[appointmentID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Activate(_ context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status == StatusNotStarted {
		s.Status = StatusActive
		s.ActivatedAt = &at
		m.sessions[id] = s
	}
	return &s, nil
}

func (m *MemoryStore) End(_ context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status != StatusEnded {
		s.Status = StatusEnded
		s.EndedAt = &at
		m.sessions[id] = s
	}
	return &s, nil
}

func (m *MemoryStore) PutCredential(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[c.SessionID]; !ok {
		return ErrSessionNotFound
	}
	m.creds[credKey{c.SessionID, c.ParticipantID}] = c
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, sessionID, participantID uuid.UUID) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credKey{sessionID, participantID}]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &c, nil
}
