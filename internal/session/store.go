package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrCredentialNotFound = errors.New("credential not found")
)

type Store interface {
	// CreateIfAbsent stores s unless the appointment already has a session,
	// in which case the existing one is returned with created=false.
	CreateIfAbsent(ctx context.Context, s Session) (sess *Session, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error)
	// Activate moves a not_started session to active; other states are left as is.
	Activate(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error)
	// End marks the session ended. Ending twice is a no-op.
	End(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error)

	PutCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, sessionID, participantID uuid.UUID) (*Credential, error)
}
