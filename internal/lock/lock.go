package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
)

// Locker guards critical sections per key. Implementations must not be
// re-entrant: a key held by fn must not be requested again inside fn.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func SlotKey(slotID uuid.UUID) string {
	return fmt.Sprintf("lock:slot:%s", slotID)
}

func ClinicianKey(clinicianID uuid.UUID) string {
	return fmt.Sprintf("lock:clinician:%s", clinicianID)
}

func QuotaKey(patientID uuid.UUID, serviceID string, year int) string {
	return fmt.Sprintf("lock:quota:%s:%s:%d", patientID, serviceID, year)
}

func AppointmentKey(appointmentID uuid.UUID) string {
	return fmt.Sprintf("lock:appointment:%s", appointmentID)
}

// Local is an in-process Locker. Each key gets its own one-token channel,
// created on first use and dropped once nobody holds or waits on it.
type Local struct {
	mu    sync.Mutex
	slots map[string]*entry
}

type entry struct {
	token chan struct{}
	refs  int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*entry)}
}

func (l *Local) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := l.acquireEntry(key)
	defer l.releaseEntry(key, e)

	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
	defer func() { <-e.token }()

	return fn(ctx)
}

func (l *Local) acquireEntry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.slots[key]
	if !ok {
		e = &entry{token: make(chan struct{}, 1)}
		l.slots[key] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseEntry(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.slots, key)
	}
}

// Len reports how many keys are currently tracked.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
