package appointment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

// cascadeOnMove runs the suspension cascade straight against the store right
// after the first scheduled-to-scheduled update, the way a cascade that
// takes no appointment locks can land in the middle of a reschedule.
type cascadeOnMove struct {
	Repository
	once sync.Once
}

func (r *cascadeOnMove) Update(ctx context.Context, a Appointment, from Status) (*Appointment, error) {
	out, err := r.Repository.Update(ctx, a, from)
	if err != nil || from != StatusScheduled {
		return out, err
	}
	var cascadeErr error
	r.once.Do(func() {
		_, cascadeErr = r.Repository.CancelClinicianFuture(ctx, out.ClinicianID, out.UpdatedAt, ReasonClinicianSuspended)
	})
	if cascadeErr != nil {
		return nil, cascadeErr
	}
	return out, nil
}

func TestReschedule_CancelledMidMoveSendsNoReminders(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.wrapRepo = func(r Repository) Repository { return &cascadeOnMove{Repository: r} }
	})
	ctx := context.Background()
	ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour))
	a := h.mustBook(t, ws[0], MediumRemote)

	if _, err := h.svc.Reschedule(ctx, a.ID, ws[1]); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if s := h.reload(t, a.ID).Status; s != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", s)
	}
	if got := h.unfiredReminders(t, a.ID); len(got) != 0 {
		t.Fatalf("unfired reminders = %d, want 0", len(got))
	}

	tests := []struct {
		name string
		at   time.Time
	}{
		{"old window", ws[0].Start.Add(-10 * time.Minute)},
		{"new window", ws[1].Start.Add(-10 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.clock.Set(tt.at)
			fired, _, err := h.scheduler.CatchUp(ctx)
			if err != nil {
				t.Fatalf("catch up: %v", err)
			}
			if fired != 0 {
				t.Errorf("fired = %d, want 0", fired)
			}
		})
	}

	sent := h.gateway.Count(notify.KindReminderDayBefore) +
		h.gateway.Count(notify.KindReminderHourBefore) +
		h.gateway.Count(notify.KindReminderImminent)
	if sent != 0 {
		t.Errorf("reminders sent = %d, want 0", sent)
	}
}

func TestCancelClinicianFuture_KeepsSessionInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.publish(t, hNow.Add(2*time.Hour), hNow.Add(72*time.Hour))
	live := h.mustBook(t, ws[0], MediumInPerson)
	future := h.mustBook(t, ws[1], MediumRemote)

	h.clock.Set(ws[0].Start.Add(5 * time.Minute))
	if _, err := h.svc.RecordJoin(ctx, live.ID, h.patient); err != nil {
		t.Fatalf("check in: %v", err)
	}

	n, err := h.svc.CancelClinicianFuture(ctx, h.clinician, ReasonClinicianSuspended)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled = %d, want 1", n)
	}

	tests := []struct {
		name       string
		id         uuid.UUID
		w          slot.Window
		wantStatus Status
		wantSlot   slot.Status
	}{
		{"session in progress", live.ID, ws[0], StatusInProgress, slot.StatusBooked},
		{"future appointment", future.ID, ws[1], StatusCancelled, slot.StatusFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s := h.reload(t, tt.id).Status; s != tt.wantStatus {
				t.Errorf("status = %s, want %s", s, tt.wantStatus)
			}
			if s := h.slotStatus(t, tt.w); s != tt.wantSlot {
				t.Errorf("slot = %s, want %s", s, tt.wantSlot)
			}
		})
	}

	// repeating the cascade leaves the live slot alone too
	if _, err := h.svc.CancelClinicianFuture(ctx, h.clinician, ReasonClinicianSuspended); err != nil {
		t.Fatalf("repeat cascade: %v", err)
	}
	if s := h.slotStatus(t, ws[0]); s != slot.StatusBooked {
		t.Errorf("live slot after repeat = %s, want booked", s)
	}
}

// heldLocks tracks which keys the service holds at any moment.
type heldLocks struct {
	lock.Locker

	mu   sync.Mutex
	held map[string]bool
	seen []string
}

func (l *heldLocks) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	return l.Locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		l.mu.Lock()
		l.held[key] = true
		l.seen = append(l.seen, key)
		l.mu.Unlock()
		defer func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		}()
		return fn(lockCtx)
	})
}

func (l *heldLocks) holding(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.held {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// lockAwareCatalog counts catalog reads made under an appointment lock.
type lockAwareCatalog struct {
	compliance.Catalog
	locks *heldLocks

	mu        sync.Mutex
	underLock int
	reads     int
}

func (c *lockAwareCatalog) Service(ctx context.Context, id string) (*compliance.Service, error) {
	c.mu.Lock()
	c.reads++
	if c.locks.holding("lock:appointment:") {
		c.underLock++
	}
	c.mu.Unlock()
	return c.Catalog.Service(ctx, id)
}

func TestReschedule_ComplianceLookupsOutsideAppointmentLock(t *testing.T) {
	tests := []struct {
		name  string
		quota int
	}{
		{"quota has room", 10},
		{"at quota limit counts itself out", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locks := &heldLocks{held: map[string]bool{}}
			cat := &lockAwareCatalog{locks: locks}
			h := newHarness(t, func(c *harnessConfig) {
				c.quota = tt.quota
				c.wrapLocker = func(l lock.Locker) lock.Locker {
					locks.Locker = l
					return locks
				}
				c.wrapCatalog = func(inner compliance.Catalog) compliance.Catalog {
					cat.Catalog = inner
					return cat
				}
			})
			ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour))
			a := h.mustBook(t, ws[0], MediumRemote)

			cat.mu.Lock()
			cat.reads, cat.underLock = 0, 0
			cat.mu.Unlock()

			_, err := h.svc.Reschedule(context.Background(), a.ID, ws[1])
			if err != nil {
				t.Fatalf("reschedule: %v", err)
			}

			cat.mu.Lock()
			reads, underLock := cat.reads, cat.underLock
			cat.mu.Unlock()
			if reads == 0 {
				t.Error("expected the compliance context to be built")
			}
			if underLock != 0 {
				t.Errorf("catalog reads under appointment lock = %d, want 0", underLock)
			}

			quotaKey := lock.QuotaKey(a.PatientID, a.ServiceID, ws[1].Start.Year())
			found := false
			locks.mu.Lock()
			for _, k := range locks.seen {
				if k == quotaKey {
					found = true
				}
			}
			locks.mu.Unlock()
			if !found {
				t.Errorf("quota lock %s never taken", quotaKey)
			}
		})
	}
}

func TestReschedule_RejectedWhenOtherBookingsFillQuota(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.quota = 1 })
	ctx := context.Background()
	ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour), hNow.Add(120*time.Hour))
	a := h.mustBook(t, ws[0], MediumRemote)

	// another committed appointment for the same patient and service lands
	// in the store without passing through the quota check
	now := h.clock.Now()
	other := Appointment{
		ID:                 uuid.New(),
		PatientID:          a.PatientID,
		ClinicianID:        a.ClinicianID,
		ServiceID:          a.ServiceID,
		SlotID:             slot.SlotID(h.clinician, ws[2].Start),
		Start:              ws[2].Start,
		Duration:           ws[2].Duration,
		Medium:             MediumRemote,
		Status:             StatusScheduled,
		CancelDeadline:     ws[2].Start.Add(-24 * time.Hour),
		RescheduleDeadline: ws[2].Start.Add(-24 * time.Hour),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if _, err := h.repo.Create(ctx, other); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := h.svc.Reschedule(ctx, a.ID, ws[1])
	var rej *compliance.Rejection
	if !errors.As(err, &rej) || rej.Code() != compliance.ReasonQuotaExceeded {
		t.Fatalf("err = %v, want quota rejection", err)
	}
	if got := h.reload(t, a.ID); got.SlotID != a.SlotID {
		t.Errorf("appointment moved to %s", got.SlotID)
	}
	if s := h.slotStatus(t, ws[1]); s != slot.StatusFree {
		t.Errorf("target slot = %s, want free", s)
	}
}
