package registration

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
)

type fakeCanceller struct {
	mu      sync.Mutex
	future  map[uuid.UUID]int
	fail    int
	calls   int
	reasons []string
}

func (f *fakeCanceller) CancelClinicianFuture(_ context.Context, clinicianID uuid.UUID, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return 0, errors.New("appointment store unavailable")
	}
	n := f.future[clinicianID]
	f.future[clinicianID] = 0
	if n > 0 {
		f.reasons = append(f.reasons, reason)
	}
	return n, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recordingNotifier) kinds() []notify.TemplateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.TemplateKind, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	store     *MemoryStore
	canceller *fakeCanceller
	notifier  *recordingNotifier
	clock     *clock.Fake
	monitor   *Monitor
}

func newFixture(t *testing.T, feed Feed) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		canceller: &fakeCanceller{future: make(map[uuid.UUID]int)},
		notifier:  &recordingNotifier{},
		clock:     clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
	}
	f.monitor = NewMonitor(f.store, feed, lock.NewLocal(), f.canceller, f.notifier, f.clock,
		MonitorConfig{Location: time.UTC, WarningWindow: 30 * 24 * time.Hour}, zerolog.New(io.Discard))
	return f
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMonitor_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		expiry time.Time
		start  Status
		want   Status
	}{
		{name: "far from expiry", expiry: date(2026, 9, 1), start: StatusActive, want: StatusActive},
		{name: "inside warning window", expiry: date(2026, 4, 1), start: StatusActive, want: StatusWarned},
		{name: "warning window boundary", expiry: date(2026, 4, 9), start: StatusActive, want: StatusWarned},
		{name: "just outside warning window", expiry: date(2026, 4, 10), start: StatusActive, want: StatusActive},
		{name: "expires today still valid", expiry: date(2026, 3, 10), start: StatusActive, want: StatusWarned},
		{name: "expired yesterday", expiry: date(2026, 3, 9), start: StatusActive, want: StatusSuspended},
		{name: "warned then expired", expiry: date(2026, 3, 1), start: StatusWarned, want: StatusSuspended},
		{name: "already warned stays warned", expiry: date(2026, 3, 20), start: StatusWarned, want: StatusWarned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			id := uuid.New()
			_ = f.store.UpsertExpiry(context.Background(), id, tt.expiry)
			if tt.start != StatusActive {
				if _, err := f.store.Advance(context.Background(), id, StatusActive, tt.start, f.clock.Now()); err != nil {
					t.Fatalf("seed status: %v", err)
				}
			}

			if _, err := f.monitor.RunOnce(context.Background()); err != nil {
				t.Fatalf("run: %v", err)
			}

			got, _ := f.store.ClinicianStatus(context.Background(), id)
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMonitor_SuspensionCascade(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	_ = f.store.UpsertExpiry(ctx, id, date(2026, 3, 9))
	f.canceller.future[id] = 3

	rep, err := f.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Suspended != 1 || rep.Cancelled != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(f.canceller.reasons) != 1 || f.canceller.reasons[0] != ReasonClinicianSuspended {
		t.Errorf("unexpected cascade reasons %v", f.canceller.reasons)
	}

	r, _ := f.store.Get(ctx, id)
	if r.SuspendedAt == nil {
		t.Error("suspended marker not set")
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != notify.KindRegistrationSuspended {
		t.Errorf("expected one suspension notice, got %v", kinds)
	}

	// second pass re-runs the cascade but has nothing left to do
	rep, _ = f.monitor.RunOnce(ctx)
	if rep.Suspended != 0 || rep.Cancelled != 0 {
		t.Errorf("second pass should be a no-op, got %+v", rep)
	}
}

func TestMonitor_CascadeFailureRetriedNextPass(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	_ = f.store.UpsertExpiry(ctx, id, date(2026, 1, 1))
	f.canceller.future[id] = 2
	f.canceller.fail = 1

	rep, err := f.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Failed) != 1 || rep.Cancelled != 0 {
		t.Fatalf("expected failed cascade, got %+v", rep)
	}
	if s, _ := f.store.ClinicianStatus(ctx, id); s != StatusSuspended {
		t.Fatalf("status = %s, want suspended", s)
	}

	rep, _ = f.monitor.RunOnce(ctx)
	if rep.Cancelled != 2 || len(rep.Failed) != 0 {
		t.Errorf("expected cascade to complete on retry, got %+v", rep)
	}
}

func TestMonitor_FeedReconciliation(t *testing.T) {
	id := uuid.New()
	feed := StaticFeed{{ClinicianID: id, ExpiryDate: date(2026, 3, 25)}}
	f := newFixture(t, feed)

	rep, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Scanned != 1 || rep.Warned != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindRegistrationExpiring {
		t.Errorf("expected expiring notice, got %v", kinds)
	}
}

func TestMonitor_Reinstate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	_ = f.store.UpsertExpiry(ctx, id, date(2026, 3, 1))
	_, _ = f.monitor.RunOnce(ctx)

	if _, err := f.monitor.Reinstate(ctx, id, date(2026, 3, 9)); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for past expiry, got %v", err)
	}

	r, err := f.monitor.Reinstate(ctx, id, date(2027, 3, 1))
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if r.Status != StatusActive || r.WarnedAt != nil || r.SuspendedAt != nil {
		t.Errorf("markers not cleared: %+v", r)
	}

	if _, err := f.monitor.Reinstate(ctx, uuid.New(), date(2027, 1, 1)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found for unknown clinician, got %v", err)
	}
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusWarned, true},
		{StatusActive, StatusSuspended, true},
		{StatusWarned, StatusSuspended, true},
		{StatusWarned, StatusActive, false},
		{StatusSuspended, StatusWarned, false},
		{StatusSuspended, StatusSuspended, false},
	}
	for _, tt := range tests {
		if got := CanAdvance(tt.from, tt.to); got != tt.want {
			t.Errorf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
