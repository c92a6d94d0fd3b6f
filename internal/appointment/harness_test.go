package appointment

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
	"github.com/hackgods/clinical-scheduling-engine/internal/reminder"
	"github.com/hackgods/clinical-scheduling-engine/internal/session"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

var hNow = time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC)

const sessionLength = 50 * time.Minute

type rooms struct {
	*session.JWTProvider

	mu   sync.Mutex
	fail bool
}

func (r *rooms) CreateRoom(ctx context.Context, appointmentID uuid.UUID) (string, error) {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return "", errors.New("video provider down")
	}
	return r.JWTProvider.CreateRoom(ctx, appointmentID)
}

type harnessConfig struct {
	policy    Policy
	quota     int
	countLate bool

	// optional wrappers around what the service sees
	wrapRepo    func(Repository) Repository
	wrapLocker  func(lock.Locker) lock.Locker
	wrapCatalog func(compliance.Catalog) compliance.Catalog
}

type harness struct {
	svc       *Service
	repo      *MemoryRepository
	slots     *slot.Allocator
	clock     *clock.Fake
	locker    *lock.Local
	referrals *compliance.MemoryReferrals
	regs      *registration.MemoryStore
	gateway   *notify.Recorder
	notifier  *notify.Dispatcher
	reminders *reminder.MemoryStore
	scheduler *reminder.Scheduler
	sessions  *session.Orchestrator
	rooms     *rooms
	driver    *Driver

	clinician uuid.UUID
	patient   uuid.UUID
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()

	cfg := harnessConfig{
		policy: Policy{
			CancelNotice:          24 * time.Hour,
			RescheduleNotice:      24 * time.Hour,
			BookingGrace:          time.Hour,
			AllowLateCancellation: true,
			JoinEarly:             10 * time.Minute,
		},
		quota:     10,
		countLate: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	logger := zerolog.New(io.Discard)
	clk := clock.NewFake(hNow)
	locker := lock.NewLocal()

	h := &harness{
		repo:      NewMemoryRepository(),
		clock:     clk,
		locker:    locker,
		referrals: compliance.NewMemoryReferrals(),
		regs:      registration.NewMemoryStore(),
		gateway:   &notify.Recorder{},
		reminders: reminder.NewMemoryStore(),
		clinician: uuid.New(),
		patient:   uuid.New(),
	}
	h.slots = slot.NewAllocator(slot.NewMemoryStore(), locker, clk, 30*time.Second, logger)

	engine, err := compliance.NewEngine(cfg.quota, `^[0-9]{1,5}$`)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	catalog := compliance.NewMemoryCatalog(
		compliance.Service{ID: "psych", Name: "Psychology", BillingItem: "80110"},
		compliance.Service{ID: "specialist", Name: "Specialist", BillingItem: "104", ReferralGated: true},
	)
	var cat compliance.Catalog = catalog
	if cfg.wrapCatalog != nil {
		cat = cfg.wrapCatalog(cat)
	}
	checker := compliance.NewChecker(engine, NewHistory(h.repo, cfg.countLate), h.referrals, h.regs, cat, time.UTC)

	h.notifier = notify.NewDispatcher(h.gateway, nil, logger)

	jwtp, err := session.NewJWTProvider("test-key", "clinic-video", clk)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	h.rooms = &rooms{JWTProvider: jwtp}
	h.sessions = session.NewOrchestrator(session.NewMemoryStore(), h.rooms, h.notifier, clk, session.Config{
		CredentialTTL: 2 * time.Hour,
		BindAttempts:  3,
		BindBackoff:   time.Millisecond,
	}, logger)

	h.scheduler = reminder.NewScheduler(h.reminders, h.notifier, NewSchedules(h.repo), clk, []time.Duration{24 * time.Hour, time.Hour, 15 * time.Minute}, logger)

	var repo Repository = h.repo
	if cfg.wrapRepo != nil {
		repo = cfg.wrapRepo(repo)
	}
	var svcLocker lock.Locker = locker
	if cfg.wrapLocker != nil {
		svcLocker = cfg.wrapLocker(svcLocker)
	}

	h.svc = NewService(Deps{
		Repo:      repo,
		Slots:     h.slots,
		Checker:   checker,
		Sessions:  h.sessions,
		Reminders: h.scheduler,
		Notifier:  h.notifier,
		Locker:    svcLocker,
		Clock:     clk,
	}, cfg.policy, logger)
	h.driver = NewDriver(h.svc, logger)

	if err := h.regs.UpsertExpiry(ctx, h.clinician, hNow.AddDate(1, 0, 0)); err != nil {
		t.Fatalf("seed registration: %v", err)
	}
	return h
}

func (h *harness) publish(t *testing.T, starts ...time.Time) []slot.Window {
	t.Helper()
	windows := make([]slot.Window, 0, len(starts))
	for _, s := range starts {
		windows = append(windows, slot.Window{Start: s, Duration: sessionLength})
	}
	if _, err := h.slots.Publish(context.Background(), h.clinician, windows); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return windows
}

func (h *harness) request(w slot.Window, medium Medium) BookRequest {
	return BookRequest{
		PatientID:   h.patient,
		ClinicianID: h.clinician,
		ServiceID:   "psych",
		Window:      w,
		Medium:      medium,
	}
}

func (h *harness) mustBook(t *testing.T, w slot.Window, medium Medium) *Appointment {
	t.Helper()
	a, err := h.svc.Book(context.Background(), h.request(w, medium))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return a
}

func (h *harness) slotStatus(t *testing.T, w slot.Window) slot.Status {
	t.Helper()
	s, err := h.slots.Get(context.Background(), slot.SlotID(h.clinician, w.Start))
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	return s.Status
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *Appointment {
	t.Helper()
	a, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	return a
}

func (h *harness) unfiredReminders(t *testing.T, id uuid.UUID) []reminder.Event {
	t.Helper()
	events, err := h.reminders.ListByAppointment(context.Background(), id)
	if err != nil {
		t.Fatalf("list reminders: %v", err)
	}
	var out []reminder.Event
	for _, e := range events {
		if !e.Fired {
			out = append(out, e)
		}
	}
	return out
}

// nonTerminalBySlot counts live appointments per slot.
func (h *harness) nonTerminalBySlot() map[uuid.UUID]int {
	h.repo.mu.RLock()
	defer h.repo.mu.RUnlock()
	out := make(map[uuid.UUID]int)
	for _, a := range h.repo.appts {
		if !a.Status.Terminal() {
			out[a.SlotID]++
		}
	}
	return out
}
