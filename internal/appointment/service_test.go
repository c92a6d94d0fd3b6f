package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

func TestBook_Schedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.publish(t, hNow.Add(72*time.Hour))[0]

	a := h.mustBook(t, w, MediumRemote)

	if a.Status != StatusScheduled {
		t.Fatalf("status = %s, want scheduled", a.Status)
	}
	if a.SlotID != slot.SlotID(h.clinician, w.Start) {
		t.Errorf("slot id = %s, want the published slot", a.SlotID)
	}
	if got := h.slotStatus(t, w); got != slot.StatusBooked {
		t.Errorf("slot status = %s, want booked", got)
	}
	if want := w.Start.Add(-24 * time.Hour); !a.CancelDeadline.Equal(want) {
		t.Errorf("cancel deadline = %s, want %s", a.CancelDeadline, want)
	}
	if got := len(h.unfiredReminders(t, a.ID)); got != 3 {
		t.Errorf("reminders = %d, want 3", got)
	}
	if got := h.gateway.Count(notify.KindAppointmentScheduled); got != 2 {
		t.Errorf("scheduled notifications = %d, want 2", got)
	}

	events, err := h.svc.Events(ctx, a.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	if len(types) != 2 || types[0] != EventAppointmentCreated || types[1] != EventAppointmentScheduled {
		t.Errorf("event log = %v", types)
	}
}

func TestBook_Validation(t *testing.T) {
	h := newHarness(t)
	w := h.publish(t, hNow.Add(72*time.Hour))[0]

	tests := []struct {
		name   string
		mutate func(r *BookRequest)
		code   string
	}{
		{"missing patient", func(r *BookRequest) { r.PatientID = uuid.Nil }, "invalid_request"},
		{"zero duration", func(r *BookRequest) { r.Window.Duration = 0 }, "invalid_window"},
		{"bad medium", func(r *BookRequest) { r.Medium = "telepathy" }, "invalid_medium"},
		{"window mismatch", func(r *BookRequest) { r.Window.Duration = time.Hour }, "window_mismatch"},
		{"unpublished window", func(r *BookRequest) { r.Window.Start = r.Window.Start.Add(time.Hour) }, "slot_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.request(w, MediumRemote)
			tt.mutate(&req)
			_, err := h.svc.Book(context.Background(), req)
			if got := apperr.CodeOf(err); got != tt.code {
				t.Fatalf("code = %q, want %q (err %v)", got, tt.code, err)
			}
		})
	}

	if got := h.slotStatus(t, w); got != slot.StatusFree {
		t.Errorf("slot status = %s, want free", got)
	}
}

func TestBook_ComplianceRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness) BookRequest
		want    compliance.ReasonCode
		touched bool
	}{
		{
			name: "suspended clinician",
			setup: func(t *testing.T, h *harness) BookRequest {
				if _, err := h.regs.Advance(context.Background(), h.clinician, registration.StatusActive, registration.StatusSuspended, hNow); err != nil {
					t.Fatalf("advance: %v", err)
				}
				return h.request(h.publish(t, hNow.Add(72*time.Hour))[0], MediumRemote)
			},
			want: compliance.ReasonClinicianSuspended,
		},
		{
			name: "unregistered clinician",
			setup: func(t *testing.T, h *harness) BookRequest {
				h.clinician = uuid.New()
				return h.request(h.publish(t, hNow.Add(72*time.Hour))[0], MediumRemote)
			},
			want: compliance.ReasonClinicianUnregistered,
		},
		{
			name: "referral required",
			setup: func(t *testing.T, h *harness) BookRequest {
				req := h.request(h.publish(t, hNow.Add(72*time.Hour))[0], MediumRemote)
				req.ServiceID = "specialist"
				return req
			},
			want: compliance.ReasonReferralRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := tt.setup(t, h)

			_, err := h.svc.Book(context.Background(), req)
			if !errors.Is(err, apperr.ErrCompliance) {
				t.Fatalf("err = %v, want compliance rejection", err)
			}
			var rej *compliance.Rejection
			if !errors.As(err, &rej) || rej.Code() != tt.want {
				t.Fatalf("rejection = %v, want %s", err, tt.want)
			}
			if got := h.slotStatus(t, req.Window); got != slot.StatusFree {
				t.Errorf("slot status = %s, want free", got)
			}
		})
	}
}

func TestBook_ReferralAllowsGatedService(t *testing.T) {
	h := newHarness(t)
	w := h.publish(t, hNow.Add(72*time.Hour))[0]
	h.referrals.Add(compliance.Referral{
		PatientID:  h.patient,
		ServiceID:  "specialist",
		ValidFrom:  hNow.AddDate(0, -1, 0),
		ValidUntil: hNow.AddDate(0, 6, 0),
	})

	req := h.request(w, MediumInPerson)
	req.ServiceID = "specialist"
	if _, err := h.svc.Book(context.Background(), req); err != nil {
		t.Fatalf("book: %v", err)
	}
}

func TestBook_QuotaExceededConsumesNoSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		start := hNow.AddDate(0, 0, -60+i)
		if _, err := h.repo.Create(ctx, Appointment{
			ID:          uuid.New(),
			PatientID:   h.patient,
			ClinicianID: h.clinician,
			ServiceID:   "psych",
			SlotID:      uuid.New(),
			Start:       start,
			Duration:    sessionLength,
			Medium:      MediumInPerson,
			Status:      StatusCompleted,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	w := h.publish(t, hNow.Add(72*time.Hour))[0]
	_, err := h.svc.Book(ctx, h.request(w, MediumRemote))

	var rej *compliance.Rejection
	if !errors.As(err, &rej) || rej.Code() != compliance.ReasonQuotaExceeded {
		t.Fatalf("err = %v, want quota_exceeded", err)
	}
	if got := h.slotStatus(t, w); got != slot.StatusFree {
		t.Errorf("slot status = %s, want free", got)
	}
	list, err := h.svc.ListByPatient(ctx, h.patient, 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 10 {
		t.Errorf("appointments = %d, want 10", len(list))
	}
}

func TestBook_ConcurrentQuotaNeverExceeded(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.quota = 3 })
	ctx := context.Background()

	var starts []time.Time
	for i := 0; i < 8; i++ {
		starts = append(starts, hNow.Add(72*time.Hour+time.Duration(i)*time.Hour))
	}
	windows := h.publish(t, starts...)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for _, w := range windows {
		wg.Add(1)
		go func(w slot.Window) {
			defer wg.Done()
			_, err := h.svc.Book(ctx, h.request(w, MediumRemote))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrCompliance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(w)
	}
	wg.Wait()

	if ok != 3 || rejected != 5 {
		t.Fatalf("booked %d rejected %d, want 3 and 5", ok, rejected)
	}

	yearStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := h.repo.CountCommitted(ctx, h.patient, "psych", yearStart, yearStart.AddDate(1, 0, 0), true)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("committed = %d, want 3", n)
	}

	booked := 0
	for _, w := range windows {
		if h.slotStatus(t, w) == slot.StatusBooked {
			booked++
		}
	}
	if booked != 3 {
		t.Errorf("booked slots = %d, want 3", booked)
	}
}

func TestBook_ConcurrentSameSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.publish(t, hNow.Add(72*time.Hour))[0]

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := h.request(w, MediumRemote)
			req.PatientID = uuid.New()
			_, err := h.svc.Book(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != n-1 {
		t.Fatalf("booked %d conflicts %d, want 1 and %d", ok, conflicts, n-1)
	}
	for id, live := range h.nonTerminalBySlot() {
		if live > 1 {
			t.Errorf("slot %s has %d live appointments", id, live)
		}
	}
}

func TestCancel(t *testing.T) {
	start := hNow.Add(72 * time.Hour)

	tests := []struct {
		name       string
		allowLate  bool
		at         time.Time
		wantErr    string
		wantLate   bool
		wantSlot   slot.Status
		wantQuota  int
		wantStatus Status
	}{
		{
			name:       "before deadline frees slot",
			allowLate:  true,
			at:         hNow.Add(time.Hour),
			wantSlot:   slot.StatusFree,
			wantStatus: StatusCancelled,
		},
		{
			name:       "late cancellation keeps slot booked",
			allowLate:  true,
			at:         start.Add(-2 * time.Hour),
			wantLate:   true,
			wantSlot:   slot.StatusBooked,
			wantQuota:  1,
			wantStatus: StatusCancelled,
		},
		{
			name:       "late cancellation refused by policy",
			allowLate:  false,
			at:         start.Add(-2 * time.Hour),
			wantErr:    "past_deadline",
			wantSlot:   slot.StatusBooked,
			wantQuota:  1,
			wantStatus: StatusScheduled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *harnessConfig) { c.policy.AllowLateCancellation = tt.allowLate })
			ctx := context.Background()
			w := h.publish(t, start)[0]
			a := h.mustBook(t, w, MediumRemote)

			h.clock.Set(tt.at)
			got, err := h.svc.Cancel(ctx, a.ID, "")
			if tt.wantErr != "" {
				if code := apperr.CodeOf(err); code != tt.wantErr {
					t.Fatalf("code = %q, want %q", code, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("cancel: %v", err)
				}
				if got.LateCancellation != tt.wantLate {
					t.Errorf("late = %v, want %v", got.LateCancellation, tt.wantLate)
				}
				if got.CancelReason != ReasonPatientRequest {
					t.Errorf("reason = %q", got.CancelReason)
				}
				if n := len(h.unfiredReminders(t, a.ID)); n != 0 {
					t.Errorf("unfired reminders = %d, want 0", n)
				}
			}

			if s := h.reload(t, a.ID).Status; s != tt.wantStatus {
				t.Errorf("status = %s, want %s", s, tt.wantStatus)
			}
			if s := h.slotStatus(t, w); s != tt.wantSlot {
				t.Errorf("slot = %s, want %s", s, tt.wantSlot)
			}

			yearStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			n, err := h.repo.CountCommitted(ctx, h.patient, "psych", yearStart, yearStart.AddDate(1, 0, 0), true)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != tt.wantQuota {
				t.Errorf("committed = %d, want %d", n, tt.wantQuota)
			}
		})
	}
}

func TestCancel_RetainedSlotFreedAfterWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.publish(t, hNow.Add(72*time.Hour))[0]
	a := h.mustBook(t, w, MediumRemote)

	h.clock.Set(w.Start.Add(-time.Hour))
	if _, err := h.svc.Cancel(ctx, a.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	h.clock.Set(w.Start.Add(sessionLength))
	res, _, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.RetainedFreed != 1 {
		t.Errorf("retained freed = %d, want 1", res.RetainedFreed)
	}
	if got := h.slotStatus(t, w); got != slot.StatusFree {
		t.Errorf("slot = %s, want free", got)
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.mustBook(t, h.publish(t, hNow.Add(72*time.Hour))[0], MediumRemote)

	if _, err := h.svc.Cancel(ctx, a.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := h.svc.Cancel(ctx, a.ID, "")
	if !errors.Is(err, apperr.ErrConflict) || apperr.CodeOf(err) != "invalid_transition" {
		t.Fatalf("err = %v, want invalid_transition", err)
	}

	if _, err := h.svc.Cancel(ctx, uuid.New(), ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestReschedule_MovesBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour))
	a := h.mustBook(t, ws[0], MediumRemote)

	h.clock.Advance(time.Hour)
	moved, err := h.svc.Reschedule(ctx, a.ID, ws[1])
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if !moved.Start.Equal(ws[1].Start) || moved.SlotID != slot.SlotID(h.clinician, ws[1].Start) {
		t.Errorf("moved = %s %s", moved.Start, moved.SlotID)
	}
	if moved.Status != StatusScheduled {
		t.Errorf("status = %s", moved.Status)
	}
	if got := h.slotStatus(t, ws[0]); got != slot.StatusFree {
		t.Errorf("old slot = %s, want free", got)
	}
	if got := h.slotStatus(t, ws[1]); got != slot.StatusBooked {
		t.Errorf("new slot = %s, want booked", got)
	}

	reminders := h.unfiredReminders(t, a.ID)
	if len(reminders) != 3 {
		t.Fatalf("reminders = %d, want 3", len(reminders))
	}
	for _, r := range reminders {
		if !r.FireAt.Equal(moved.Start.Add(-r.Offset)) {
			t.Errorf("reminder %s fires at %s, want %s", r.Kind, r.FireAt, moved.Start.Add(-r.Offset))
		}
	}
	if got := h.gateway.Count(notify.KindAppointmentReschedule); got != 2 {
		t.Errorf("reschedule notifications = %d, want 2", got)
	}
}

func TestReschedule_FailureLeavesOriginal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour))
	a := h.mustBook(t, ws[0], MediumRemote)

	other := h.request(ws[1], MediumRemote)
	other.PatientID = uuid.New()
	if _, err := h.svc.Book(ctx, other); err != nil {
		t.Fatalf("book other: %v", err)
	}

	_, err := h.svc.Reschedule(ctx, a.ID, ws[1])
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	got := h.reload(t, a.ID)
	if got.SlotID != a.SlotID || !got.Start.Equal(a.Start) || got.Version != a.Version || got.Status != StatusScheduled {
		t.Errorf("appointment changed: %+v", got)
	}
	if s := h.slotStatus(t, ws[0]); s != slot.StatusBooked {
		t.Errorf("original slot = %s, want booked", s)
	}
	for _, r := range h.unfiredReminders(t, a.ID) {
		if !r.FireAt.Equal(a.Start.Add(-r.Offset)) {
			t.Errorf("reminder %s moved to %s", r.Kind, r.FireAt)
		}
	}
}

func TestReschedule_Rules(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, h *harness, a *Appointment, ws []slot.Window) error
		code string
	}{
		{
			name: "past deadline",
			run: func(t *testing.T, h *harness, a *Appointment, ws []slot.Window) error {
				h.clock.Set(a.RescheduleDeadline)
				_, err := h.svc.Reschedule(context.Background(), a.ID, ws[1])
				return err
			},
			code: "past_deadline",
		},
		{
			name: "same window",
			run: func(t *testing.T, h *harness, a *Appointment, ws []slot.Window) error {
				_, err := h.svc.Reschedule(context.Background(), a.ID, ws[0])
				return err
			},
			code: "same_window",
		},
		{
			name: "cancelled appointment",
			run: func(t *testing.T, h *harness, a *Appointment, ws []slot.Window) error {
				if _, err := h.svc.Cancel(context.Background(), a.ID, ""); err != nil {
					t.Fatalf("cancel: %v", err)
				}
				_, err := h.svc.Reschedule(context.Background(), a.ID, ws[1])
				return err
			},
			code: "invalid_transition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour))
			a := h.mustBook(t, ws[0], MediumRemote)

			err := tt.run(t, h, a, ws)
			if got := apperr.CodeOf(err); got != tt.code {
				t.Fatalf("code = %q, want %q (err %v)", got, tt.code, err)
			}
			if s := h.slotStatus(t, ws[1]); s != slot.StatusFree {
				t.Errorf("target slot = %s, want free", s)
			}
		})
	}
}

func TestReschedule_AtQuotaLimitExcludesItself(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.quota = 1 })
	ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour))
	a := h.mustBook(t, ws[0], MediumRemote)

	if _, err := h.svc.Reschedule(context.Background(), a.ID, ws[1]); err != nil {
		t.Fatalf("reschedule at quota limit: %v", err)
	}
}

func TestSweep_ExpiresPendingHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.publish(t, hNow.Add(72*time.Hour))[0]

	id := uuid.New()
	held, err := h.slots.Hold(ctx, h.clinician, w, id)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := h.repo.Create(ctx, Appointment{
		ID:          id,
		PatientID:   h.patient,
		ClinicianID: h.clinician,
		ServiceID:   "psych",
		SlotID:      held.ID,
		Start:       w.Start,
		Duration:    w.Duration,
		Medium:      MediumRemote,
		Status:      StatusPending,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	h.clock.Advance(31 * time.Second)
	res, expired, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.ExpiredHolders) != 1 || expired != 1 {
		t.Fatalf("expired holders %d, cancelled %d, want 1 and 1", len(res.ExpiredHolders), expired)
	}

	a := h.reload(t, id)
	if a.Status != StatusCancelled || a.CancelReason != ReasonHoldExpired {
		t.Errorf("appointment = %s %q, want cancelled hold_expired", a.Status, a.CancelReason)
	}
	if s := h.slotStatus(t, w); s != slot.StatusFree {
		t.Errorf("slot = %s, want free", s)
	}
}

func TestSuspensionCancelsFutureAppointments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ws := h.publish(t, hNow.Add(48*time.Hour), hNow.Add(72*time.Hour), hNow.Add(96*time.Hour))
	var booked []*Appointment
	for _, w := range ws {
		req := h.request(w, MediumRemote)
		req.PatientID = uuid.New()
		a, err := h.svc.Book(ctx, req)
		if err != nil {
			t.Fatalf("book: %v", err)
		}
		booked = append(booked, a)
	}

	if err := h.regs.UpsertExpiry(ctx, h.clinician, hNow.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("expire registration: %v", err)
	}

	monitor := registration.NewMonitor(h.regs, nil, h.locker, h.svc, h.notifier, h.clock, registration.MonitorConfig{
		Location:      time.UTC,
		WarningWindow: 30 * 24 * time.Hour,
	}, h.svc.log)

	report, err := monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Suspended != 1 || report.Cancelled != 3 {
		t.Fatalf("report = %+v, want 1 suspended and 3 cancelled", report)
	}

	for i, a := range booked {
		got := h.reload(t, a.ID)
		if got.Status != StatusCancelled || got.CancelReason != ReasonClinicianSuspended {
			t.Errorf("appointment %d = %s %q", i, got.Status, got.CancelReason)
		}
		if s := h.slotStatus(t, ws[i]); s != slot.StatusFree {
			t.Errorf("slot %d = %s, want free", i, s)
		}
		if n := len(h.unfiredReminders(t, a.ID)); n != 0 {
			t.Errorf("appointment %d has %d reminders left", i, n)
		}
	}

	again, err := monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Cancelled != 0 {
		t.Errorf("second pass cancelled %d, want 0", again.Cancelled)
	}

	_, err = h.svc.Book(ctx, h.request(ws[0], MediumRemote))
	var rej *compliance.Rejection
	if !errors.As(err, &rej) || rej.Code() != compliance.ReasonClinicianSuspended {
		t.Errorf("booking a suspended clinician: %v", err)
	}
}

func TestEligibility(t *testing.T) {
	start := hNow.Add(48 * time.Hour)

	tests := []struct {
		name      string
		allowLate bool
		at        time.Time
		want      Eligibility
	}{
		{"well ahead", true, hNow, Eligibility{CanReschedule: true, CanCancel: true, FreeCancellation: true}},
		{"inside notice late allowed", true, start.Add(-23 * time.Hour), Eligibility{CanCancel: true}},
		{"inside notice late refused", false, start.Add(-23 * time.Hour), Eligibility{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *harnessConfig) { c.policy.AllowLateCancellation = tt.allowLate })
			a := h.mustBook(t, h.publish(t, start)[0], MediumRemote)

			h.clock.Set(tt.at)
			if got := h.svc.Eligibility(a); got != tt.want {
				t.Errorf("eligibility = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDeadline(t *testing.T) {
	notice := 24 * time.Hour
	grace := time.Hour

	tests := []struct {
		name     string
		start    time.Time
		bookedAt time.Time
		want     time.Time
	}{
		{"notice wins", hNow.Add(72 * time.Hour), hNow, hNow.Add(48 * time.Hour)},
		{"grace after short notice booking", hNow.Add(5 * time.Hour), hNow, hNow.Add(time.Hour)},
		{"grace capped at start", hNow.Add(30 * time.Minute), hNow, hNow.Add(30 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deadline(tt.start, tt.bookedAt, notice, grace); !got.Equal(tt.want) {
				t.Errorf("deadline = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestListByPatient_Clamps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.publish(t, hNow.Add(72*time.Hour), hNow.Add(96*time.Hour), hNow.Add(120*time.Hour))
	for _, w := range ws {
		h.mustBook(t, w, MediumInPerson)
	}

	tests := []struct {
		name          string
		limit, offset int
		want          int
	}{
		{"default limit", 0, 0, 3},
		{"negative offset", 2, -5, 2},
		{"past the end", 10, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.svc.ListByPatient(ctx, h.patient, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}
