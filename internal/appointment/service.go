package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
	"github.com/hackgods/clinical-scheduling-engine/internal/reminder"
	"github.com/hackgods/clinical-scheduling-engine/internal/session"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

var (
	ErrUnknownAppointment = apperr.NotFound("appointment_not_found", "appointment not found")
	ErrAppointmentBusy    = apperr.Conflict("appointment_busy", "appointment is being changed, please retry")
	ErrQuotaBusy          = apperr.Conflict("quota_busy", "another booking for this patient and service is in progress, please retry")
	ErrPastDeadline       = apperr.Conflict("past_deadline", "the deadline for this change has passed")
	ErrWindowNotOpen      = apperr.Conflict("window_not_open", "session window has not opened yet")
	ErrWindowElapsed      = apperr.Conflict("window_elapsed", "session window has already ended")
	ErrNoSession          = apperr.Conflict("session_not_started", "appointment has no active session")
	ErrNotParticipant     = apperr.Validation("not_participant", "participant is not part of this appointment")
	ErrSameWindow         = apperr.Validation("same_window", "appointment is already at that time")
	ErrInvalidMedium      = apperr.Validation("invalid_medium", "medium must be in_person or remote")
	ErrInvalidBooking     = apperr.Validation("invalid_request", "patient, clinician, service and window are required")
)

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Policy holds the time rules applied to every appointment.
type Policy struct {
	CancelNotice          time.Duration
	RescheduleNotice      time.Duration
	BookingGrace          time.Duration
	AllowLateCancellation bool
	JoinEarly             time.Duration
}

type Deps struct {
	Repo      Repository
	Slots     *slot.Allocator
	Checker   *compliance.Checker
	Sessions  *session.Orchestrator
	Reminders *reminder.Scheduler
	Notifier  Notifier
	Locker    lock.Locker
	Clock     clock.Clock
}

// Service drives appointments through their lifecycle. Slot ownership,
// compliance, sessions and reminders are delegated; this type decides when
// each is called and keeps the appointment record consistent with them.
type Service struct {
	repo      Repository
	slots     *slot.Allocator
	checker   *compliance.Checker
	sessions  *session.Orchestrator
	reminders *reminder.Scheduler
	notifier  Notifier
	locker    lock.Locker
	clock     clock.Clock
	policy    Policy
	log       zerolog.Logger
}

func NewService(d Deps, p Policy, logger zerolog.Logger) *Service {
	return &Service{
		repo:      d.Repo,
		slots:     d.Slots,
		checker:   d.Checker,
		sessions:  d.Sessions,
		reminders: d.Reminders,
		notifier:  d.Notifier,
		locker:    d.Locker,
		clock:     d.Clock,
		policy:    p,
		log:       logger.With().Str("component", "appointment_service").Logger(),
	}
}

type BookRequest struct {
	PatientID   uuid.UUID
	ClinicianID uuid.UUID
	ServiceID   string
	Window      slot.Window
	Medium      Medium
}

func (r BookRequest) validate() error {
	if r.PatientID == uuid.Nil || r.ClinicianID == uuid.Nil || r.ServiceID == "" || r.Window.Start.IsZero() {
		return ErrInvalidBooking
	}
	if r.Window.Duration <= 0 {
		return slot.ErrInvalidWindow
	}
	if !r.Medium.Valid() {
		return ErrInvalidMedium
	}
	return nil
}

func (r BookRequest) compliance() compliance.Request {
	return compliance.Request{
		PatientID:   r.PatientID,
		ClinicianID: r.ClinicianID,
		ServiceID:   r.ServiceID,
		At:          r.Window.Start,
	}
}

// Book runs the booking flow: compliance pre-check, slot hold, pending
// appointment, then re-check and confirm under the patient's quota lock.
// A rejected pre-check touches no slot. A failure after the hold cancels the
// pending appointment with the reason and frees the slot.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	creq := req.compliance()

	if err := s.checker.Require(ctx, creq); err != nil {
		return nil, err
	}

	id := uuid.New()
	held, err := s.slots.Hold(ctx, req.ClinicianID, req.Window, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	created, err := s.repo.Create(ctx, Appointment{
		ID:                 id,
		PatientID:          req.PatientID,
		ClinicianID:        req.ClinicianID,
		ServiceID:          req.ServiceID,
		SlotID:             held.ID,
		Start:              req.Window.Start,
		Duration:           req.Window.Duration,
		Medium:             req.Medium,
		Status:             StatusPending,
		CancelDeadline:     deadline(req.Window.Start, now, s.policy.CancelNotice, s.policy.BookingGrace),
		RescheduleDeadline: deadline(req.Window.Start, now, s.policy.RescheduleNotice, s.policy.BookingGrace),
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		s.freeSlot(ctx, held.ID, id)
		return nil, fmt.Errorf("create pending appointment: %w", err)
	}

	s.logEvent(ctx, id, EventAppointmentCreated, map[string]any{
		"slot_id":    held.ID.String(),
		"service_id": req.ServiceID,
		"start":      req.Window.Start,
	})

	scheduled, err := s.commit(ctx, created, creq)
	if err != nil {
		s.reject(ctx, created, err)
		return nil, err
	}

	s.afterScheduled(ctx, scheduled)
	return scheduled, nil
}

// commit is pending -> scheduled. The quota is re-read under the quota lock
// so concurrent bookings for the same (patient, service, year) serialize here
// and the loser sees the winner's appointment.
func (s *Service) commit(ctx context.Context, a *Appointment, creq compliance.Request) (*Appointment, error) {
	var out *Appointment

	key := lock.QuotaKey(a.PatientID, a.ServiceID, s.checker.Year(a.Start))
	err := s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		if err := s.checker.Require(lockCtx, creq); err != nil {
			return err
		}
		if _, err := s.slots.Confirm(lockCtx, a.SlotID, a.ID); err != nil {
			return err
		}

		next := *a
		next.Status = StatusScheduled
		next.UpdatedAt = s.clock.Now()
		updated, err := s.repo.Update(lockCtx, next, StatusPending)
		if err != nil {
			return s.storeErr(err)
		}
		out = updated
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrQuotaBusy
	}
	return out, err
}

// reject cancels a pending appointment whose commit failed and frees its slot.
func (s *Service) reject(ctx context.Context, a *Appointment, cause error) {
	reason := reasonOf(cause)
	now := s.clock.Now()

	next := *a
	next.Status = StatusCancelled
	next.CancelReason = reason
	next.CancelledAt = &now
	next.UpdatedAt = now
	if _, err := s.repo.Update(ctx, next, StatusPending); err != nil && !errors.Is(err, ErrStaleAppointment) {
		s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to cancel rejected booking")
	}
	s.freeSlot(ctx, a.SlotID, a.ID)

	s.logEvent(ctx, a.ID, EventAppointmentRejected, map[string]any{"reason": reason})
}

func reasonOf(err error) string {
	var rej *compliance.Rejection
	if errors.As(err, &rej) {
		return string(rej.Code())
	}
	if code := apperr.CodeOf(err); code != "" {
		return code
	}
	return "booking_failed"
}

func (s *Service) afterScheduled(ctx context.Context, a *Appointment) {
	err := s.withAppointment(ctx, a.ID, func(lockCtx context.Context, cur *Appointment) error {
		if cur.Status != StatusScheduled {
			return nil
		}
		s.syncReminders(lockCtx, cur, false)
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to register reminders")
	}
	s.notifyParticipants(ctx, a, notify.KindAppointmentScheduled, nil)
	s.logEvent(ctx, a.ID, EventAppointmentScheduled, map[string]any{"slot_id": a.SlotID.String()})

	s.log.Info().
		Str("appointment_id", a.ID.String()).
		Str("patient_id", a.PatientID.String()).
		Str("clinician_id", a.ClinicianID.String()).
		Time("start", a.Start).
		Msg("appointment scheduled")
}

// Cancel cancels a pending or scheduled appointment. Before the cancel
// deadline the slot is freed; after it the cancellation is late, allowed only
// when policy permits, and the slot stays booked until the window ends.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	if reason == "" {
		reason = ReasonPatientRequest
	}

	var out *Appointment
	err := s.withAppointment(ctx, id, func(lockCtx context.Context, a *Appointment) error {
		if err := checkTransition(a, StatusCancelled); err != nil {
			return err
		}

		now := s.clock.Now()
		late := a.Status == StatusScheduled && !now.Before(a.CancelDeadline)
		if late && !s.policy.AllowLateCancellation {
			return ErrPastDeadline.With("deadline", a.CancelDeadline)
		}

		next := *a
		next.Status = StatusCancelled
		next.CancelReason = reason
		next.LateCancellation = late
		next.CancelledAt = &now
		next.UpdatedAt = now
		updated, err := s.repo.Update(lockCtx, next, a.Status)
		if err != nil {
			return s.storeErr(err)
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.LateCancellation {
		if _, err := s.slots.Release(ctx, out.SlotID, out.ID, *out.CancelledAt); err != nil {
			s.log.Error().Err(err).Str("slot_id", out.SlotID.String()).Msg("failed to retain slot after late cancellation")
		}
	} else {
		s.freeSlot(ctx, out.SlotID, out.ID)
	}

	s.afterCancelled(ctx, out)
	return out, nil
}

func (s *Service) afterCancelled(ctx context.Context, a *Appointment) {
	if _, err := s.reminders.Invalidate(ctx, a.ID); err != nil {
		s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to invalidate reminders")
	}
	s.sessions.Teardown(ctx, a.ID)
	s.notifyParticipants(ctx, a, notify.KindAppointmentCancelled, map[string]string{"reason": a.CancelReason})
	s.logEvent(ctx, a.ID, EventAppointmentCancelled, map[string]any{
		"reason": a.CancelReason,
		"late":   a.LateCancellation,
	})
}

// Reschedule moves a scheduled appointment to another window of the same
// clinician. Compliance for the new window is checked before any lock is
// taken; under the locks only the quota is recounted. The new slot is held
// and confirmed before the appointment is touched, so a failure leaves the
// original booking as it was.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, w slot.Window) (*Appointment, error) {
	if w.Duration <= 0 || w.Start.IsZero() {
		return nil, slot.ErrInvalidWindow
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.canMove(a, w, s.clock.Now()); err != nil {
		return nil, err
	}
	cctx, err := s.checker.BuildContext(ctx, compliance.Request{
		PatientID:   a.PatientID,
		ClinicianID: a.ClinicianID,
		ServiceID:   a.ServiceID,
		At:          w.Start,
	})
	if err != nil {
		return nil, err
	}
	if d := s.checker.Evaluate(withoutSelf(cctx, a, s.checker.Year(a.Start))); !d.Accepted {
		return nil, &compliance.Rejection{Decision: d}
	}

	var (
		out *Appointment
		old Appointment
	)
	err = s.withAppointment(ctx, id, func(lockCtx context.Context, cur *Appointment) error {
		now := s.clock.Now()
		if err := s.canMove(cur, w, now); err != nil {
			return err
		}

		old = *cur
		updated, err := s.moveTo(lockCtx, cur, w, now, cctx)
		if err != nil {
			return err
		}
		out = updated
		s.syncReminders(lockCtx, out, true)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// the old window is released before its deadline, so always freed
	s.freeSlot(ctx, old.SlotID, old.ID)

	s.notifyParticipants(ctx, out, notify.KindAppointmentReschedule, map[string]string{
		"previous_start": old.Start.Format(time.RFC3339),
	})
	s.logEvent(ctx, out.ID, EventAppointmentRescheduled, map[string]any{
		"from_slot": old.SlotID.String(),
		"to_slot":   out.SlotID.String(),
		"start":     out.Start,
	})
	return out, nil
}

func (s *Service) canMove(a *Appointment, w slot.Window, now time.Time) error {
	if a.Status != StatusScheduled {
		return ErrInvalidTransition.With("from", a.Status).With("to", StatusScheduled)
	}
	if !now.Before(a.RescheduleDeadline) {
		return ErrPastDeadline.With("deadline", a.RescheduleDeadline)
	}
	if w.Start.Equal(a.Start) && w.Duration == a.Duration {
		return ErrSameWindow
	}
	return nil
}

// withoutSelf removes the appointment being moved from the quota usage when
// it counts toward the same year.
func withoutSelf(cctx compliance.Context, a *Appointment, year int) compliance.Context {
	if year == cctx.Year && cctx.Usage > 0 {
		cctx.Usage--
	}
	return cctx
}

// moveTo recounts the quota for the new window under the quota lock, holds
// and confirms the new slot and swaps it into the record. cctx carries the
// rest of the compliance context, checked by the caller.
func (s *Service) moveTo(ctx context.Context, a *Appointment, w slot.Window, now time.Time, cctx compliance.Context) (*Appointment, error) {
	var out *Appointment

	key := lock.QuotaKey(a.PatientID, a.ServiceID, cctx.Year)
	err := s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		usage, err := s.checker.Usage(lockCtx, a.PatientID, a.ServiceID, w.Start)
		if err != nil {
			return err
		}
		cctx.Usage = usage
		if d := s.checker.Evaluate(withoutSelf(cctx, a, s.checker.Year(a.Start))); !d.Accepted {
			return &compliance.Rejection{Decision: d}
		}

		held, err := s.slots.Hold(lockCtx, a.ClinicianID, w, a.ID)
		if err != nil {
			return err
		}
		if _, err := s.slots.Confirm(lockCtx, held.ID, a.ID); err != nil {
			s.freeSlot(ctx, held.ID, a.ID)
			return err
		}

		next := *a
		next.SlotID = held.ID
		next.Start = w.Start
		next.Duration = w.Duration
		next.CancelDeadline = deadline(w.Start, now, s.policy.CancelNotice, s.policy.BookingGrace)
		next.RescheduleDeadline = deadline(w.Start, now, s.policy.RescheduleNotice, s.policy.BookingGrace)
		next.UpdatedAt = now
		updated, err := s.repo.Update(lockCtx, next, StatusScheduled)
		if err != nil {
			s.freeSlot(ctx, held.ID, a.ID)
			return s.storeErr(err)
		}
		out = updated
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrQuotaBusy
	}
	return out, err
}

// syncReminders registers reminders for a's current start, replacing the
// unfired ones first when replace is set. Callers hold the appointment lock.
// The suspension cascade cancels without that lock, so the status is read
// again afterwards and the new set dropped if the appointment ended.
func (s *Service) syncReminders(ctx context.Context, a *Appointment, replace bool) {
	if replace {
		if _, err := s.reminders.Invalidate(ctx, a.ID); err != nil {
			s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to invalidate reminders")
		}
	}
	if _, err := s.reminders.Register(ctx, targetOf(a)); err != nil {
		s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to register reminders")
		return
	}

	cur, err := s.repo.Get(ctx, a.ID)
	if err != nil || !cur.Status.Terminal() {
		return
	}
	if _, err := s.reminders.Invalidate(ctx, a.ID); err != nil {
		s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to invalidate reminders")
	}
}

// Start moves a scheduled appointment to in_progress once its window is open.
// Remote appointments are bound to a session first, outside any lock; if the
// appointment moved on meanwhile the new session is torn down again.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusInProgress {
		return a, nil
	}
	if err := checkTransition(a, StatusInProgress); err != nil {
		return nil, err
	}
	if err := s.windowOpen(a, s.clock.Now()); err != nil {
		return nil, err
	}

	var sessionID *uuid.UUID
	if a.Medium == MediumRemote {
		sess, err := s.sessions.Bind(ctx, a.ID)
		if err != nil {
			if apperr.CodeOf(err) == session.CodeBindFailed {
				s.markBindFailed(ctx, a.ID, err)
			}
			return nil, err
		}
		sessionID = &sess.ID
	}

	var out *Appointment
	err = s.withAppointment(ctx, id, func(lockCtx context.Context, cur *Appointment) error {
		if cur.Status == StatusInProgress {
			out = cur
			return nil
		}
		if err := checkTransition(cur, StatusInProgress); err != nil {
			return err
		}
		now := s.clock.Now()
		next := *cur
		next.Status = StatusInProgress
		next.SessionID = sessionID
		next.StartedAt = &now
		next.UpdatedAt = now
		updated, err := s.repo.Update(lockCtx, next, StatusScheduled)
		if err != nil {
			return s.storeErr(err)
		}
		out = updated
		return nil
	})
	if err != nil {
		if sessionID != nil {
			if cur, getErr := s.repo.Get(ctx, id); getErr == nil && cur.Status.Terminal() {
				s.sessions.Teardown(ctx, id)
			}
		}
		return nil, err
	}

	s.logEvent(ctx, out.ID, EventAppointmentStarted, map[string]any{"medium": out.Medium})
	return out, nil
}

// markBindFailed stops automatic starts after a bind gave up. The alert was
// raised by the orchestrator; a manual Start can still retry.
func (s *Service) markBindFailed(ctx context.Context, id uuid.UUID, cause error) {
	marked := false
	err := s.withAppointment(ctx, id, func(lockCtx context.Context, a *Appointment) error {
		if a.Status != StatusScheduled || a.BindFailedAt != nil {
			return nil
		}
		now := s.clock.Now()
		next := *a
		next.BindFailedAt = &now
		next.UpdatedAt = now
		if _, err := s.repo.Update(lockCtx, next, StatusScheduled); err != nil {
			return s.storeErr(err)
		}
		marked = true
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("appointment_id", id.String()).Msg("failed to record bind failure")
		return
	}
	if marked {
		s.logEvent(ctx, id, EventSessionBindFailed, map[string]any{"error": cause.Error()})
	}
}

func (s *Service) windowOpen(a *Appointment, now time.Time) error {
	if now.Before(a.Start.Add(-s.policy.JoinEarly)) {
		return ErrWindowNotOpen.With("opens_at", a.Start.Add(-s.policy.JoinEarly))
	}
	if !now.Before(a.End()) {
		return ErrWindowElapsed
	}
	return nil
}

// RecordJoin notes that a participant is in the session. For in-person
// appointments the first check-in inside the window starts the appointment.
func (s *Service) RecordJoin(ctx context.Context, id, participantID uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := s.withAppointment(ctx, id, func(lockCtx context.Context, a *Appointment) error {
		if err := participantOf(a, participantID); err != nil {
			return err
		}
		now := s.clock.Now()
		next := *a

		switch a.Status {
		case StatusInProgress:
		case StatusScheduled:
			if a.Medium != MediumInPerson {
				return ErrNoSession
			}
			if err := s.windowOpen(a, now); err != nil {
				return err
			}
			next.Status = StatusInProgress
			next.StartedAt = &now
		default:
			return checkTransition(a, StatusInProgress)
		}

		if participantID == a.PatientID {
			if next.PatientJoinedAt == nil {
				next.PatientJoinedAt = &now
			}
			next.PatientLeftAt = nil
		} else {
			if next.ClinicianJoinedAt == nil {
				next.ClinicianJoinedAt = &now
			}
			next.ClinicianLeftAt = nil
		}
		next.UpdatedAt = now

		updated, err := s.repo.Update(lockCtx, next, a.Status)
		if err != nil {
			return s.storeErr(err)
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.SessionID != nil {
		if _, err := s.sessions.Activate(ctx, *out.SessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", out.SessionID.String()).Msg("failed to activate session")
		}
	}
	s.logEvent(ctx, out.ID, EventParticipantJoined, map[string]any{"participant_id": participantID.String()})
	return out, nil
}

// RecordLeave notes a disconnect. Once both participants have joined and
// left, the session has ended normally and the appointment completes.
func (s *Service) RecordLeave(ctx context.Context, id, participantID uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := s.withAppointment(ctx, id, func(lockCtx context.Context, a *Appointment) error {
		if err := participantOf(a, participantID); err != nil {
			return err
		}
		if a.Status != StatusInProgress {
			return ErrNoSession
		}

		now := s.clock.Now()
		next := *a
		if participantID == a.PatientID {
			next.PatientLeftAt = &now
		} else {
			next.ClinicianLeftAt = &now
		}
		if next.bothLeft() {
			next.Status = StatusCompleted
			next.EndedAt = &now
		}
		next.UpdatedAt = now

		updated, err := s.repo.Update(lockCtx, next, StatusInProgress)
		if err != nil {
			return s.storeErr(err)
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, out.ID, EventParticipantLeft, map[string]any{"participant_id": participantID.String()})
	if out.Status == StatusCompleted {
		s.afterEnded(ctx, out)
	}
	return out, nil
}

// Complete ends an in-progress appointment explicitly.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := s.withAppointment(ctx, id, func(lockCtx context.Context, a *Appointment) error {
		if a.Status != StatusInProgress {
			return ErrInvalidTransition.With("from", a.Status).With("to", StatusCompleted)
		}
		updated, err := s.end(lockCtx, a, StatusCompleted)
		out = updated
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterEnded(ctx, out)
	return out, nil
}

// closeWindow settles an appointment whose window has elapsed: completed if
// anyone joined, otherwise no_show. A remote appointment that never started
// stays scheduled for staff to resolve.
func (s *Service) closeWindow(ctx context.Context, id uuid.UUID) error {
	var out *Appointment
	err := s.withAppointment(ctx, id, func(lockCtx context.Context, a *Appointment) error {
		if s.clock.Now().Before(a.End()) {
			return nil
		}

		var to Status
		switch {
		case a.Status == StatusInProgress && a.anyJoined():
			to = StatusCompleted
		case a.Status == StatusInProgress:
			to = StatusNoShow
		case a.Status == StatusScheduled && a.Medium == MediumInPerson:
			to = StatusNoShow
		default:
			return nil
		}

		updated, err := s.end(lockCtx, a, to)
		out = updated
		return err
	})
	if err != nil || out == nil {
		return err
	}
	s.afterEnded(ctx, out)
	return nil
}

func (s *Service) end(ctx context.Context, a *Appointment, to Status) (*Appointment, error) {
	if err := checkTransition(a, to); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next := *a
	next.Status = to
	next.EndedAt = &now
	next.UpdatedAt = now
	updated, err := s.repo.Update(ctx, next, a.Status)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return updated, nil
}

func (s *Service) afterEnded(ctx context.Context, a *Appointment) {
	s.sessions.Teardown(ctx, a.ID)

	event := EventAppointmentCompleted
	if a.Status == StatusNoShow {
		event = EventAppointmentNoShow
	}
	s.logEvent(ctx, a.ID, event, map[string]any{})
}

// ExpireHolds cancels pending appointments whose slot hold lapsed. Holders
// that are not pending appointments are ignored.
func (s *Service) ExpireHolds(ctx context.Context, holders []uuid.UUID) int {
	n := 0
	for _, id := range holders {
		var expired *Appointment
		err := s.withAppointment(ctx, id, func(lockCtx context.Context, a *Appointment) error {
			if a.Status != StatusPending {
				return nil
			}
			now := s.clock.Now()
			next := *a
			next.Status = StatusCancelled
			next.CancelReason = ReasonHoldExpired
			next.CancelledAt = &now
			next.UpdatedAt = now
			updated, err := s.repo.Update(lockCtx, next, StatusPending)
			if err != nil {
				return s.storeErr(err)
			}
			expired = updated
			return nil
		})
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				s.log.Warn().Err(err).Str("appointment_id", id.String()).Msg("failed to expire pending appointment")
			}
			continue
		}
		if expired != nil {
			n++
			s.logEvent(ctx, id, EventAppointmentCancelled, map[string]any{"reason": ReasonHoldExpired})
		}
	}
	return n
}

// Sweep reaps lapsed holds and ended retained slots, then cancels the
// pending appointments that lost their hold.
func (s *Service) Sweep(ctx context.Context) (slot.SweepResult, int, error) {
	res, err := s.slots.Sweep(ctx)
	if err != nil {
		return res, 0, err
	}
	return res, s.ExpireHolds(ctx, res.ExpiredHolders), nil
}

// CancelClinicianFuture is the suspension cascade. All affected appointments
// are cancelled in one repository step; the clinician's remaining slots are
// then freed, except those of sessions already in progress. Repeating it is
// harmless, and a failed slot release is completed by the next call.
func (s *Service) CancelClinicianFuture(ctx context.Context, clinicianID uuid.UUID, reason string) (int, error) {
	now := s.clock.Now()

	cancelled, err := s.repo.CancelClinicianFuture(ctx, clinicianID, now, reason)
	if err != nil {
		return 0, err
	}

	for i := range cancelled {
		s.afterCancelled(ctx, &cancelled[i])
	}

	live, err := s.repo.ListInProgress(ctx, clinicianID)
	if err != nil {
		return len(cancelled), fmt.Errorf("list in-progress appointments: %w", err)
	}
	keep := make(map[uuid.UUID]bool, len(live))
	for _, a := range live {
		keep[a.ID] = true
	}

	if _, err := s.slots.ReleaseClinicianFrom(ctx, clinicianID, now, keep); err != nil {
		return len(cancelled), fmt.Errorf("release clinician slots: %w", err)
	}
	return len(cancelled), nil
}

// IssueAccess hands a participant a credential for the live session.
func (s *Service) IssueAccess(ctx context.Context, id, participantID uuid.UUID) (*session.Credential, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := participantOf(a, participantID); err != nil {
		return nil, err
	}
	if a.Status != StatusInProgress || a.SessionID == nil {
		return nil, ErrNoSession
	}
	return s.sessions.IssueAccess(ctx, *a.SessionID, participantID)
}

func (s *Service) VerifyAccess(ctx context.Context, id, participantID uuid.UUID, token string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.SessionID == nil {
		return ErrNoSession
	}
	return s.sessions.VerifyAccess(ctx, *a.SessionID, participantID, token)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrUnknownAppointment
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

// ListByPatient retrieves appointments for a specific patient
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]EventLog, error) {
	return s.repo.ListEvents(ctx, id)
}

// Eligibility is recomputed from the deadlines on every call.
func (s *Service) Eligibility(a *Appointment) Eligibility {
	now := s.clock.Now()
	beforeCancel := now.Before(a.CancelDeadline)

	var e Eligibility
	switch a.Status {
	case StatusScheduled:
		e.CanReschedule = now.Before(a.RescheduleDeadline)
		e.FreeCancellation = beforeCancel
		e.CanCancel = beforeCancel || s.policy.AllowLateCancellation
	case StatusPending:
		e.FreeCancellation = true
		e.CanCancel = true
	}
	return e
}

// withAppointment runs fn on a fresh copy of the appointment under its lock.
func (s *Service) withAppointment(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, a *Appointment) error) error {
	err := s.locker.WithLock(ctx, lock.AppointmentKey(id), func(lockCtx context.Context) error {
		a, err := s.repo.Get(lockCtx, id)
		if err != nil {
			return s.storeErr(err)
		}
		return fn(lockCtx, a)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return ErrAppointmentBusy
	}
	return err
}

func (s *Service) storeErr(err error) error {
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return ErrUnknownAppointment
	case errors.Is(err, ErrStaleAppointment):
		return ErrAppointmentBusy
	}
	return err
}

func (s *Service) freeSlot(ctx context.Context, slotID, holder uuid.UUID) {
	if _, err := s.slots.ForceRelease(ctx, slotID, holder); err != nil {
		s.log.Error().Err(err).
			Str("slot_id", slotID.String()).
			Str("holder", holder.String()).
			Msg("failed to release slot")
	}
}

func participantOf(a *Appointment, participantID uuid.UUID) error {
	if participantID != a.PatientID && participantID != a.ClinicianID {
		return ErrNotParticipant
	}
	return nil
}

func targetOf(a *Appointment) reminder.Target {
	return reminder.Target{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		ClinicianID:   a.ClinicianID,
		Start:         a.Start,
	}
}

func (s *Service) notifyParticipants(ctx context.Context, a *Appointment, kind notify.TemplateKind, extra map[string]string) {
	msgCtx := map[string]string{
		"appointment_id": a.ID.String(),
		"service_id":     a.ServiceID,
		"start":          a.Start.Format(time.RFC3339),
		"medium":         string(a.Medium),
	}
	for k, v := range extra {
		msgCtx[k] = v
	}
	for _, recipient := range []uuid.UUID{a.PatientID, a.ClinicianID} {
		s.notifier.Notify(ctx, notify.Message{Recipient: recipient.String(), Kind: kind, Context: msgCtx})
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}
