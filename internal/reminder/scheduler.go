package reminder

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/notify"
)

// Sender hands a reminder to the notification boundary.
type Sender interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Appointments tells the scheduler whether an event still matches its
// appointment: live, and starting when the event was computed for.
type Appointments interface {
	Schedule(ctx context.Context, appointmentID uuid.UUID) (start time.Time, live bool, err error)
}

type Scheduler struct {
	store   Store
	sender  Sender
	appts   Appointments
	clock   clock.Clock
	offsets []time.Duration
	wake    chan Event
	log     zerolog.Logger
}

// NewScheduler builds a scheduler. appts may be nil, in which case events are
// fired without checking their appointment.
func NewScheduler(store Store, sender Sender, appts Appointments, clk clock.Clock, offsets []time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		sender:  sender,
		appts:   appts,
		clock:   clk,
		offsets: offsets,
		wake:    make(chan Event, 256),
		log:     logger.With().Str("component", "reminder_scheduler").Logger(),
	}
}

// Register creates one event per configured offset before t.Start. Offsets
// that are already in the past are skipped, and so are occurrences already
// stored for the same start, so registering twice is harmless. It returns
// the events that were added.
func (s *Scheduler) Register(ctx context.Context, t Target) ([]Event, error) {
	now := s.clock.Now()

	events := make([]Event, 0, len(s.offsets))
	for _, off := range s.offsets {
		fireAt := t.Start.Add(-off)
		if !fireAt.After(now) {
			continue
		}
		events = append(events, Event{
			ID:            uuid.New(),
			AppointmentID: t.AppointmentID,
			PatientID:     t.PatientID,
			ClinicianID:   t.ClinicianID,
			SessionStart:  t.Start,
			Kind:          KindFor(off),
			Offset:        off,
			FireAt:        fireAt,
			CreatedAt:     now,
		})
	}

	added, err := s.store.Add(ctx, events)
	if err != nil {
		return nil, err
	}

	for _, e := range added {
		select {
		case s.wake <- e:
		default:
			// the next store refresh picks it up
		}
	}
	return added, nil
}

// Invalidate drops every unfired event of the appointment.
func (s *Scheduler) Invalidate(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	n, err := s.store.Invalidate(ctx, appointmentID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug().Str("appointment_id", appointmentID.String()).Int("count", n).Msg("reminders invalidated")
	}
	return n, nil
}

func (s *Scheduler) ForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Event, error) {
	return s.store.ListByAppointment(ctx, appointmentID)
}

// CatchUp fires every unfired event that is already due and returns the
// rest, ordered by fire time.
func (s *Scheduler) CatchUp(ctx context.Context) (fired int, pending []Event, err error) {
	events, err := s.store.ListUnfired(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("load unfired reminders: %w", err)
	}

	now := s.clock.Now()
	for _, e := range events {
		if !e.Due(now) {
			pending = append(pending, e)
			continue
		}
		if s.fire(ctx, e) {
			fired++
		}
	}
	return fired, pending, nil
}

// Run catches up, then waits for the earliest pending event. Events arrive
// from Register in this process and from a periodic store refresh, which is
// how events registered by other processes are seen.
func (s *Scheduler) Run(ctx context.Context, refresh time.Duration) {
	q := &queue{}
	s.reload(ctx, q)

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.resetTimer(timer, q)

		select {
		case <-ctx.Done():
			s.log.Info().Msg("reminder scheduler stopped")
			return
		case e := <-s.wake:
			heap.Push(q, e)
		case <-ticker.C:
			s.reload(ctx, q)
		case <-timer.C:
			s.fireDue(ctx, q)
		}
	}
}

func (s *Scheduler) reload(ctx context.Context, q *queue) {
	fired, pending, err := s.CatchUp(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reminder reload failed")
		return
	}
	if fired > 0 {
		s.log.Info().Int("fired", fired).Msg("caught up overdue reminders")
	}
	*q = append((*q)[:0], pending...)
	heap.Init(q)
}

func (s *Scheduler) fireDue(ctx context.Context, q *queue) {
	now := s.clock.Now()
	for q.Len() > 0 && (*q)[0].Due(now) {
		s.fire(ctx, heap.Pop(q).(Event))
	}
}

func (s *Scheduler) resetTimer(t *time.Timer, q *queue) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	wait := time.Hour
	if q.Len() > 0 {
		wait = (*q)[0].FireAt.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
	}
	t.Reset(wait)
}

// fire claims e and dispatches it to both participants. A lost claim means
// another scheduler fired it, or the appointment invalidated it. Events of an
// appointment that ended or moved are dropped unsent.
func (s *Scheduler) fire(ctx context.Context, e Event) bool {
	if !s.current(ctx, e) {
		return false
	}

	claimed, err := s.store.MarkFired(ctx, e.ID, s.clock.Now())
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", e.ID.String()).Msg("reminder claim failed")
		return false
	}
	if !claimed {
		return false
	}

	msgCtx := map[string]string{
		"appointment_id": e.AppointmentID.String(),
		"session_start":  e.SessionStart.Format(time.RFC3339),
		"offset":         e.Offset.String(),
	}
	for _, recipient := range []uuid.UUID{e.PatientID, e.ClinicianID} {
		s.sender.Notify(ctx, notify.Message{
			Recipient: recipient.String(),
			Kind:      e.Kind.Template(),
			Context:   msgCtx,
		})
	}

	s.log.Debug().
		Str("event_id", e.ID.String()).
		Str("appointment_id", e.AppointmentID.String()).
		Str("kind", string(e.Kind)).
		Msg("reminder fired")
	return true
}

func (s *Scheduler) current(ctx context.Context, e Event) bool {
	if s.appts == nil {
		return true
	}
	start, live, err := s.appts.Schedule(ctx, e.AppointmentID)
	if err != nil {
		// left unfired; the next reload retries it
		s.log.Warn().Err(err).Str("event_id", e.ID.String()).Msg("reminder appointment lookup failed")
		return false
	}
	if live && start.Equal(e.SessionStart) {
		return true
	}

	if err := s.store.Drop(ctx, e.ID); err != nil {
		s.log.Warn().Err(err).Str("event_id", e.ID.String()).Msg("failed to drop stale reminder")
		return false
	}
	s.log.Debug().
		Str("event_id", e.ID.String()).
		Str("appointment_id", e.AppointmentID.String()).
		Bool("live", live).
		Msg("stale reminder dropped")
	return false
}

// queue is a min-heap of events by fire time.
type queue []Event

func (q queue) Len() int            { return len(q) }
func (q queue) Less(i, j int) bool  { return q[i].FireAt.Before(q[j].FireAt) }
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(Event)) }
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}
