package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventKind string

const (
	WindowOpened  EventKind = "window_opened"
	WindowElapsed EventKind = "window_elapsed"
)

// Event is a time-based trigger for one appointment.
type Event struct {
	Kind          EventKind
	AppointmentID uuid.UUID
}

// Handle applies a lifecycle event. Events are level-triggered and may repeat;
// an event that no longer applies is a no-op.
func (s *Service) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case WindowOpened:
		a, err := s.Get(ctx, ev.AppointmentID)
		if err != nil {
			return err
		}
		if a.Status != StatusScheduled || a.BindFailedAt != nil {
			return nil
		}
		_, err = s.Start(ctx, ev.AppointmentID)
		return err
	case WindowElapsed:
		return s.closeWindow(ctx, ev.AppointmentID)
	default:
		return fmt.Errorf("unknown lifecycle event %q", ev.Kind)
	}
}

// Driver turns the passage of time into lifecycle events. A scan emits
// events onto a queue; a single consumer feeds them to the service.
type Driver struct {
	svc    *Service
	events chan Event
	log    zerolog.Logger
}

func NewDriver(svc *Service, logger zerolog.Logger) *Driver {
	return &Driver{
		svc:    svc,
		events: make(chan Event, 64),
		log:    logger.With().Str("component", "lifecycle_driver").Logger(),
	}
}

// Due returns the event an appointment is waiting for at now, if any.
// Remote appointments open automatically unless a bind already gave up;
// in-person ones wait for check-in.
func Due(a Appointment, now time.Time, joinEarly time.Duration) (Event, bool) {
	switch {
	case !now.Before(a.End()):
		return Event{Kind: WindowElapsed, AppointmentID: a.ID}, true
	case a.Status == StatusScheduled && a.Medium == MediumRemote && a.BindFailedAt == nil && !now.Before(a.Start.Add(-joinEarly)):
		return Event{Kind: WindowOpened, AppointmentID: a.ID}, true
	}
	return Event{}, false
}

// Scan queues an event for every open appointment that is due.
func (d *Driver) Scan(ctx context.Context) (int, error) {
	now := d.svc.clock.Now()
	open, err := d.svc.repo.ListOpen(ctx, now.Add(d.svc.policy.JoinEarly))
	if err != nil {
		return 0, fmt.Errorf("list open appointments: %w", err)
	}

	n := 0
	for _, a := range open {
		ev, ok := Due(a, now, d.svc.policy.JoinEarly)
		if !ok {
			continue
		}
		select {
		case d.events <- ev:
			n++
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
	return n, nil
}

// Run scans on every tick and consumes the queue until ctx is done.
func (d *Driver) Run(ctx context.Context, interval time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.consume(ctx)
	}()

	d.scan(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-done
			d.log.Info().Msg("lifecycle driver stopped")
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Driver) scan(ctx context.Context) {
	n, err := d.Scan(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("lifecycle scan failed")
		return
	}
	if n > 0 {
		d.log.Debug().Int("events", n).Msg("lifecycle events queued")
	}
}

func (d *Driver) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			if err := d.svc.Handle(ctx, ev); err != nil {
				d.log.Warn().
					Err(err).
					Str("appointment_id", ev.AppointmentID.String()).
					Str("event", string(ev.Kind)).
					Msg("lifecycle event failed")
			}
		}
	}
}

// Drain handles every queued event synchronously.
func (d *Driver) Drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.events:
			if err := d.svc.Handle(ctx, ev); err != nil {
				d.log.Warn().Err(err).Str("appointment_id", ev.AppointmentID.String()).Msg("lifecycle event failed")
			}
		default:
			return
		}
	}
}
