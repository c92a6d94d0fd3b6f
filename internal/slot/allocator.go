package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
)

var (
	ErrAlreadyHeld    = apperr.Conflict("slot_already_held", "slot is held by another booking")
	ErrSlotConflict   = apperr.Conflict("slot_conflict", "slot is already booked")
	ErrHoldExpired    = apperr.Conflict("hold_expired", "slot hold expired before confirmation")
	ErrSlotBusy       = apperr.Conflict("slot_being_booked", "slot is currently being booked, please retry")
	ErrOverlap        = apperr.Conflict("slot_overlap", "window overlaps an existing slot")
	ErrUnknownSlot    = apperr.NotFound("slot_not_found", "no bookable slot for that window")
	ErrInvalidWindow  = apperr.Validation("invalid_window", "window must have a positive duration")
	ErrWindowMismatch = apperr.Validation("window_mismatch", "window does not match the published slot")
	ErrWindowInPast   = apperr.Validation("window_in_past", "window has already started")
)

// Allocator owns the bookable windows of every clinician and guarantees at
// most one holder per slot. Every mutation of a slot happens inside the
// slot's lock and is persisted with a versioned compare-and-swap.
type Allocator struct {
	store   Store
	locker  lock.Locker
	clock   clock.Clock
	holdTTL time.Duration
	log     zerolog.Logger
}

func NewAllocator(store Store, locker lock.Locker, clk clock.Clock, holdTTL time.Duration, logger zerolog.Logger) *Allocator {
	return &Allocator{
		store:   store,
		locker:  locker,
		clock:   clk,
		holdTTL: holdTTL,
		log:     logger.With().Str("component", "slot_allocator").Logger(),
	}
}

// Publish makes windows bookable for a clinician. Windows may not overlap
// each other or any slot the clinician already offers.
func (a *Allocator) Publish(ctx context.Context, clinicianID uuid.UUID, windows []Window) ([]TimeSlot, error) {
	if len(windows) == 0 {
		return nil, nil
	}

	now := a.clock.Now()
	for i, w := range windows {
		if w.Duration <= 0 {
			return nil, ErrInvalidWindow
		}
		if w.Start.Before(now) {
			return nil, ErrWindowInPast
		}
		for _, other := range windows[i+1:] {
			if w.Overlaps(other) {
				return nil, ErrOverlap.With("start", w.Start)
			}
		}
	}

	from, to := span(windows)
	var created []TimeSlot

	err := a.locker.WithLock(ctx, lock.ClinicianKey(clinicianID), func(lockCtx context.Context) error {
		existing, err := a.store.ListByClinician(lockCtx, clinicianID, from, to)
		if err != nil {
			return fmt.Errorf("list clinician slots: %w", err)
		}
		for _, w := range windows {
			for _, s := range existing {
				if w.Overlaps(s.Window()) {
					return ErrOverlap.With("start", w.Start)
				}
			}
		}

		created = make([]TimeSlot, 0, len(windows))
		for _, w := range windows {
			created = append(created, TimeSlot{
				ID:          SlotID(clinicianID, w.Start),
				ClinicianID: clinicianID,
				Start:       w.Start,
				Duration:    w.Duration,
				Status:      StatusFree,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		if err := a.store.Insert(lockCtx, created); err != nil {
			if errors.Is(err, ErrSlotExists) {
				return ErrOverlap
			}
			return fmt.Errorf("insert slots: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, a.lockErr(err)
	}

	a.log.Info().
		Str("clinician_id", clinicianID.String()).
		Int("count", len(created)).
		Msg("slots published")

	return created, nil
}

// Hold reserves the clinician's slot at w for holder. The reservation lapses
// after the hold TTL unless confirmed. Holding again for the same holder
// refreshes the hold.
func (a *Allocator) Hold(ctx context.Context, clinicianID uuid.UUID, w Window, holder uuid.UUID) (*TimeSlot, error) {
	if w.Duration <= 0 {
		return nil, ErrInvalidWindow
	}
	now := a.clock.Now()
	if !w.Start.After(now) {
		return nil, ErrWindowInPast
	}

	id := SlotID(clinicianID, w.Start)
	return a.mutate(ctx, id, func(s *TimeSlot, now time.Time) error {
		if s.Duration != w.Duration {
			return ErrWindowMismatch
		}

		switch {
		case s.Status == StatusFree, s.HoldExpired(now):
		case s.Status == StatusHeld && s.HolderID == holder:
		case s.Status == StatusHeld:
			return ErrAlreadyHeld
		default:
			return ErrSlotConflict
		}

		expires := now.Add(a.holdTTL)
		s.Status = StatusHeld
		s.HolderID = holder
		s.HoldExpiresAt = &expires
		s.RetainedUntil = nil
		return nil
	})
}

// Confirm turns holder's live hold into a booking. Confirming a slot already
// booked by the same holder is a no-op.
func (a *Allocator) Confirm(ctx context.Context, slotID, holder uuid.UUID) (*TimeSlot, error) {
	return a.mutate(ctx, slotID, func(s *TimeSlot, now time.Time) error {
		switch s.Status {
		case StatusBooked:
			if s.HolderID == holder && s.RetainedUntil == nil {
				return errNoChange
			}
			return ErrSlotConflict
		case StatusHeld:
			if s.HolderID != holder {
				if s.HoldExpired(now) {
					return ErrHoldExpired
				}
				return ErrAlreadyHeld
			}
			if s.HoldExpired(now) {
				return ErrHoldExpired
			}
		default:
			return ErrHoldExpired
		}

		s.Status = StatusBooked
		s.HoldExpiresAt = nil
		return nil
	})
}

// ReleaseResult reports what Release did with the slot.
type ReleaseResult struct {
	Slot     TimeSlot
	Freed    bool
	Retained bool
}

// Release gives up holder's claim on the slot. Holds are always freed. A
// booking is freed only while now is before deadline; otherwise the slot
// stays booked until its window ends.
func (a *Allocator) Release(ctx context.Context, slotID, holder uuid.UUID, deadline time.Time) (ReleaseResult, error) {
	var res ReleaseResult

	s, err := a.mutate(ctx, slotID, func(s *TimeSlot, now time.Time) error {
		if s.HolderID != holder || s.Status == StatusFree {
			return errNoChange
		}
		if s.Status == StatusBooked && !now.Before(deadline) {
			if s.RetainedUntil != nil {
				return errNoChange
			}
			end := s.End()
			s.RetainedUntil = &end
			res.Retained = true
			return nil
		}
		s.free()
		res.Freed = true
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	res.Slot = *s
	return res, nil
}

// ForceRelease frees the slot regardless of deadlines, provided holder still
// owns it. Used when the engine itself cancels a booking.
func (a *Allocator) ForceRelease(ctx context.Context, slotID, holder uuid.UUID) (*TimeSlot, error) {
	return a.mutate(ctx, slotID, func(s *TimeSlot, _ time.Time) error {
		if s.HolderID != holder || s.Status == StatusFree {
			return errNoChange
		}
		s.free()
		return nil
	})
}

// ReleaseClinicianFrom frees every non-free slot of the clinician that has
// not ended by from, except those held by an appointment in keep. It is
// idempotent and returns how many slots changed.
func (a *Allocator) ReleaseClinicianFrom(ctx context.Context, clinicianID uuid.UUID, from time.Time, keep map[uuid.UUID]bool) (int, error) {
	slots, err := a.store.ListByClinician(ctx, clinicianID, from, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("list clinician slots: %w", err)
	}

	freed := 0
	for _, s := range slots {
		if s.Status == StatusFree || keep[s.HolderID] {
			continue
		}
		changed := false
		_, err := a.mutate(ctx, s.ID, func(cur *TimeSlot, _ time.Time) error {
			if cur.Status == StatusFree || keep[cur.HolderID] {
				return errNoChange
			}
			cur.free()
			changed = true
			return nil
		})
		if err != nil {
			return freed, fmt.Errorf("release slot %s: %w", s.ID, err)
		}
		if changed {
			freed++
		}
	}
	return freed, nil
}

// SweepResult lists holders whose holds lapsed during a sweep.
type SweepResult struct {
	ExpiredHolders []uuid.UUID
	RetainedFreed  int
}

// Sweep returns lapsed holds and ended retained bookings to free.
func (a *Allocator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	candidates, err := a.store.ListReapable(ctx, a.clock.Now())
	if err != nil {
		return res, fmt.Errorf("list reapable slots: %w", err)
	}

	for _, c := range candidates {
		var holder uuid.UUID
		var retained bool
		_, err := a.mutate(ctx, c.ID, func(s *TimeSlot, now time.Time) error {
			if !reapable(*s, now) {
				return errNoChange
			}
			holder = s.HolderID
			retained = s.Status == StatusBooked
			s.free()
			return nil
		})
		if err != nil {
			a.log.Warn().Err(err).Str("slot_id", c.ID.String()).Msg("failed to reap slot")
			continue
		}
		if holder == uuid.Nil {
			continue
		}
		if retained {
			res.RetainedFreed++
		} else {
			res.ExpiredHolders = append(res.ExpiredHolders, holder)
		}
	}

	return res, nil
}

func (a *Allocator) Get(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	s, err := a.store.Get(ctx, slotID)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrUnknownSlot
	}
	return s, err
}

// ListByClinician returns the clinician's slots intersecting [from, to).
func (a *Allocator) ListByClinician(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	return a.store.ListByClinician(ctx, clinicianID, from, to)
}

// ListFree returns the bookable slots of the clinician in [from, to) that
// have not started yet. Lapsed holds count as free.
func (a *Allocator) ListFree(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	slots, err := a.store.ListByClinician(ctx, clinicianID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list clinician slots: %w", err)
	}

	now := a.clock.Now()
	free := slots[:0]
	for _, s := range slots {
		if !s.Start.After(now) {
			continue
		}
		if s.Status == StatusFree || s.HoldExpired(now) {
			free = append(free, s)
		}
	}
	return free, nil
}

var errNoChange = errors.New("no change")

// mutate loads the slot under its lock, applies fn and stores the result.
// fn returning errNoChange leaves the slot untouched and is not an error.
func (a *Allocator) mutate(ctx context.Context, id uuid.UUID, fn func(s *TimeSlot, now time.Time) error) (*TimeSlot, error) {
	var out *TimeSlot

	err := a.locker.WithLock(ctx, lock.SlotKey(id), func(lockCtx context.Context) error {
		s, err := a.store.Get(lockCtx, id)
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				return ErrUnknownSlot
			}
			return fmt.Errorf("load slot: %w", err)
		}

		now := a.clock.Now()
		if err := fn(s, now); err != nil {
			if errors.Is(err, errNoChange) {
				out = s
				return nil
			}
			return err
		}

		s.UpdatedAt = now
		updated, err := a.store.Update(lockCtx, *s)
		if err != nil {
			if errors.Is(err, ErrStaleSlot) {
				return ErrSlotBusy
			}
			return fmt.Errorf("update slot: %w", err)
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, a.lockErr(err)
	}
	return out, nil
}

func (a *Allocator) lockErr(err error) error {
	if errors.Is(err, lock.ErrNotAcquired) {
		return ErrSlotBusy
	}
	return err
}

func span(windows []Window) (time.Time, time.Time) {
	from, to := windows[0].Start, windows[0].End()
	for _, w := range windows[1:] {
		if w.Start.Before(from) {
			from = w.Start
		}
		if w.End().After(to) {
			to = w.End()
		}
	}
	return from, to
}
