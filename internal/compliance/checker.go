package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/clock"
	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
)

var ErrServiceNotFound = errors.New("service not found")

// History answers "how many committed appointments does the patient have
// for this service in [from, to)".
type History interface {
	CountCommitted(ctx context.Context, patientID uuid.UUID, serviceID string, from, to time.Time) (int, error)
}

type Referrals interface {
	HasValidReferral(ctx context.Context, patientID uuid.UUID, serviceID string, at time.Time) (bool, error)
}

type Registrations interface {
	ClinicianStatus(ctx context.Context, clinicianID uuid.UUID) (registration.Status, error)
}

type Catalog interface {
	Service(ctx context.Context, id string) (*Service, error)
}

// Request identifies a booking candidate.
type Request struct {
	PatientID   uuid.UUID
	ClinicianID uuid.UUID
	ServiceID   string
	At          time.Time
}

// Checker assembles a fresh Context from the read ports and runs the Engine.
// It never writes, so it can serve both the booking path and standalone
// pre-checks.
type Checker struct {
	engine        *Engine
	history       History
	referrals     Referrals
	registrations Registrations
	catalog       Catalog
	loc           *time.Location
}

func NewChecker(engine *Engine, history History, referrals Referrals, registrations Registrations, catalog Catalog, loc *time.Location) *Checker {
	if loc == nil {
		loc = time.UTC
	}
	return &Checker{
		engine:        engine,
		history:       history,
		referrals:     referrals,
		registrations: registrations,
		catalog:       catalog,
		loc:           loc,
	}
}

// Check evaluates req and returns the decision together with the context
// it was computed from.
func (c *Checker) Check(ctx context.Context, req Request) (Decision, Context, error) {
	cctx, err := c.BuildContext(ctx, req)
	if err != nil {
		return Decision{}, Context{}, err
	}
	return c.engine.Evaluate(cctx), cctx, nil
}

// Require is Check that turns a rejection into a *Rejection error.
func (c *Checker) Require(ctx context.Context, req Request) error {
	d, _, err := c.Check(ctx, req)
	if err != nil {
		return err
	}
	if !d.Accepted {
		return &Rejection{Decision: d}
	}
	return nil
}

func (c *Checker) BuildContext(ctx context.Context, req Request) (Context, error) {
	if req.PatientID == uuid.Nil || req.ClinicianID == uuid.Nil || req.ServiceID == "" {
		return Context{}, apperr.Validation("invalid_request", "patient, clinician and service are required")
	}

	svc, err := c.catalog.Service(ctx, req.ServiceID)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return Context{}, apperr.NotFound("service_not_found", fmt.Sprintf("unknown service %q", req.ServiceID))
		}
		return Context{}, fmt.Errorf("load service: %w", err)
	}

	from, to := clock.YearBounds(req.At, c.loc)
	usage, err := c.history.CountCommitted(ctx, req.PatientID, svc.ID, from, to)
	if err != nil {
		return Context{}, fmt.Errorf("count committed appointments: %w", err)
	}

	referral := false
	if svc.ReferralGated {
		referral, err = c.referrals.HasValidReferral(ctx, req.PatientID, svc.ID, req.At)
		if err != nil {
			return Context{}, fmt.Errorf("check referral: %w", err)
		}
	}

	registered := true
	status, err := c.registrations.ClinicianStatus(ctx, req.ClinicianID)
	if err != nil {
		if !errors.Is(err, registration.ErrRegistrationNotFound) {
			return Context{}, fmt.Errorf("load clinician registration: %w", err)
		}
		registered = false
	}

	return Context{
		PatientID:       req.PatientID,
		ClinicianID:     req.ClinicianID,
		Service:         *svc,
		At:              req.At,
		Year:            from.Year(),
		Usage:           usage,
		ReferralOnFile:  referral,
		ClinicianStatus: status,
		Registered:      registered,
	}, nil
}

// Usage recounts the patient's committed appointments for the service in
// the quota year of at.
func (c *Checker) Usage(ctx context.Context, patientID uuid.UUID, serviceID string, at time.Time) (int, error) {
	from, to := clock.YearBounds(at, c.loc)
	n, err := c.history.CountCommitted(ctx, patientID, serviceID, from, to)
	if err != nil {
		return 0, fmt.Errorf("count committed appointments: %w", err)
	}
	return n, nil
}

// Quota exposes the yearly limit that applies to a service.
func (c *Checker) Quota(s Service) int {
	return c.engine.QuotaFor(s)
}

// Evaluate runs the rules over a context the caller adjusted, such as a
// reschedule that must not count the appointment being moved.
func (c *Checker) Evaluate(cctx Context) Decision {
	return c.engine.Evaluate(cctx)
}

// Year is the quota year that t falls in.
func (c *Checker) Year(t time.Time) int {
	return t.In(c.loc).Year()
}
