package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/registration"
	"github.com/hackgods/clinical-scheduling-engine/internal/session"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

type Appointments interface {
	Book(ctx context.Context, req appointment.BookRequest) (*appointment.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, w slot.Window) (*appointment.Appointment, error)
	Start(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	RecordJoin(ctx context.Context, id, participantID uuid.UUID) (*appointment.Appointment, error)
	RecordLeave(ctx context.Context, id, participantID uuid.UUID) (*appointment.Appointment, error)
	IssueAccess(ctx context.Context, id, participantID uuid.UUID) (*session.Credential, error)
	VerifyAccess(ctx context.Context, id, participantID uuid.UUID, token string) error
	Events(ctx context.Context, id uuid.UUID) ([]appointment.EventLog, error)
	Eligibility(a *appointment.Appointment) appointment.Eligibility
}

type Availability interface {
	Publish(ctx context.Context, clinicianID uuid.UUID, windows []slot.Window) ([]slot.TimeSlot, error)
	ListByClinician(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]slot.TimeSlot, error)
	ListFree(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]slot.TimeSlot, error)
}

type Compliance interface {
	Check(ctx context.Context, req compliance.Request) (compliance.Decision, compliance.Context, error)
	Quota(s compliance.Service) int
}

type Registrations interface {
	Get(ctx context.Context, clinicianID uuid.UUID) (*registration.Registration, error)
	Reinstate(ctx context.Context, clinicianID uuid.UUID, expiry time.Time) (*registration.Registration, error)
}

type RouterConfig struct {
	Appointments  Appointments
	Availability  Availability
	Compliance    Compliance
	Registrations Registrations
	PgPool        *pgxpool.Pool
	Redis         *redis.Client
	Schema        Schema
	Location      *time.Location
	Env           string
	Version       string
	Logger        zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Schema, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", bookAppointmentHandler(cfg.Appointments))
		r.Get("/", listAppointmentsHandler(cfg.Appointments))

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", getAppointmentHandler(cfg.Appointments))
			r.Get("/events", appointmentEventsHandler(cfg.Appointments))
			r.Post("/cancel", cancelAppointmentHandler(cfg.Appointments))
			r.Post("/reschedule", rescheduleAppointmentHandler(cfg.Appointments))
			r.Post("/start", startAppointmentHandler(cfg.Appointments))
			r.Post("/join", joinHandler(cfg.Appointments))
			r.Post("/leave", leaveHandler(cfg.Appointments))
			r.Post("/access", issueAccessHandler(cfg.Appointments))
			r.Post("/access/verify", verifyAccessHandler(cfg.Appointments))
		})
	})

	r.Post("/compliance/check", complianceCheckHandler(cfg.Compliance))

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	r.Route("/clinicians/{id}", func(r chi.Router) {
		r.Post("/slots", publishSlotsHandler(cfg.Availability))
		r.Get("/slots", listSlotsHandler(cfg.Availability))
		r.Get("/registration", getRegistrationHandler(cfg.Registrations))
		r.Post("/registration/reinstate", reinstateHandler(cfg.Registrations, loc))
	})

	return r
}
