package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinical-scheduling-engine/internal/db"
)

// Schema reports which embedded migrations have been applied.
type Schema interface {
	Status(ctx context.Context) ([]db.MigrationStatus, error)
}

type HealthHandler struct {
	pgPool  *pgxpool.Pool
	redis   *redis.Client
	schema  Schema
	env     string
	version string
}

func NewHealthHandler(pgPool *pgxpool.Pool, redis *redis.Client, schema Schema, env, version string) *HealthHandler {
	return &HealthHandler{
		pgPool:  pgPool,
		redis:   redis,
		schema:  schema,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	Env           string            `json:"env,omitempty"`
	SchemaVersion int               `json:"schema_version,omitempty"`
	Dependencies  map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

// Readiness is "error" when Postgres is down or the schema is behind, and
// "degraded" when only Redis is down: reads still work, but every booking
// mutation needs its locks.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.version,
		Env:          h.env,
		Dependencies: make(map[string]string),
	}
	fail := func(name, state string) {
		resp.Dependencies[name] = state
		resp.Status = "error"
	}

	switch {
	case h.pgPool == nil:
		resp.Dependencies["postgres"] = "not_configured"
	case ping(ctx, h.pgPool.Ping) != nil:
		fail("postgres", "down")
	default:
		resp.Dependencies["postgres"] = "ok"
	}

	if h.schema != nil && resp.Dependencies["postgres"] == "ok" {
		version, pending, err := schemaState(ctx, h.schema)
		switch {
		case err != nil:
			fail("schema", "unknown")
		case pending > 0:
			fail("schema", fmt.Sprintf("pending:%d", pending))
		default:
			resp.Dependencies["schema"] = "ok"
		}
		resp.SchemaVersion = version
	}

	switch {
	case h.redis == nil:
		resp.Dependencies["redis"] = "not_configured"
	case ping(ctx, func(c context.Context) error { return h.redis.Ping(c).Err() }) != nil:
		resp.Dependencies["redis"] = "down"
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	default:
		resp.Dependencies["redis"] = "ok"
	}

	httpStatus := http.StatusOK
	if resp.Status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}

func ping(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return fn(c)
}

// schemaState returns the highest applied migration and how many are pending.
func schemaState(ctx context.Context, s Schema) (version, pending int, err error) {
	statuses, err := s.Status(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, st := range statuses {
		if !st.Applied {
			pending++
			continue
		}
		if st.Version > version {
			version = st.Version
		}
	}
	return version, pending, nil
}
