package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/hackgods/clinical-scheduling-engine/internal/apperr"
	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/lock"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeAppError maps the engine's error kinds onto HTTP statuses. Anything
// unclassified is logged and reported as internal_error.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *compliance.Rejection
	if errors.As(err, &rej) {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   string(rej.Code()),
			Message: "booking rejected by compliance rules",
			Reasons: rej.Decision.Reasons,
		})
		return
	}

	if errors.Is(err, lock.ErrNotAcquired) {
		writeError(w, http.StatusConflict, "resource_busy", "resource is locked by another request, please retry")
		return
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		hlog.FromRequest(r).Error().Err(err).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrExternal):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("code", ae.Code).Msg("request failed")
	}

	writeJSON(w, status, ErrorResponse{Error: ae.Code, Message: ae.Message, Details: ae.Details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseUUID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
