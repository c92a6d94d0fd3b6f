package api

import (
	"net/http"
	"time"

	"github.com/hackgods/clinical-scheduling-engine/internal/compliance"
	"github.com/hackgods/clinical-scheduling-engine/internal/slot"
)

func publishSlotsHandler(avail Availability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicianID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req PublishSlotsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Windows) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "at least one window is required")
			return
		}

		windows := make([]slot.Window, 0, len(req.Windows))
		for _, wr := range req.Windows {
			windows = append(windows, wr.window())
		}

		created, err := avail.Publish(r.Context(), clinicianID, windows)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, slotResponses(created))
	}
}

// listSlotsHandler serves GET /clinicians/{id}/slots?from=&to=&free=true.
// from and to are RFC 3339; either may be omitted.
func listSlotsHandler(avail Availability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicianID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		q := r.URL.Query()
		from, ok := queryTime(w, q.Get("from"), "from")
		if !ok {
			return
		}
		to, ok := queryTime(w, q.Get("to"), "to")
		if !ok {
			return
		}

		list := avail.ListByClinician
		if q.Get("free") == "true" {
			list = avail.ListFree
		}
		slots, err := list(r.Context(), clinicianID, from, to)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, slotResponses(slots))
	}
}

func queryTime(w http.ResponseWriter, raw, field string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}

func slotResponses(slots []slot.TimeSlot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func complianceCheckHandler(checker Compliance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ComplianceCheckRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		patientID, ok := parseUUID(w, req.PatientID, "patient_id")
		if !ok {
			return
		}
		clinicianID, ok := parseUUID(w, req.ClinicianID, "clinician_id")
		if !ok {
			return
		}
		if req.At.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_at", "at is required")
			return
		}

		d, cctx, err := checker.Check(r.Context(), compliance.Request{
			PatientID:   patientID,
			ClinicianID: clinicianID,
			ServiceID:   req.ServiceID,
			At:          req.At,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		reasons := d.Reasons
		if reasons == nil {
			reasons = []compliance.Reason{}
		}
		writeJSON(w, http.StatusOK, ComplianceCheckResponse{
			Accepted: d.Accepted,
			Reasons:  reasons,
			Year:     cctx.Year,
			Usage:    cctx.Usage,
			Quota:    checker.Quota(cctx.Service),
		})
	}
}

func getRegistrationHandler(regs Registrations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicianID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		reg, err := regs.Get(r.Context(), clinicianID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toRegistrationResponse(reg))
	}
}

func reinstateHandler(regs Registrations, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicianID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ReinstateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		expiry, err := time.ParseInLocation(time.DateOnly, req.ExpiryDate, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_expiry_date", "expiry_date must be YYYY-MM-DD")
			return
		}

		reg, err := regs.Reinstate(r.Context(), clinicianID, expiry)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toRegistrationResponse(reg))
	}
}
