package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling-engine/internal/appointment"
)

func bookAppointmentHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
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

		appt, err := svc.Book(r.Context(), appointment.BookRequest{
			PatientID:   patientID,
			ClinicianID: clinicianID,
			ServiceID:   req.ServiceID,
			Window:      req.Window.window(),
			Medium:      appointment.Medium(req.Medium),
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt, svc.Eligibility(appt)))
	}
}

func getAppointmentHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, svc.Eligibility(appt)))
	}
}

func listAppointmentsHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		patientID, ok := parseUUID(w, q.Get("patient_id"), "patient_id")
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		list, err := svc.ListByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		out := make([]AppointmentResponse, 0, len(list))
		for i := range list {
			out = append(out, toAppointmentResponse(&list[i], svc.Eligibility(&list[i])))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func appointmentEventsHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if _, err := svc.Get(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}

		events, err := svc.Events(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if events == nil {
			events = []appointment.EventLog{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func cancelAppointmentHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		appt, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, svc.Eligibility(appt)))
	}
}

func rescheduleAppointmentHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, req.Window.window())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, svc.Eligibility(appt)))
	}
}

func startAppointmentHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Start(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, svc.Eligibility(appt)))
	}
}

type participantAction func(svc Appointments, r *http.Request, id, participantID uuid.UUID) (*appointment.Appointment, error)

func participantHandler(svc Appointments, action participantAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ParticipantRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		participantID, ok := parseUUID(w, req.ParticipantID, "participant_id")
		if !ok {
			return
		}

		appt, err := action(svc, r, id, participantID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, svc.Eligibility(appt)))
	}
}

func joinHandler(svc Appointments) http.HandlerFunc {
	return participantHandler(svc, func(svc Appointments, r *http.Request, id, p uuid.UUID) (*appointment.Appointment, error) {
		return svc.RecordJoin(r.Context(), id, p)
	})
}

func leaveHandler(svc Appointments) http.HandlerFunc {
	return participantHandler(svc, func(svc Appointments, r *http.Request, id, p uuid.UUID) (*appointment.Appointment, error) {
		return svc.RecordLeave(r.Context(), id, p)
	})
}

func issueAccessHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ParticipantRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		participantID, ok := parseUUID(w, req.ParticipantID, "participant_id")
		if !ok {
			return
		}

		cred, err := svc.IssueAccess(r.Context(), id, participantID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, cred)
	}
}

func verifyAccessHandler(svc Appointments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req VerifyAccessRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		participantID, ok := parseUUID(w, req.ParticipantID, "participant_id")
		if !ok {
			return
		}

		if err := svc.VerifyAccess(r.Context(), id, participantID, req.Token); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
