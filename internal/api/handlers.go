package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicore/scheduling/internal/scheduling"
	"github.com/clinicore/scheduling/internal/telehealth"
)

var validate = validator.New()

type Handlers struct {
	svc          *scheduling.Service
	availability *scheduling.AvailabilityGenerator
	correlator   *telehealth.Correlator
	log          *zap.Logger
}

func NewHandlers(svc *scheduling.Service, availability *scheduling.AvailabilityGenerator, correlator *telehealth.Correlator, log *zap.Logger) *Handlers {
	return &Handlers{
		svc:          svc,
		availability: availability,
		correlator:   correlator,
		log:          log,
	}
}

// actorFromRequest builds the acting identity from gateway-supplied headers.
// Authentication happens upstream; absent headers mean the patient in the
// request body is acting for themselves.
func actorFromRequest(r *http.Request, fallbackPatient uuid.UUID) scheduling.Actor {
	role := r.Header.Get("X-Acting-Role")
	idStr := r.Header.Get("X-Acting-ID")

	id, err := uuid.Parse(idStr)
	if err != nil {
		return scheduling.PatientActor{ID: fallbackPatient}
	}

	switch role {
	case "practitioner":
		return scheduling.PractitionerActor{ID: id}
	case "admin":
		return scheduling.AdminActor{ID: id}
	default:
		return scheduling.PatientActor{ID: id}
	}
}

func (h *Handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	patientID, _ := uuid.Parse(req.PatientID)
	practitionerID, _ := uuid.Parse(req.PractitionerID)
	slotID, _ := uuid.Parse(req.SlotID)

	result, err := h.svc.Book(r.Context(), scheduling.BookingRequest{
		Actor:          actorFromRequest(r, patientID),
		PatientID:      patientID,
		PractitionerID: practitionerID,
		SlotID:         slotID,
		ServiceCode:    req.ServiceCode,
		SessionType:    scheduling.SessionType(req.SessionType),
		Notes:          req.Notes,
	})
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	resp := BookingResponse{
		AppointmentID: result.Appointment.ID,
		Status:        string(result.Appointment.Status),
		ScheduledAt:   result.Appointment.ScheduledAt,
		PolicyInfo:    &result.Policy,
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	detail, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(&detail.Appointment))
}

func (h *Handlers) listPatientAppointments(w http.ResponseWriter, r *http.Request) {
	patientID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	details, err := h.svc.ListAppointmentsByPatient(r.Context(), patientID, limit, offset)
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(details))
	for i := range details {
		resp = append(resp, toAppointmentResponse(&details[i].Appointment))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) confirmAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	appt, err := h.svc.Confirm(r.Context(), id)
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	appt, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req RescheduleAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	newSlotID, _ := uuid.Parse(req.NewSlotID)

	// The reschedule body names no patient, so headerless callers fall back
	// to the appointment's own patient acting for themselves.
	fallback := uuid.Nil
	if r.Header.Get("X-Acting-ID") == "" {
		detail, err := h.svc.GetAppointment(r.Context(), id)
		if err != nil {
			h.handleSchedulingError(w, err)
			return
		}
		fallback = detail.PatientID
	}

	appt, err := h.svc.Reschedule(r.Context(), id, newSlotID, actorFromRequest(r, fallback))
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) listAvailability(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	from, to, ok := parseRangeQuery(w, r)
	if !ok {
		return
	}

	slots, err := h.availability.ListOpen(r.Context(), practitionerID, from, to)
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	resp := AvailabilityResponse{
		PractitionerID: practitionerID,
		Slots:          make([]SlotResponse, 0, len(slots)),
	}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, SlotResponse{ID: s.ID, StartTime: s.StartTime, EndTime: s.EndTime})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) materializeAvailability(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req MaterializeAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	created, err := h.availability.Materialize(r.Context(), practitionerID, req.From, req.To)
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MaterializeResponse{SlotsCreated: created})
}

func (h *Handlers) createVideoRoom(w http.ResponseWriter, r *http.Request) {
	if h.correlator == nil {
		writeError(w, http.StatusServiceUnavailable, "video_disabled", "no video provider is configured")
		return
	}

	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	identity := r.Header.Get("X-Acting-ID")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "missing_identity", "X-Acting-ID header is required")
		return
	}

	token, err := h.correlator.AccessToken(r.Context(), id, identity)
	if err != nil {
		h.handleSchedulingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VideoRoomResponse{
		RoomHandle:       token.Handle,
		Token:            token.Token,
		ExpiresInSeconds: int(token.ExpiresIn.Seconds()),
	})
}

func (h *Handlers) videoWebhook(w http.ResponseWriter, r *http.Request) {
	var ev VideoWebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	if ev.Event == "room.closed" && ev.Room != "" {
		if err := h.svc.CompleteFromRoomEvent(r.Context(), ev.Room); err != nil {
			h.log.Warn("video webhook processing failed",
				zap.String("room", ev.Room),
				zap.Error(err),
			)
		}
	}

	// Always ack; the provider retries on non-2xx and these events are
	// best-effort hints, not the source of truth.
	w.WriteHeader(http.StatusNoContent)
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseRangeQuery(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be an RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be an RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *Handlers) handleSchedulingError(w http.ResponseWriter, err error) {
	var pv *scheduling.PolicyViolationError
	if errors.As(err, &pv) {
		resp := ErrorResponse{
			Error:      "policy_violation",
			Details:    pv.Error(),
			Violations: pv.Decision.Violations,
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	switch {
	case errors.Is(err, scheduling.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, scheduling.ErrPractitionerNotFound):
		writeError(w, http.StatusNotFound, "practitioner_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotAlreadyBooked):
		writeError(w, http.StatusConflict, "slot_already_booked", err.Error())
	case errors.Is(err, scheduling.ErrSlotExpired):
		writeError(w, http.StatusConflict, "slot_expired", err.Error())
	case errors.Is(err, scheduling.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", "slot is currently being booked, please retry with another slot")
	case errors.Is(err, scheduling.ErrSlotPractitionerMismatch):
		writeError(w, http.StatusConflict, "slot_practitioner_mismatch", err.Error())
	case errors.Is(err, scheduling.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, scheduling.ErrCancellationWindowClosed):
		writeError(w, http.StatusConflict, "cancellation_window_closed", err.Error())
	case errors.Is(err, scheduling.ErrRescheduleWindowClosed):
		writeError(w, http.StatusConflict, "reschedule_window_closed", err.Error())
	case errors.Is(err, scheduling.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, scheduling.ErrInvalidSessionType):
		writeError(w, http.StatusBadRequest, "invalid_session_type", err.Error())
	case errors.Is(err, telehealth.ErrNotTelehealth):
		writeError(w, http.StatusBadRequest, "not_telehealth", err.Error())
	case errors.Is(err, telehealth.ErrAppointmentNotActive):
		writeError(w, http.StatusConflict, "appointment_not_active", err.Error())
	default:
		h.log.Error("unhandled scheduling error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
