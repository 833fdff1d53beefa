package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling/internal/scheduling"
)

type CreateAppointmentRequest struct {
	PatientID      string  `json:"patient_id" validate:"required,uuid"`
	PractitionerID string  `json:"practitioner_id" validate:"required,uuid"`
	ServiceCode    string  `json:"service_code" validate:"required,max=32"`
	SlotID         string  `json:"slot_id" validate:"required,uuid"`
	SessionType    string  `json:"session_type" validate:"required,oneof=telehealth in_person"`
	Notes          *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type RescheduleAppointmentRequest struct {
	NewSlotID string `json:"new_slot_id" validate:"required,uuid"`
}

type MaterializeAvailabilityRequest struct {
	From time.Time `json:"from" validate:"required"`
	To   time.Time `json:"to" validate:"required"`
}

type BookingResponse struct {
	AppointmentID uuid.UUID            `json:"appointment_id"`
	Status        string               `json:"status"`
	ScheduledAt   time.Time            `json:"scheduled_at"`
	PolicyInfo    *scheduling.Decision `json:"policy_info,omitempty"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	SlotID          uuid.UUID `json:"slot_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	PractitionerID  uuid.UUID `json:"practitioner_id"`
	ServiceCode     string    `json:"service_code"`
	SessionType     string    `json:"session_type"`
	Status          string    `json:"status"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	EndTime         time.Time `json:"end_time"`
	VideoRoomHandle *string   `json:"video_room_handle,omitempty"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		SlotID:          a.SlotID,
		PatientID:       a.PatientID,
		PractitionerID:  a.PractitionerID,
		ServiceCode:     a.ServiceCode,
		SessionType:     string(a.SessionType),
		Status:          string(a.Status),
		ScheduledAt:     a.ScheduledAt,
		EndTime:         a.EndTime,
		VideoRoomHandle: a.VideoRoomHandle,
	}
}

type SlotResponse struct {
	ID        uuid.UUID `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type AvailabilityResponse struct {
	PractitionerID uuid.UUID      `json:"practitioner_id"`
	Slots          []SlotResponse `json:"slots"`
}

type MaterializeResponse struct {
	SlotsCreated int `json:"slots_created"`
}

type VideoRoomResponse struct {
	RoomHandle       string `json:"room_handle"`
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type VideoWebhookEvent struct {
	Event string `json:"event"`
	Room  string `json:"room"`
}

type ErrorResponse struct {
	Error      string                 `json:"error"`
	Details    string                 `json:"details,omitempty"`
	Violations []scheduling.Violation `json:"violations,omitempty"`
}
