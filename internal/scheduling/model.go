package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

type SessionType string

const (
	SessionTelehealth SessionType = "telehealth"
	SessionInPerson   SessionType = "in_person"
)

func (t SessionType) Valid() bool {
	return t == SessionTelehealth || t == SessionInPerson
}

type Practitioner struct {
	ID                   uuid.UUID
	FullName             string
	Specialty            *string
	Timezone             string
	CredentialCurrent    bool
	AcceptingNewPatients bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AvailabilityPattern is one recurring weekly window in the practitioner's
// timezone, expressed as minutes from midnight.
type AvailabilityPattern struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	Weekday        time.Weekday
	StartMinute    int
	EndMinute      int
	SlotMinutes    int
}

type BlockedPeriod struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	StartsAt       time.Time
	EndsAt         time.Time
	Reason         *string
}

type Slot struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	IsAvailable    bool
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Patient is a read-only projection of the identity collaborator.
type Patient struct {
	ID        uuid.UUID
	FullName  string
	Email     *string
	IsNew     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Referral is a read-only projection of the identity collaborator.
type Referral struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	IssuedAt  time.Time
	Referrer  *string
}

// RebateItem is billing reference data, never mutated here.
type RebateItem struct {
	Code               string
	Description        string
	MaxSessionsPerYear int
	RequiresReferral   bool
	Active             bool
}

type Appointment struct {
	ID              uuid.UUID
	SlotID          uuid.UUID
	PatientID       uuid.UUID
	PractitionerID  uuid.UUID
	ServiceCode     string
	SessionType     SessionType
	Status          AppointmentStatus
	ScheduledAt     time.Time
	EndTime         time.Time
	Notes           *string
	VideoRoomHandle *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.ScheduledAt)
}

type ReminderRecord struct {
	AppointmentID uuid.UUID
	Tier          string
	SentAt        time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Slot         *Slot
	Patient      *Patient
	Practitioner *Practitioner
}
