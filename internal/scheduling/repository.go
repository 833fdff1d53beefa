package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrPractitionerNotFound = errors.New("practitioner not found")
	ErrSlotNotFound         = errors.New("slot not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrRebateItemNotFound   = errors.New("rebate item not found")
	ErrReferralNotFound     = errors.New("no referral on file")
)

// ClaimParams carries everything the claim transaction needs to turn an open
// slot into a scheduled appointment.
type ClaimParams struct {
	SlotID      uuid.UUID
	PatientID   uuid.UUID
	ServiceCode string
	SessionType SessionType
	Notes       *string
}

// PolicyStore is the read surface the policy engine evaluates against. The
// Postgres repository implements it twice over: pool-scoped for the fail-fast
// pre-check and transaction-scoped for the commit-time re-check.
type PolicyStore interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetRebateItem(ctx context.Context, code string) (*RebateItem, error)
	CountApprovedClaims(ctx context.Context, patientID uuid.UUID, itemCode string, year int) (int, error)
	GetLatestReferral(ctx context.Context, patientID uuid.UUID) (*Referral, error)
}

// Repository contains all DB interactions needed by the booking service,
// availability generator and sweeps.
type Repository interface {
	PolicyStore

	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByRoomHandle(ctx context.Context, handle string) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)

	// Availability
	ListPatterns(ctx context.Context, practitionerID uuid.UUID) ([]AvailabilityPattern, error)
	ListBlockedPeriods(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]BlockedPeriod, error)
	InsertSlots(ctx context.Context, slots []Slot) (int, error)
	ListOpenSlots(ctx context.Context, practitionerID uuid.UUID, from, to, notBefore time.Time) ([]Slot, error)

	// Claim / release. ClaimSlot runs the conditional slot update, the policy
	// re-check and the appointment insert in one transaction; recheck sees a
	// transaction-scoped PolicyStore.
	ClaimSlot(ctx context.Context, p ClaimParams, recheck func(ctx context.Context, store PolicyStore) error) (*Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	RescheduleAppointment(ctx context.Context, id, newSlotID uuid.UUID, recheck func(ctx context.Context, store PolicyStore) error) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)

	// Sweeps
	FindElapsedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error)
	FindOverdueScheduled(ctx context.Context, cutoff time.Time) ([]Appointment, error)
	FindActiveScheduledBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)
	RecordReminder(ctx context.Context, appointmentID uuid.UUID, tier string) (bool, error)

	// Telehealth
	BindVideoRoom(ctx context.Context, appointmentID uuid.UUID, handle string) (string, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
