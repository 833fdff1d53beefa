package scheduling

import "github.com/google/uuid"

// Actor is the closed set of caller identities the policy engine reasons
// about. The unexported marker keeps the variant closed to this package.
type Actor interface {
	actorRole() string
}

type PatientActor struct {
	ID uuid.UUID
}

type PractitionerActor struct {
	ID uuid.UUID
}

type AdminActor struct {
	ID uuid.UUID
}

func (PatientActor) actorRole() string      { return "patient" }
func (PractitionerActor) actorRole() string { return "practitioner" }
func (AdminActor) actorRole() string        { return "admin" }

// MayBookFor reports whether the actor can create a booking on behalf of the
// given patient. Patients book only for themselves; clinic staff book for
// anyone. A nil actor is an internal caller and is not restricted.
func MayBookFor(a Actor, patientID uuid.UUID) bool {
	switch actor := a.(type) {
	case PatientActor:
		return actor.ID == patientID
	case PractitionerActor, AdminActor:
		return true
	case nil:
		return true
	}
	return false
}
