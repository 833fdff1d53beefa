package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Violation codes surfaced to clients. Each is remediable on their side.
const (
	ViolationActorNotPermitted = "actor_not_permitted"
	ViolationItemInactive      = "rebate_item_inactive"
	ViolationSessionCapReached = "session_cap_reached"
	ViolationReferralRequired  = "referral_required"
	ViolationReferralExpired   = "referral_expired"
	ViolationCredentialLapsed  = "practitioner_credential_lapsed"
	ViolationNotAcceptingNew   = "practitioner_not_accepting_new_patients"
)

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Used and Remaining are populated for session-cap violations only.
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// PolicyViolationError carries the full decision so handlers can return the
// machine-readable violation list.
type PolicyViolationError struct {
	Decision Decision
}

func (e *PolicyViolationError) Error() string {
	codes := make([]string, 0, len(e.Decision.Violations))
	for _, v := range e.Decision.Violations {
		codes = append(codes, v.Code)
	}
	return "policy violation: " + strings.Join(codes, ", ")
}

// BookingIntent is what the policy engine judges: who wants to see whom, for
// which service, and when.
type BookingIntent struct {
	Actor          Actor
	PatientID      uuid.UUID
	PractitionerID uuid.UUID
	ServiceCode    string
	ScheduledAt    time.Time
}

// PolicyEngine evaluates the booking rules in a fixed order. It is evaluated
// once against the pool before any lock is held (fail fast) and again against
// the claim transaction's store, which closes the race where two concurrent
// bookings both pass the pre-check.
type PolicyEngine struct {
	referralMaxAge time.Duration
	now            func() time.Time
}

func NewPolicyEngine(referralMaxAge time.Duration) *PolicyEngine {
	return &PolicyEngine{
		referralMaxAge: referralMaxAge,
		now:            time.Now,
	}
}

// Evaluate returns the composite decision. A store error aborts evaluation;
// rule failures accumulate as violations instead.
func (e *PolicyEngine) Evaluate(ctx context.Context, store PolicyStore, in BookingIntent) (Decision, error) {
	var violations []Violation

	if !MayBookFor(in.Actor, in.PatientID) {
		violations = append(violations, Violation{
			Code:    ViolationActorNotPermitted,
			Message: "caller may not book on behalf of this patient",
		})
	}

	patient, err := store.GetPatientByID(ctx, in.PatientID)
	if err != nil {
		return Decision{}, err
	}

	// Rebate rules apply only when the service code names a rebate item.
	item, err := store.GetRebateItem(ctx, in.ServiceCode)
	if err != nil && !errors.Is(err, ErrRebateItemNotFound) {
		return Decision{}, err
	}

	if item != nil {
		if !item.Active {
			violations = append(violations, Violation{
				Code:    ViolationItemInactive,
				Message: fmt.Sprintf("rebate item %s is not currently active", item.Code),
			})
		}

		year := in.ScheduledAt.Year()
		used, err := store.CountApprovedClaims(ctx, in.PatientID, item.Code, year)
		if err != nil {
			return Decision{}, fmt.Errorf("count approved claims: %w", err)
		}
		if used >= item.MaxSessionsPerYear {
			violations = append(violations, Violation{
				Code:      ViolationSessionCapReached,
				Message:   fmt.Sprintf("annual session cap of %d reached for item %s", item.MaxSessionsPerYear, item.Code),
				Used:      used,
				Remaining: 0,
			})
		}

		if item.RequiresReferral {
			v, err := e.checkReferral(ctx, store, in.PatientID)
			if err != nil {
				return Decision{}, err
			}
			if v != nil {
				violations = append(violations, *v)
			}
		}
	}

	practitioner, err := store.GetPractitionerByID(ctx, in.PractitionerID)
	if err != nil {
		return Decision{}, err
	}
	if !practitioner.CredentialCurrent {
		violations = append(violations, Violation{
			Code:    ViolationCredentialLapsed,
			Message: "practitioner's credential is not current",
		})
	}
	if patient.IsNew && !practitioner.AcceptingNewPatients {
		violations = append(violations, Violation{
			Code:    ViolationNotAcceptingNew,
			Message: "practitioner is not accepting new patients",
		})
	}

	return Decision{Allowed: len(violations) == 0, Violations: violations}, nil
}

func (e *PolicyEngine) checkReferral(ctx context.Context, store PolicyStore, patientID uuid.UUID) (*Violation, error) {
	ref, err := store.GetLatestReferral(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrReferralNotFound) {
			return &Violation{
				Code:    ViolationReferralRequired,
				Message: "this rebate item requires a referral on file",
			}, nil
		}
		return nil, fmt.Errorf("look up referral: %w", err)
	}

	if e.now().Sub(ref.IssuedAt) > e.referralMaxAge {
		return &Violation{
			Code:    ViolationReferralExpired,
			Message: fmt.Sprintf("referral issued %s is older than 12 months", ref.IssuedAt.Format("2006-01-02")),
		}, nil
	}
	return nil, nil
}
