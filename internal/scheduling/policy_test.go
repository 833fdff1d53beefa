package scheduling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const referralMaxAge = 365 * 24 * time.Hour

func policyFixture(t *testing.T) (*fakeStore, *PolicyEngine, BookingIntent) {
	t.Helper()

	store := newFakeStore()
	patient := store.addPatient(Patient{FullName: "Ada Nguyen"})
	practitioner := store.addPractitioner(Practitioner{
		FullName:             "Dr. Priya Shah",
		CredentialCurrent:    true,
		AcceptingNewPatients: true,
	})

	engine := NewPolicyEngine(referralMaxAge)

	intent := BookingIntent{
		PatientID:      patient.ID,
		PractitionerID: practitioner.ID,
		ServiceCode:    "91800",
		ScheduledAt:    time.Date(2026, 9, 14, 10, 0, 0, 0, time.UTC),
	}
	return store, engine, intent
}

func violationCodes(d Decision) []string {
	codes := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		codes = append(codes, v.Code)
	}
	return codes
}

func TestPolicyAllowsNonRebateService(t *testing.T) {
	store, engine, intent := policyFixture(t)

	// No rebate item registered for the code: cap and referral rules do
	// not apply.
	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Violations)
}

func TestPolicySessionCap(t *testing.T) {
	store, engine, intent := policyFixture(t)
	store.addRebateItem(RebateItem{Code: "80000", MaxSessionsPerYear: 10, Active: true})
	intent.ServiceCode = "80000"

	year := intent.ScheduledAt.Year()

	// One session left under the cap.
	store.setClaims(intent.PatientID, "80000", year, 9)
	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Cap consumed.
	store.setClaims(intent.PatientID, "80000", year, 10)
	decision, err = engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.Len(t, decision.Violations, 1)
	assert.Equal(t, ViolationSessionCapReached, decision.Violations[0].Code)
	assert.Equal(t, 10, decision.Violations[0].Used)
	assert.Equal(t, 0, decision.Violations[0].Remaining)
}

func TestPolicyCapCountsScheduledYear(t *testing.T) {
	store, engine, intent := policyFixture(t)
	store.addRebateItem(RebateItem{Code: "80000", MaxSessionsPerYear: 10, Active: true})
	intent.ServiceCode = "80000"

	// Cap is consumed this year, but the booking falls in January of the
	// next year, so it counts against a fresh allowance.
	store.setClaims(intent.PatientID, "80000", intent.ScheduledAt.Year(), 10)
	intent.ScheduledAt = time.Date(intent.ScheduledAt.Year()+1, 1, 5, 10, 0, 0, 0, time.UTC)

	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestPolicyReferralRequired(t *testing.T) {
	store, engine, intent := policyFixture(t)
	store.addRebateItem(RebateItem{Code: "80110", MaxSessionsPerYear: 10, RequiresReferral: true, Active: true})
	intent.ServiceCode = "80110"

	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, violationCodes(decision), ViolationReferralRequired)
}

func TestPolicyReferralAge(t *testing.T) {
	store, engine, intent := policyFixture(t)
	store.addRebateItem(RebateItem{Code: "80110", MaxSessionsPerYear: 10, RequiresReferral: true, Active: true})
	intent.ServiceCode = "80110"

	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	// A referral just inside the window satisfies the rule.
	store.addReferral(Referral{
		ID:        uuid.New(),
		PatientID: intent.PatientID,
		IssuedAt:  now.Add(-referralMaxAge + 24*time.Hour),
	})
	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// A newer-but-expired referral would not, and the engine always picks
	// the latest one; move the clock instead.
	engine.now = func() time.Time { return now.Add(48 * time.Hour) }
	decision, err = engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, violationCodes(decision), ViolationReferralExpired)
}

func TestPolicyInactiveItem(t *testing.T) {
	store, engine, intent := policyFixture(t)
	store.addRebateItem(RebateItem{Code: "80010", MaxSessionsPerYear: 10, Active: false})
	intent.ServiceCode = "80010"

	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, violationCodes(decision), ViolationItemInactive)
}

func TestPolicyPractitionerEligibility(t *testing.T) {
	store, engine, intent := policyFixture(t)

	store.mu.Lock()
	practitioner := store.practitioners[intent.PractitionerID]
	practitioner.CredentialCurrent = false
	practitioner.AcceptingNewPatients = false
	patient := store.patients[intent.PatientID]
	patient.IsNew = true
	store.mu.Unlock()

	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	codes := violationCodes(decision)
	assert.Contains(t, codes, ViolationCredentialLapsed)
	assert.Contains(t, codes, ViolationNotAcceptingNew)
}

func TestPolicyReturningPatientBypassesNewPatientGate(t *testing.T) {
	store, engine, intent := policyFixture(t)

	store.mu.Lock()
	store.practitioners[intent.PractitionerID].AcceptingNewPatients = false
	store.mu.Unlock()

	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestPolicyActorPermission(t *testing.T) {
	store, engine, intent := policyFixture(t)

	// A patient booking for someone else is rejected.
	intent.Actor = PatientActor{ID: uuid.New()}
	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, violationCodes(decision), ViolationActorNotPermitted)

	// The same patient booking for themselves is fine.
	intent.Actor = PatientActor{ID: intent.PatientID}
	decision, err = engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Admins book on anyone's behalf.
	intent.Actor = AdminActor{ID: uuid.New()}
	decision, err = engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestPolicyAccumulatesViolations(t *testing.T) {
	store, engine, intent := policyFixture(t)
	store.addRebateItem(RebateItem{Code: "80000", MaxSessionsPerYear: 10, RequiresReferral: true, Active: true})
	intent.ServiceCode = "80000"
	intent.Actor = PatientActor{ID: uuid.New()}
	store.setClaims(intent.PatientID, "80000", intent.ScheduledAt.Year(), 10)

	decision, err := engine.Evaluate(context.Background(), store, intent)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	codes := violationCodes(decision)
	assert.Contains(t, codes, ViolationActorNotPermitted)
	assert.Contains(t, codes, ViolationSessionCapReached)
	assert.Contains(t, codes, ViolationReferralRequired)
}

func TestPolicyViolationErrorMessage(t *testing.T) {
	err := &PolicyViolationError{Decision: Decision{Violations: []Violation{
		{Code: ViolationSessionCapReached},
		{Code: ViolationReferralRequired},
	}}}
	assert.Equal(t, "policy violation: session_cap_reached, referral_required", err.Error())
}

func TestViolationSerializesZeroCounters(t *testing.T) {
	// A cap of zero means used=0, remaining=0; both counters must survive
	// marshalling so the caller can tell them apart from absent fields.
	data, err := json.Marshal(Violation{
		Code:      ViolationSessionCapReached,
		Message:   "annual session cap reached",
		Used:      0,
		Remaining: 0,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"used":0`)
	assert.Contains(t, string(data), `"remaining":0`)
}
