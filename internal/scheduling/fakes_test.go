package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Repository with the same single-winner claim
// semantics as the Postgres implementation, safe for concurrent use.
type fakeStore struct {
	mu            sync.Mutex
	now           func() time.Time
	patients      map[uuid.UUID]*Patient
	practitioners map[uuid.UUID]*Practitioner
	rebateItems   map[string]*RebateItem
	claims        map[string]int
	referrals     map[uuid.UUID][]Referral
	slots         map[uuid.UUID]*Slot
	appointments  map[uuid.UUID]*Appointment
	patterns      map[uuid.UUID][]AvailabilityPattern
	blocked       map[uuid.UUID][]BlockedPeriod
	reminders     map[string]time.Time
	events        []EventLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:           time.Now,
		patients:      make(map[uuid.UUID]*Patient),
		practitioners: make(map[uuid.UUID]*Practitioner),
		rebateItems:   make(map[string]*RebateItem),
		claims:        make(map[string]int),
		referrals:     make(map[uuid.UUID][]Referral),
		slots:         make(map[uuid.UUID]*Slot),
		appointments:  make(map[uuid.UUID]*Appointment),
		patterns:      make(map[uuid.UUID][]AvailabilityPattern),
		blocked:       make(map[uuid.UUID][]BlockedPeriod),
		reminders:     make(map[string]time.Time),
	}
}

func (f *fakeStore) addPatient(p Patient) *Patient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	f.patients[p.ID] = &p
	return &p
}

func (f *fakeStore) addPractitioner(p Practitioner) *Practitioner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	f.practitioners[p.ID] = &p
	return &p
}

func (f *fakeStore) addSlot(s Slot) *Slot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	f.slots[s.ID] = &s
	return &s
}

func (f *fakeStore) addRebateItem(item RebateItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebateItems[item.Code] = &item
}

func (f *fakeStore) addReferral(ref Referral) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.referrals[ref.PatientID] = append(f.referrals[ref.PatientID], ref)
}

func (f *fakeStore) setClaims(patientID uuid.UUID, itemCode string, year, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims[claimKey(patientID, itemCode, year)] = count
}

func claimKey(patientID uuid.UUID, itemCode string, year int) string {
	return fmt.Sprintf("%s|%s|%d", patientID, itemCode, year)
}

// unlockedPolicy exposes the PolicyStore reads without taking the store
// mutex, for use inside the claim critical section.
type unlockedPolicy struct {
	f *fakeStore
}

func (u unlockedPolicy) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	if p, ok := u.f.patients[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrPatientNotFound
}

func (u unlockedPolicy) GetPractitionerByID(_ context.Context, id uuid.UUID) (*Practitioner, error) {
	if p, ok := u.f.practitioners[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrPractitionerNotFound
}

func (u unlockedPolicy) GetRebateItem(_ context.Context, code string) (*RebateItem, error) {
	if item, ok := u.f.rebateItems[code]; ok {
		cp := *item
		return &cp, nil
	}
	return nil, ErrRebateItemNotFound
}

func (u unlockedPolicy) CountApprovedClaims(_ context.Context, patientID uuid.UUID, itemCode string, year int) (int, error) {
	return u.f.claims[claimKey(patientID, itemCode, year)], nil
}

func (u unlockedPolicy) GetLatestReferral(_ context.Context, patientID uuid.UUID) (*Referral, error) {
	refs := u.f.referrals[patientID]
	if len(refs) == 0 {
		return nil, ErrReferralNotFound
	}
	latest := refs[0]
	for _, r := range refs[1:] {
		if r.IssuedAt.After(latest.IssuedAt) {
			latest = r
		}
	}
	return &latest, nil
}

func (f *fakeStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return unlockedPolicy{f}.GetPatientByID(ctx, id)
}

func (f *fakeStore) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return unlockedPolicy{f}.GetPractitionerByID(ctx, id)
}

func (f *fakeStore) GetRebateItem(ctx context.Context, code string) (*RebateItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return unlockedPolicy{f}.GetRebateItem(ctx, code)
}

func (f *fakeStore) CountApprovedClaims(ctx context.Context, patientID uuid.UUID, itemCode string, year int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return unlockedPolicy{f}.CountApprovedClaims(ctx, patientID, itemCode, year)
}

func (f *fakeStore) GetLatestReferral(ctx context.Context, patientID uuid.UUID) (*Referral, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return unlockedPolicy{f}.GetLatestReferral(ctx, patientID)
}

func (f *fakeStore) GetSlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ErrSlotNotFound
}

func (f *fakeStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.appointments[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, ErrAppointmentNotFound
}

func (f *fakeStore) GetAppointmentByRoomHandle(_ context.Context, handle string) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.appointments {
		if a.VideoRoomHandle != nil && *a.VideoRoomHandle == handle {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (f *fakeStore) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := f.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AppointmentDetail{Appointment: *appt}, nil
}

func (f *fakeStore) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []Appointment
	for _, a := range f.appointments {
		if a.PatientID == patientID {
			all = append(all, *a)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ScheduledAt.After(all[j].ScheduledAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}

	result := make([]AppointmentDetail, 0, len(all))
	for _, a := range all {
		result = append(result, AppointmentDetail{Appointment: a})
	}
	return result, nil
}

func (f *fakeStore) ListPatterns(_ context.Context, practitionerID uuid.UUID) ([]AvailabilityPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AvailabilityPattern(nil), f.patterns[practitionerID]...), nil
}

func (f *fakeStore) ListBlockedPeriods(_ context.Context, practitionerID uuid.UUID, from, to time.Time) ([]BlockedPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []BlockedPeriod
	for _, b := range f.blocked[practitionerID] {
		if b.StartsAt.Before(to) && b.EndsAt.After(from) {
			result = append(result, b)
		}
	}
	return result, nil
}

func (f *fakeStore) InsertSlots(_ context.Context, slots []Slot) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inserted := 0
	for _, s := range slots {
		if f.slotExistsLocked(s.PractitionerID, s.StartTime) {
			continue
		}
		cp := s
		if cp.Version == 0 {
			cp.Version = 1
		}
		f.slots[cp.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) slotExistsLocked(practitionerID uuid.UUID, start time.Time) bool {
	for _, existing := range f.slots {
		if existing.PractitionerID == practitionerID && existing.StartTime.Equal(start) {
			return true
		}
	}
	return false
}

func (f *fakeStore) ListOpenSlots(_ context.Context, practitionerID uuid.UUID, from, to, notBefore time.Time) ([]Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if notBefore.After(from) {
		from = notBefore
	}

	var result []Slot
	for _, s := range f.slots {
		if s.PractitionerID != practitionerID || !s.IsAvailable {
			continue
		}
		if s.StartTime.Before(from) || !s.StartTime.Before(to) {
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

func (f *fakeStore) claimSlotLocked(slotID uuid.UUID) (*Slot, error) {
	slot, ok := f.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if !slot.IsAvailable {
		return nil, ErrSlotAlreadyBooked
	}
	if !slot.StartTime.After(f.now()) {
		return nil, ErrSlotExpired
	}
	slot.IsAvailable = false
	slot.Version++
	return slot, nil
}

func (f *fakeStore) ClaimSlot(ctx context.Context, p ClaimParams, recheck func(ctx context.Context, store PolicyStore) error) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	slot, err := f.claimSlotLocked(p.SlotID)
	if err != nil {
		return nil, err
	}

	if recheck != nil {
		if err := recheck(ctx, unlockedPolicy{f}); err != nil {
			slot.IsAvailable = true
			return nil, err
		}
	}

	appt := &Appointment{
		ID:             uuid.New(),
		SlotID:         slot.ID,
		PatientID:      p.PatientID,
		PractitionerID: slot.PractitionerID,
		ServiceCode:    p.ServiceCode,
		SessionType:    p.SessionType,
		Status:         StatusScheduled,
		ScheduledAt:    slot.StartTime,
		EndTime:        slot.EndTime,
		Notes:          p.Notes,
		CreatedAt:      f.now(),
		UpdatedAt:      f.now(),
	}
	f.appointments[appt.ID] = appt

	cp := *appt
	return &cp, nil
}

func (f *fakeStore) CancelAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	appt, ok := f.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if err := CheckTransition(appt.Status, StatusCancelled); err != nil {
		return nil, err
	}

	appt.Status = StatusCancelled
	if slot, ok := f.slots[appt.SlotID]; ok {
		slot.IsAvailable = true
		slot.Version++
	}

	cp := *appt
	return &cp, nil
}

func (f *fakeStore) RescheduleAppointment(ctx context.Context, id, newSlotID uuid.UUID, recheck func(ctx context.Context, store PolicyStore) error) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	appt, ok := f.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if !appt.Status.Active() {
		return nil, ErrInvalidTransition
	}

	slot, err := f.claimSlotLocked(newSlotID)
	if err != nil {
		return nil, err
	}

	if recheck != nil {
		if err := recheck(ctx, unlockedPolicy{f}); err != nil {
			slot.IsAvailable = true
			return nil, err
		}
	}

	if old, ok := f.slots[appt.SlotID]; ok {
		old.IsAvailable = true
		old.Version++
	}
	appt.SlotID = slot.ID
	appt.PractitionerID = slot.PractitionerID
	appt.ScheduledAt = slot.StartTime
	appt.EndTime = slot.EndTime

	cp := *appt
	return &cp, nil
}

func (f *fakeStore) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	appt, ok := f.appointments[id]
	if !ok || appt.Status != from {
		return nil, ErrAppointmentNotFound
	}

	appt.Status = to
	cp := *appt
	return &cp, nil
}

func (f *fakeStore) FindElapsedConfirmed(_ context.Context, now time.Time) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []Appointment
	for _, a := range f.appointments {
		if a.Status == StatusConfirmed && a.EndTime.Before(now) {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (f *fakeStore) FindOverdueScheduled(_ context.Context, cutoff time.Time) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []Appointment
	for _, a := range f.appointments {
		if a.Status == StatusScheduled && a.ScheduledAt.Before(cutoff) {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (f *fakeStore) FindActiveScheduledBetween(_ context.Context, from, to time.Time) ([]Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []Appointment
	for _, a := range f.appointments {
		if !a.Status.Active() {
			continue
		}
		if a.ScheduledAt.Before(from) || a.ScheduledAt.After(to) {
			continue
		}
		result = append(result, *a)
	}
	return result, nil
}

func (f *fakeStore) RecordReminder(_ context.Context, appointmentID uuid.UUID, tier string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := appointmentID.String() + "|" + tier
	if _, exists := f.reminders[key]; exists {
		return false, nil
	}
	f.reminders[key] = f.now()
	return true, nil
}

func (f *fakeStore) BindVideoRoom(_ context.Context, appointmentID uuid.UUID, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	appt, ok := f.appointments[appointmentID]
	if !ok {
		return "", ErrAppointmentNotFound
	}
	if appt.VideoRoomHandle != nil {
		return *appt.VideoRoomHandle, nil
	}
	appt.VideoRoomHandle = &handle
	return handle, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, ev EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		types = append(types, ev.EventType)
	}
	return types
}

type capturedSend struct {
	Recipient string
	Template  string
	Payload   map[string]any
}

// captureNotifier records sends for assertions.
type captureNotifier struct {
	mu    sync.Mutex
	sends []capturedSend
	err   error
}

func (n *captureNotifier) Send(_ context.Context, recipient, template string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sends = append(n.sends, capturedSend{Recipient: recipient, Template: template, Payload: payload})
	return nil
}

func (n *captureNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sends))
	for _, s := range n.sends {
		out = append(out, s.Template)
	}
	return out
}
