package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicore/scheduling/internal/config"
	"github.com/clinicore/scheduling/internal/notify"
	"github.com/clinicore/scheduling/internal/observability/metrics"
	redisclient "github.com/clinicore/scheduling/internal/redis"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
)

var (
	ErrSlotAlreadyBooked = errors.New("slot already has an active appointment")
	ErrSlotExpired       = errors.New("slot start time has passed")
	// ErrSlotUnavailable is the umbrella the caller sees when claim retries
	// are exhausted; retry with another slot.
	ErrSlotUnavailable          = errors.New("slot is unavailable, please pick another")
	ErrInvalidSessionType       = errors.New("session_type must be telehealth or in_person")
	ErrSlotPractitionerMismatch = errors.New("slot does not belong to the requested practitioner")
	ErrCancellationWindowClosed = errors.New("cancellation window has closed")
	ErrRescheduleWindowClosed   = errors.New("reschedule window has closed")
)

type BookingRequest struct {
	Actor          Actor
	PatientID      uuid.UUID
	PractitionerID uuid.UUID
	SlotID         uuid.UUID
	ServiceCode    string
	SessionType    SessionType
	Notes          *string
}

// BookingResult pairs the created appointment with the policy decision that
// admitted it, for the response's policy_info.
type BookingResult struct {
	Appointment *Appointment
	Policy      Decision
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	policy   *PolicyEngine
	cfg      config.Config
	log      *zap.Logger
	notifier notify.Notifier
	metrics  *metrics.SchedulingMetrics
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, policy *PolicyEngine, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		policy:   policy,
		cfg:      cfg,
		log:      log,
		notifier: notify.Nop{},
		now:      time.Now,
	}
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.SchedulingMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Book claims a slot for a patient. The policy engine runs twice: once before
// any lock is held, and again inside the claim transaction so two concurrent
// bookings cannot both slip past the session cap or referral checks. Exactly
// one of N concurrent claims on the same slot succeeds.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	start := s.now()
	res, err := s.book(ctx, req)
	s.metrics.ObserveBooking(bookingOutcome(err), time.Since(start).Seconds())
	return res, err
}

func (s *Service) book(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if !req.SessionType.Valid() {
		return nil, ErrInvalidSessionType
	}

	slot, err := s.repo.GetSlotByID(ctx, req.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.PractitionerID != req.PractitionerID {
		return nil, ErrSlotPractitionerMismatch
	}
	if !slot.IsAvailable {
		return nil, ErrSlotAlreadyBooked
	}
	if !slot.StartTime.After(s.now()) {
		return nil, ErrSlotExpired
	}

	intent := BookingIntent{
		Actor:          req.Actor,
		PatientID:      req.PatientID,
		PractitionerID: req.PractitionerID,
		ServiceCode:    req.ServiceCode,
		ScheduledAt:    slot.StartTime,
	}

	// Fail-fast pre-check, no lock held.
	decision, err := s.policy.Evaluate(ctx, s.repo, intent)
	if err != nil {
		return nil, fmt.Errorf("policy pre-check: %w", err)
	}
	if !decision.Allowed {
		return nil, &PolicyViolationError{Decision: decision}
	}

	params := ClaimParams{
		SlotID:      req.SlotID,
		PatientID:   req.PatientID,
		ServiceCode: req.ServiceCode,
		SessionType: req.SessionType,
		Notes:       req.Notes,
	}

	var created *Appointment
	var commitDecision Decision

	recheck := func(rctx context.Context, store PolicyStore) error {
		d, err := s.policy.Evaluate(rctx, store, intent)
		if err != nil {
			return fmt.Errorf("policy re-check: %w", err)
		}
		if !d.Allowed {
			return &PolicyViolationError{Decision: d}
		}
		commitDecision = d
		return nil
	}

	claim := func(lockCtx context.Context) error {
		appt, claimErr := s.repo.ClaimSlot(lockCtx, params, recheck)
		if claimErr != nil {
			return claimErr
		}
		created = appt
		return nil
	}

	attempts := s.cfg.ClaimRetries
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		err = s.locker.WithSlotLock(ctx, req.SlotID, claim)
		if !errors.Is(err, redisclient.ErrLockNotAcquired) {
			break
		}
		s.metrics.ObserveClaimConflict()
		if waitErr := sleepCtx(ctx, jitteredBackoff(s.cfg.ClaimBackoff, attempt)); waitErr != nil {
			return nil, waitErr
		}
	}
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		// Retries exhausted; the caller should try another slot.
		return nil, ErrSlotUnavailable
	}
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, created.ID, EventAppointmentBooked, map[string]any{
		"slot_id":      req.SlotID.String(),
		"patient_id":   req.PatientID.String(),
		"service_code": req.ServiceCode,
		"session_type": string(req.SessionType),
	})
	s.sendNotification(ctx, created, "appointment_booked")

	return &BookingResult{Appointment: created, Policy: commitDecision}, nil
}

func bookingOutcome(err error) string {
	switch {
	case err == nil:
		return "booked"
	case errors.Is(err, ErrSlotAlreadyBooked), errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrSlotExpired):
		return "slot_unavailable"
	case isPolicyViolation(err):
		return "policy_violation"
	default:
		return "error"
	}
}

func isPolicyViolation(err error) bool {
	var pv *PolicyViolationError
	return errors.As(err, &pv)
}

func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	d := base << attempt
	return d + time.Duration(rand.Int63n(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Confirm moves a scheduled appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if err := CheckTransition(appt.Status, StatusConfirmed); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusScheduled, StatusConfirmed)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Lost a race with another transition.
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentConfirmed, map[string]any{})

	return updated, nil
}

// Cancel releases the appointment's slot atomically, so it is immediately
// bookable again. Allowed only up to the cancellation window before start.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if err := CheckTransition(appt.Status, StatusCancelled); err != nil {
		return nil, err
	}
	if s.now().After(appt.ScheduledAt.Add(-s.cfg.CancellationWindow)) {
		return nil, ErrCancellationWindowClosed
	}

	updated, err := s.repo.CancelAppointment(ctx, appt.ID)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"slot_id": updated.SlotID.String(),
	})
	s.sendNotification(ctx, updated, "appointment_cancelled")

	return updated, nil
}

// Reschedule moves the appointment to a new slot: claim new, re-run policy,
// release old, all in one transaction. If the new claim fails the original
// appointment is untouched.
func (s *Service) Reschedule(ctx context.Context, id, newSlotID uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if !appt.Status.Active() {
		return nil, ErrInvalidTransition
	}
	if s.now().After(appt.ScheduledAt.Add(-s.cfg.RescheduleWindow)) {
		return nil, ErrRescheduleWindowClosed
	}

	newSlot, err := s.repo.GetSlotByID(ctx, newSlotID)
	if err != nil {
		return nil, fmt.Errorf("load new slot: %w", err)
	}
	if !newSlot.IsAvailable {
		return nil, ErrSlotAlreadyBooked
	}
	if !newSlot.StartTime.After(s.now()) {
		return nil, ErrSlotExpired
	}

	intent := BookingIntent{
		Actor:          actor,
		PatientID:      appt.PatientID,
		PractitionerID: newSlot.PractitionerID,
		ServiceCode:    appt.ServiceCode,
		ScheduledAt:    newSlot.StartTime,
	}

	recheck := func(rctx context.Context, store PolicyStore) error {
		d, err := s.policy.Evaluate(rctx, store, intent)
		if err != nil {
			return fmt.Errorf("policy re-check: %w", err)
		}
		if !d.Allowed {
			return &PolicyViolationError{Decision: d}
		}
		return nil
	}

	var updated *Appointment
	err = s.locker.WithSlotLock(ctx, newSlotID, func(lockCtx context.Context) error {
		moved, moveErr := s.repo.RescheduleAppointment(lockCtx, id, newSlotID, recheck)
		if moveErr != nil {
			return moveErr
		}
		updated = moved
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrSlotUnavailable
	}
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"old_slot_id": appt.SlotID.String(),
		"new_slot_id": newSlotID.String(),
	})
	s.sendNotification(ctx, updated, "appointment_rescheduled")

	return updated, nil
}

// AutoCompleteSweep transitions confirmed appointments whose end time has
// elapsed to completed. Idempotent: the conditional status update makes a
// re-run on an already completed appointment a no-op, and one appointment's
// failure never aborts the rest.
func (s *Service) AutoCompleteSweep(ctx context.Context) error {
	candidates, err := s.repo.FindElapsedConfirmed(ctx, s.now())
	if err != nil {
		return fmt.Errorf("find elapsed confirmed appointments: %w", err)
	}

	for _, appt := range candidates {
		_, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted)
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Warn("auto-complete failed",
					zap.String("appointment_id", appt.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}
		s.metrics.ObserveSweepTransition("auto_complete")
		s.logEvent(ctx, appt.ID, EventAppointmentCompleted, map[string]any{
			"reason": "sweep",
		})
	}

	return nil
}

// NoShowSweep marks scheduled appointments as no-shows once the start time
// plus the grace period has passed without a confirmation.
func (s *Service) NoShowSweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.NoShowGrace)
	candidates, err := s.repo.FindOverdueScheduled(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find overdue scheduled appointments: %w", err)
	}

	for _, appt := range candidates {
		_, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusScheduled, StatusNoShow)
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Warn("no-show transition failed",
					zap.String("appointment_id", appt.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}
		s.metrics.ObserveSweepTransition("no_show")
		s.logEvent(ctx, appt.ID, EventAppointmentNoShow, map[string]any{
			"reason": "sweep",
		})
	}

	return nil
}

// CompleteFromRoomEvent handles a video provider room-closed callback: a
// confirmed appointment already past its start time completes early. Unknown
// handles and other statuses are ignored.
func (s *Service) CompleteFromRoomEvent(ctx context.Context, roomHandle string) error {
	appt, err := s.repo.GetAppointmentByRoomHandle(ctx, roomHandle)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil
		}
		return fmt.Errorf("load appointment for room %s: %w", roomHandle, err)
	}

	if appt.Status != StatusConfirmed || s.now().Before(appt.ScheduledAt) {
		return nil
	}

	_, err = s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil
		}
		return fmt.Errorf("complete appointment: %w", err)
	}

	s.logEvent(ctx, appt.ID, EventAppointmentCompleted, map[string]any{
		"reason": "room_closed",
	})
	return nil
}

// GetAppointment retrieves a fully hydrated appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return detail, nil
}

// ListAppointmentsByPatient retrieves appointments for a specific patient
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

func (s *Service) sendNotification(ctx context.Context, appt *Appointment, template string) {
	err := s.notifier.Send(ctx, appt.PatientID.String(), template, map[string]any{
		"appointment_id": appt.ID.String(),
		"scheduled_at":   appt.ScheduledAt,
		"status":         string(appt.Status),
	})
	if err != nil {
		s.log.Warn("notification send failed",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("template", template),
			zap.Error(err),
		)
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}
