// Package reminder sweeps upcoming appointments and dispatches tiered
// notifications at most once per (appointment, tier), regardless of how
// often the sweep re-runs.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicore/scheduling/internal/notify"
	"github.com/clinicore/scheduling/internal/observability/metrics"
	"github.com/clinicore/scheduling/internal/scheduling"
)

// Tier is one notification class relative to appointment start. The
// tolerance band absorbs sweep cadence drift.
type Tier struct {
	Name      string
	Lead      time.Duration
	Tolerance time.Duration
}

func DefaultTiers() []Tier {
	return []Tier{
		{Name: "24h", Lead: 24 * time.Hour, Tolerance: 15 * time.Minute},
		{Name: "1h", Lead: time.Hour, Tolerance: 15 * time.Minute},
		{Name: "15m", Lead: 15 * time.Minute, Tolerance: 5 * time.Minute},
	}
}

// Store is the slice of the scheduling repository the scheduler needs.
type Store interface {
	FindActiveScheduledBetween(ctx context.Context, from, to time.Time) ([]scheduling.Appointment, error)
	RecordReminder(ctx context.Context, appointmentID uuid.UUID, tier string) (bool, error)
}

type Scheduler struct {
	store    Store
	notifier notify.Notifier
	tiers    []Tier
	log      *zap.Logger
	metrics  *metrics.SchedulingMetrics
	now      func() time.Time
}

func NewScheduler(store Store, notifier notify.Notifier, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		notifier: notifier,
		tiers:    DefaultTiers(),
		log:      log,
		now:      time.Now,
	}
}

func (s *Scheduler) WithTiers(tiers []Tier) *Scheduler {
	if len(tiers) > 0 {
		s.tiers = tiers
	}
	return s
}

func (s *Scheduler) WithMetrics(m *metrics.SchedulingMetrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Sweep walks each tier's window and dispatches reminders not yet recorded.
// The record is written before the send, so a crash can at worst drop a
// reminder, never duplicate one; a failed send is the notification
// collaborator's problem, not retried here.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now()

	for _, tier := range s.tiers {
		from := now.Add(tier.Lead - tier.Tolerance)
		to := now.Add(tier.Lead + tier.Tolerance)

		appts, err := s.store.FindActiveScheduledBetween(ctx, from, to)
		if err != nil {
			return fmt.Errorf("find appointments for %s tier: %w", tier.Name, err)
		}

		for _, appt := range appts {
			if err := s.dispatch(ctx, appt, tier); err != nil {
				// Isolate per appointment; keep sweeping.
				s.log.Warn("reminder dispatch failed",
					zap.String("appointment_id", appt.ID.String()),
					zap.String("tier", tier.Name),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, appt scheduling.Appointment, tier Tier) error {
	recorded, err := s.store.RecordReminder(ctx, appt.ID, tier.Name)
	if err != nil {
		return err
	}
	if !recorded {
		// Already dispatched by an earlier sweep.
		return nil
	}

	err = s.notifier.Send(ctx, appt.PatientID.String(), "appointment_reminder_"+tier.Name, map[string]any{
		"appointment_id": appt.ID.String(),
		"scheduled_at":   appt.ScheduledAt,
		"session_type":   string(appt.SessionType),
	})
	if err != nil {
		return fmt.Errorf("send %s reminder: %w", tier.Name, err)
	}

	s.metrics.ObserveReminder(tier.Name)
	return nil
}
