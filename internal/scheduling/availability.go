package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidRange = errors.New("invalid availability range")

// AvailabilityGenerator turns a practitioner's recurring weekly pattern into
// concrete bookable slot rows and lists the ones still open. Slots are
// materialized so the claim path has a single row to compare-and-swap on.
type AvailabilityGenerator struct {
	repo    Repository
	horizon time.Duration
	lead    time.Duration
	now     func() time.Time
}

func NewAvailabilityGenerator(repo Repository, horizon, lead time.Duration) *AvailabilityGenerator {
	return &AvailabilityGenerator{
		repo:    repo,
		horizon: horizon,
		lead:    lead,
		now:     time.Now,
	}
}

func (g *AvailabilityGenerator) checkRange(from, to time.Time) error {
	if !to.After(from) {
		return ErrInvalidRange
	}
	if to.Sub(from) > g.horizon {
		return ErrInvalidRange
	}
	return nil
}

// Materialize expands the weekly pattern over [from, to) into slot rows,
// skipping anything overlapping a blocked period. Existing rows are left
// untouched, so re-running over the same range is idempotent and never
// reopens a claimed slot.
func (g *AvailabilityGenerator) Materialize(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) (int, error) {
	if err := g.checkRange(from, to); err != nil {
		return 0, err
	}

	practitioner, err := g.repo.GetPractitionerByID(ctx, practitionerID)
	if err != nil {
		return 0, err
	}

	loc, err := time.LoadLocation(practitioner.Timezone)
	if err != nil {
		return 0, fmt.Errorf("load practitioner timezone %q: %w", practitioner.Timezone, err)
	}

	patterns, err := g.repo.ListPatterns(ctx, practitionerID)
	if err != nil {
		return 0, fmt.Errorf("list availability patterns: %w", err)
	}
	if len(patterns) == 0 {
		return 0, nil
	}

	blocked, err := g.repo.ListBlockedPeriods(ctx, practitionerID, from, to)
	if err != nil {
		return 0, fmt.Errorf("list blocked periods: %w", err)
	}

	byWeekday := make(map[time.Weekday][]AvailabilityPattern)
	for _, p := range patterns {
		byWeekday[p.Weekday] = append(byWeekday[p.Weekday], p)
	}

	var slots []Slot
	day := time.Date(from.In(loc).Year(), from.In(loc).Month(), from.In(loc).Day(), 0, 0, 0, 0, loc)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, p := range byWeekday[day.Weekday()] {
			slots = append(slots, expandPattern(practitionerID, day, p, from, to, blocked)...)
		}
	}

	if len(slots) == 0 {
		return 0, nil
	}

	inserted, err := g.repo.InsertSlots(ctx, slots)
	if err != nil {
		return inserted, fmt.Errorf("insert slots: %w", err)
	}
	return inserted, nil
}

func expandPattern(practitionerID uuid.UUID, day time.Time, p AvailabilityPattern, from, to time.Time, blocked []BlockedPeriod) []Slot {
	if p.SlotMinutes <= 0 || p.EndMinute <= p.StartMinute {
		return nil
	}

	step := time.Duration(p.SlotMinutes) * time.Minute
	// Anchor the window at wall-clock minutes, not a midnight offset, so the
	// expansion stays on the practitioner's local schedule across DST shifts.
	loc := day.Location()
	windowEnd := time.Date(day.Year(), day.Month(), day.Day(), 0, p.EndMinute, 0, 0, loc)
	windowStart := time.Date(day.Year(), day.Month(), day.Day(), 0, p.StartMinute, 0, 0, loc)

	var slots []Slot
	for start := windowStart; ; start = start.Add(step) {
		end := start.Add(step)
		if end.After(windowEnd) {
			break
		}
		if start.Before(from) || end.After(to) {
			continue
		}
		if overlapsBlocked(start, end, blocked) {
			continue
		}
		slots = append(slots, Slot{
			ID:             uuid.New(),
			PractitionerID: practitionerID,
			StartTime:      start.UTC(),
			EndTime:        end.UTC(),
			IsAvailable:    true,
		})
	}
	return slots
}

func overlapsBlocked(start, end time.Time, blocked []BlockedPeriod) bool {
	for _, b := range blocked {
		if start.Before(b.EndsAt) && end.After(b.StartsAt) {
			return true
		}
	}
	return false
}

// ListOpen returns the practitioner's open slots in [from, to), ascending by
// start time, excluding anything starting before now plus the minimum lead
// time.
func (g *AvailabilityGenerator) ListOpen(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	if err := g.checkRange(from, to); err != nil {
		return nil, err
	}

	if _, err := g.repo.GetPractitionerByID(ctx, practitionerID); err != nil {
		return nil, err
	}

	notBefore := g.now().Add(g.lead)
	slots, err := g.repo.ListOpenSlots(ctx, practitionerID, from, to, notBefore)
	if err != nil {
		return nil, fmt.Errorf("list open slots: %w", err)
	}
	return slots, nil
}
