package reminder

import (
	"context"

	"github.com/google/uuid"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/slot"
)

// Planner derives reminder jobs from a slot. Its methods run inside the
// caller's transaction so jobs change together with the slot.
type Planner struct {
	offsets []Offset
	clock   clock.Clock
}

// NewPlanner creates a planner. A nil or empty offsets uses DefaultOffsets.
func NewPlanner(c clock.Clock, offsets []Offset) *Planner {
	if len(offsets) == 0 {
		offsets = DefaultOffsets()
	}
	return &Planner{offsets: offsets, clock: c}
}

// Schedule creates one job per offset whose fire time is still ahead. The
// slot's start time is captured into each job. Scheduling twice is a no-op
// for kinds that already have a scheduled job.
func (p *Planner) Schedule(ctx context.Context, q db.Querier, sl *slot.Slot) ([]*Job, error) {
	if !sl.Status.Scheduled() {
		return nil, errors.NewValidationError("slot %s is %s; reminders need booked or confirmed", sl.ID, sl.Status)
	}

	now := p.clock.Now()
	store := NewStore(q)
	var created []*Job
	for _, off := range p.offsets {
		fireAt := sl.StartTime.Add(-off.Before)
		if fireAt.Before(now) {
			continue
		}
		j := &Job{
			ID:        uuid.NewString(),
			SlotID:    sl.ID,
			Kind:      off.Kind,
			FireAt:    fireAt,
			StartTime: sl.StartTime,
			Status:    StatusScheduled,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := store.Create(ctx, j)
		if errors.Is(err, ErrAlreadyScheduled) {
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, j)
	}
	return created, nil
}

// CancelForSlot cancels the slot's scheduled jobs and supersedes any reminder
// messages that were appended but not yet delivered.
func (p *Planner) CancelForSlot(ctx context.Context, q db.Querier, slotID string) (int64, error) {
	now := p.clock.Now()
	n, err := NewStore(q).CancelForSlot(ctx, slotID, now)
	if err != nil {
		return 0, err
	}
	if _, err := outbox.NewStore(q).SupersedeReminders(ctx, slotID, now); err != nil {
		return n, err
	}
	return n, nil
}

// Replace cancels the slot's jobs and schedules fresh ones from its current
// start time.
func (p *Planner) Replace(ctx context.Context, q db.Querier, sl *slot.Slot) ([]*Job, error) {
	if _, err := p.CancelForSlot(ctx, q, sl.ID); err != nil {
		return nil, err
	}
	return p.Schedule(ctx, q, sl)
}

// Offsets returns the configured reminder offsets.
func (p *Planner) Offsets() []Offset {
	out := make([]Offset, len(p.offsets))
	copy(out, p.offsets)
	return out
}
