// Package reminder derives the 6h/3h/2h reminder jobs of a booked slot and
// fires them into the outbox when due.
package reminder

import (
	"time"

	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/outbox"
)

// Status is the state of a reminder job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusFired     Status = "fired"
	StatusCanceled  Status = "canceled"
)

// Job is one pending reminder. StartTime is captured at scheduling time and
// never recomputed; a reschedule replaces the job instead.
type Job struct {
	ID        string      `json:"id"`
	SlotID    string      `json:"slot_id"`
	Kind      outbox.Kind `json:"kind"`
	FireAt    time.Time   `json:"fire_at"`
	StartTime time.Time   `json:"start_time"`
	Status    Status      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Offset is how long before the interview a reminder of Kind fires.
type Offset struct {
	Kind   outbox.Kind
	Before time.Duration
}

// DefaultOffsets are the 6h, 3h and 2h reminders.
func DefaultOffsets() []Offset {
	return []Offset{
		{Kind: outbox.KindReminder6h, Before: 6 * time.Hour},
		{Kind: outbox.KindReminder3h, Before: 3 * time.Hour},
		{Kind: outbox.KindReminder2h, Before: 2 * time.Hour},
	}
}

// OffsetsFor maps configured lead times to reminder kinds. Only 6h, 3h and
// 2h have message kinds.
func OffsetsFor(durations []time.Duration) ([]Offset, error) {
	offsets := make([]Offset, 0, len(durations))
	seen := make(map[outbox.Kind]bool)
	for _, d := range durations {
		var kind outbox.Kind
		switch d {
		case 6 * time.Hour:
			kind = outbox.KindReminder6h
		case 3 * time.Hour:
			kind = outbox.KindReminder3h
		case 2 * time.Hour:
			kind = outbox.KindReminder2h
		default:
			return nil, errors.NewValidationError("unsupported reminder offset %s (want 6h, 3h or 2h)", d)
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		offsets = append(offsets, Offset{Kind: kind, Before: d})
	}
	return offsets, nil
}
