// Package booking is the slot lifecycle state machine. Every action is one
// transaction that moves the slot, appends its notifications and keeps the
// reminder jobs in step.
package booking

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/slot"
)

// Actor is who performs an action.
type Actor string

const (
	ActorCandidate Actor = "candidate"
	ActorRecruiter Actor = "recruiter"
)

// Action names a transition.
type Action string

const (
	ActionReserve    Action = "reserve"
	ActionWithdraw   Action = "withdraw"
	ActionExtend     Action = "extend"
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionUnapprove  Action = "unapprove"
	ActionConfirm    Action = "confirm"
	ActionDecline    Action = "decline"
	ActionCancel     Action = "cancel"
	ActionReschedule Action = "reschedule"
)

// Command is one actor request against a slot. ExpectedVersion 0 means the
// caller did not pin a version. HoldSeconds applies to reserve and extend,
// capped at an hour; 0 takes the lock manager's TTL.
type Command struct {
	SlotID          string    `json:"slot_id" validate:"required"`
	Actor           Actor     `json:"actor" validate:"oneof=candidate recruiter"`
	ActorID         string    `json:"actor_id,omitempty"`
	Action          Action    `json:"action" validate:"required"`
	ExpectedVersion int64     `json:"expected_version,omitempty" validate:"gte=0"`
	CandidateID     string    `json:"candidate_id,omitempty"`
	HoldSeconds     int       `json:"hold_seconds,omitempty" validate:"gte=0,lte=3600"`
	NewStartTime    time.Time `json:"new_start_time,omitempty"`
	Reason          string    `json:"reason,omitempty" validate:"max=500"`
}

var validate = validator.New()

// rule is one row of the transition table.
type rule struct {
	actor Actor
	from  []slot.Status
}

var rules = map[Action]rule{
	ActionReserve:    {actor: ActorCandidate, from: []slot.Status{slot.StatusFree}},
	ActionWithdraw:   {actor: ActorCandidate, from: []slot.Status{slot.StatusPending}},
	ActionExtend:     {actor: ActorCandidate, from: []slot.Status{slot.StatusPending}},
	ActionApprove:    {actor: ActorRecruiter, from: []slot.Status{slot.StatusPending}},
	ActionReject:     {actor: ActorRecruiter, from: []slot.Status{slot.StatusPending}},
	ActionUnapprove:  {actor: ActorRecruiter, from: []slot.Status{slot.StatusBooked}},
	ActionConfirm:    {actor: ActorCandidate, from: []slot.Status{slot.StatusBooked}},
	ActionDecline:    {actor: ActorCandidate, from: []slot.Status{slot.StatusBooked, slot.StatusConfirmed}},
	ActionCancel:     {actor: ActorRecruiter, from: []slot.Status{slot.StatusBooked, slot.StatusConfirmed}},
	ActionReschedule: {actor: ActorRecruiter, from: []slot.Status{slot.StatusBooked, slot.StatusConfirmed}},
}

// Actions lists every known action.
func Actions() []Action {
	return []Action{
		ActionReserve, ActionWithdraw, ActionExtend, ActionApprove, ActionReject, ActionUnapprove,
		ActionConfirm, ActionDecline, ActionCancel, ActionReschedule,
	}
}

// DefaultActor is the actor an action belongs to, or "" for unknown actions.
func DefaultActor(a Action) Actor {
	return rules[a].actor
}

// Validate checks the shape of the command without looking at the slot.
func (c Command) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WithDetail(errors.Wrapf(errors.ErrValidation, "invalid command: %v", err), err.Error())
	}
	r, ok := rules[c.Action]
	if !ok {
		return errors.NewValidationError("unknown action %q", c.Action)
	}
	if c.Actor != r.actor {
		return errors.NewValidationError("%s may not %s", c.Actor, c.Action)
	}
	switch c.Action {
	case ActionReserve:
		if c.candidate() == "" {
			return errors.NewValidationError("reserve needs a candidate id")
		}
	case ActionReschedule:
		if c.NewStartTime.IsZero() {
			return errors.NewValidationError("reschedule needs a new start time")
		}
	}
	return nil
}

// candidate is the reserving candidate: CandidateID, else the actor's id.
func (c Command) candidate() string {
	if c.CandidateID != "" {
		return c.CandidateID
	}
	return c.ActorID
}

// holdFor is the requested lock lifetime, 0 for the default.
func (c Command) holdFor() time.Duration {
	return time.Duration(c.HoldSeconds) * time.Second
}

// allowedFrom reports whether the rule applies in status s.
func (r rule) allowedFrom(s slot.Status) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}
