package outbox

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/slotpulse/errors"
)

var validate = validator.New()

// Payload is the typed template context of one message kind. Every kind has
// exactly one payload struct; NewMessage validates it before anything is
// written.
type Payload interface {
	Kind() Kind
}

// RequestedPayload tells the recruiter a candidate reserved a slot.
type RequestedPayload struct {
	SlotID      string    `json:"slot_id" validate:"required"`
	RecruiterID string    `json:"recruiter_id" validate:"required"`
	CandidateID string    `json:"candidate_id" validate:"required"`
	StartTime   time.Time `json:"start_time" validate:"required"`
	LockExpiry  time.Time `json:"lock_expiry" validate:"required"`
}

func (RequestedPayload) Kind() Kind { return KindRequested }

// BookedPayload tells the candidate the recruiter approved the slot.
type BookedPayload struct {
	SlotID      string        `json:"slot_id" validate:"required"`
	RecruiterID string        `json:"recruiter_id" validate:"required"`
	CandidateID string        `json:"candidate_id" validate:"required"`
	CityID      string        `json:"city_id,omitempty"`
	StartTime   time.Time     `json:"start_time" validate:"required"`
	Duration    time.Duration `json:"duration" validate:"gt=0"`
}

func (BookedPayload) Kind() Kind { return KindBooked }

// ConfirmedPayload tells the recruiter the candidate confirmed.
type ConfirmedPayload struct {
	SlotID      string    `json:"slot_id" validate:"required"`
	RecruiterID string    `json:"recruiter_id" validate:"required"`
	CandidateID string    `json:"candidate_id" validate:"required"`
	StartTime   time.Time `json:"start_time" validate:"required"`
}

func (ConfirmedPayload) Kind() Kind { return KindConfirmed }

// RejectedPayload tells the candidate the reservation was turned down.
type RejectedPayload struct {
	SlotID      string    `json:"slot_id" validate:"required"`
	CandidateID string    `json:"candidate_id" validate:"required"`
	StartTime   time.Time `json:"start_time" validate:"required"`
	Reason      string    `json:"reason,omitempty" validate:"max=500"`
}

func (RejectedPayload) Kind() Kind { return KindRejected }

// RescheduledPayload tells the candidate the interview moved.
type RescheduledPayload struct {
	SlotID       string    `json:"slot_id" validate:"required"`
	CandidateID  string    `json:"candidate_id" validate:"required"`
	OldStartTime time.Time `json:"old_start_time" validate:"required"`
	NewStartTime time.Time `json:"new_start_time" validate:"required"`
	Reason       string    `json:"reason,omitempty" validate:"max=500"`
}

func (RescheduledPayload) Kind() Kind { return KindRescheduled }

// CanceledPayload tells the other party a booked interview is off.
type CanceledPayload struct {
	SlotID      string    `json:"slot_id" validate:"required"`
	CandidateID string    `json:"candidate_id" validate:"required"`
	RecruiterID string    `json:"recruiter_id" validate:"required"`
	CanceledBy  string    `json:"canceled_by" validate:"oneof=candidate recruiter"`
	StartTime   time.Time `json:"start_time" validate:"required"`
	Reason      string    `json:"reason,omitempty" validate:"max=500"`
}

func (CanceledPayload) Kind() Kind { return KindCanceled }

// UnapprovedPayload tells the candidate an approval was withdrawn and the
// slot is back to awaiting a decision.
type UnapprovedPayload struct {
	SlotID      string    `json:"slot_id" validate:"required"`
	CandidateID string    `json:"candidate_id" validate:"required"`
	StartTime   time.Time `json:"start_time" validate:"required"`
	Reason      string    `json:"reason,omitempty" validate:"max=500"`
}

func (UnapprovedPayload) Kind() Kind { return KindUnapproved }

// LockExpiredPayload tells the candidate the reservation lapsed unapproved.
type LockExpiredPayload struct {
	SlotID      string    `json:"slot_id" validate:"required"`
	CandidateID string    `json:"candidate_id" validate:"required"`
	StartTime   time.Time `json:"start_time" validate:"required"`
	ExpiredAt   time.Time `json:"expired_at" validate:"required"`
}

func (LockExpiredPayload) Kind() Kind { return KindLockExpired }

// ReminderPayload is the context of the 6h, 3h and 2h reminders. StartTime is
// the value captured when the reminder was scheduled.
type ReminderPayload struct {
	ReminderKind Kind      `json:"kind" validate:"oneof=reminder_6h reminder_3h reminder_2h"`
	SlotID       string    `json:"slot_id" validate:"required"`
	CandidateID  string    `json:"candidate_id" validate:"required"`
	RecruiterID  string    `json:"recruiter_id" validate:"required"`
	StartTime    time.Time `json:"start_time" validate:"required"`
	CityID       string    `json:"city_id,omitempty"`
}

func (p ReminderPayload) Kind() Kind { return p.ReminderKind }

// Validate checks p against its struct tags.
func Validate(p Payload) error {
	if p == nil {
		return errors.NewValidationError("nil payload")
	}
	if err := validate.Struct(p); err != nil {
		return errors.WithDetail(
			errors.Wrapf(errors.ErrValidation, "invalid %s payload: %v", p.Kind(), err),
			err.Error())
	}
	return nil
}

// DecodePayload restores the typed payload stored for kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindRequested:
		p = &RequestedPayload{}
	case KindBooked:
		p = &BookedPayload{}
	case KindConfirmed:
		p = &ConfirmedPayload{}
	case KindRejected:
		p = &RejectedPayload{}
	case KindRescheduled:
		p = &RescheduledPayload{}
	case KindCanceled:
		p = &CanceledPayload{}
	case KindUnapproved:
		p = &UnapprovedPayload{}
	case KindLockExpired:
		p = &LockExpiredPayload{}
	case KindReminder6h, KindReminder3h, KindReminder2h:
		p = &ReminderPayload{}
	default:
		return nil, errors.Newf("unknown message kind %q", kind)
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", kind)
	}
	return deref(p), nil
}

// deref returns the value form so decoded payloads compare equal to the
// values they were built from.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *RequestedPayload:
		return *v
	case *BookedPayload:
		return *v
	case *ConfirmedPayload:
		return *v
	case *RejectedPayload:
		return *v
	case *RescheduledPayload:
		return *v
	case *CanceledPayload:
		return *v
	case *UnapprovedPayload:
		return *v
	case *LockExpiredPayload:
		return *v
	case *ReminderPayload:
		return *v
	}
	return p
}
