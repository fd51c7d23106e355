// Package outbox is the transactional notification outbox: messages are
// appended in the same transaction as the slot change that caused them and
// drained asynchronously with retry, backoff and dead-lettering.
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/slotpulse/errors"
)

// Kind identifies what a message announces.
type Kind string

const (
	KindRequested   Kind = "requested"
	KindBooked      Kind = "booked"
	KindConfirmed   Kind = "confirmed"
	KindRejected    Kind = "rejected"
	KindRescheduled Kind = "rescheduled"
	KindCanceled    Kind = "canceled"
	KindUnapproved  Kind = "unapproved"
	KindLockExpired Kind = "lock_expired"
	KindReminder6h  Kind = "reminder_6h"
	KindReminder3h  Kind = "reminder_3h"
	KindReminder2h  Kind = "reminder_2h"
)

// ReminderKinds lists the reminder kinds, longest lead time first.
var ReminderKinds = []Kind{KindReminder6h, KindReminder3h, KindReminder2h}

// IsReminder reports whether k is one of the time-based reminders.
func (k Kind) IsReminder() bool {
	return strings.HasPrefix(string(k), "reminder_")
}

// TemplateKey is the key the sender resolves to a concrete template.
func (k Kind) TemplateKey() string {
	return "slot." + string(k)
}

// State is the delivery state of a message.
type State string

const (
	StatePending    State = "pending"     // never attempted
	StateFailed     State = "failed"      // transient failure, waiting for next_attempt_at
	StateSent       State = "sent"        // terminal
	StateDeadLetter State = "dead_letter" // terminal, needs an operator
	StateSuperseded State = "superseded"  // terminal, made obsolete by a later slot change
)

// Deliverable reports whether the worker may still pick the message up.
func (s State) Deliverable() bool {
	return s == StatePending || s == StateFailed
}

// Message is one outbound notification.
type Message struct {
	ID            string     `json:"id"`
	SlotID        string     `json:"slot_id"`
	Kind          Kind       `json:"kind"`
	RecipientRef  string     `json:"recipient_ref"`
	TemplateKey   string     `json:"template_key"`
	Context       Payload    `json:"context"`
	State         State      `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	DedupeKey     string     `json:"dedupe_key"`
	LastError     string     `json:"last_error,omitempty"`
	ClaimedBy     string     `json:"-"`
	ClaimedUntil  *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// Recipient references are opaque to the core; senders resolve them.
func CandidateRecipient(candidateID string) string { return "candidate:" + candidateID }

func RecruiterRecipient(recruiterID string) string { return "recruiter:" + recruiterID }

// DedupeKey is slot id, the slot version the message was written at, kind
// and the created_at bucket of width window. Consumers use it to drop
// redeliveries of the same logical notification; the version keeps a kind
// that recurs after a later transition (approve, unapprove, approve) apart.
func DedupeKey(slotID string, slotVersion int64, kind Kind, createdAt time.Time, window time.Duration) string {
	if window <= 0 {
		window = time.Minute
	}
	return fmt.Sprintf("%s:v%d:%s:%d", slotID, slotVersion, kind, createdAt.Truncate(window).Unix())
}

// NewMessage validates payload and builds a pending message due now.
// slotVersion is the slot's version as of the transition that wrote it.
func NewMessage(slotID string, slotVersion int64, recipientRef string, payload Payload, now time.Time, dedupeWindow time.Duration) (*Message, error) {
	if slotID == "" || recipientRef == "" {
		return nil, errors.NewValidationError("message needs a slot id and a recipient")
	}
	if err := Validate(payload); err != nil {
		return nil, err
	}

	kind := payload.Kind()
	return &Message{
		ID:            uuid.NewString(),
		SlotID:        slotID,
		Kind:          kind,
		RecipientRef:  recipientRef,
		TemplateKey:   kind.TemplateKey(),
		Context:       payload,
		State:         StatePending,
		NextAttemptAt: now,
		DedupeKey:     DedupeKey(slotID, slotVersion, kind, now, dedupeWindow),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func encodeContext(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "encode payload")
	}
	return string(b), nil
}
