// Package sender delivers outbox messages to recipients. The core only knows
// the Sender interface; adapters here talk to SES, an AMQP exchange, a webhook or the log.
package sender

import (
	"context"
	"net"
	"strings"

	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/outbox"
)

// Envelope is what a Sender receives for one delivery attempt.
type Envelope struct {
	MessageID    string         `json:"message_id"`
	RecipientRef string         `json:"recipient_ref"`
	TemplateKey  string         `json:"template_key"`
	Context      outbox.Payload `json:"context"`
	DedupeKey    string         `json:"dedupe_key"`
	Attempt      int            `json:"attempt"`
}

// EnvelopeFor builds the envelope of attempt n of m.
func EnvelopeFor(m *outbox.Message, attempt int) Envelope {
	return Envelope{
		MessageID:    m.ID,
		RecipientRef: m.RecipientRef,
		TemplateKey:  m.TemplateKey,
		Context:      m.Context,
		DedupeKey:    m.DedupeKey,
		Attempt:      attempt,
	}
}

// Sender delivers one envelope. A nil error means the recipient's transport
// accepted it. Wrap failures with Transient or Permanent.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// Transient marks err as a failure worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errors.ErrDeliveryTransient)
}

// Permanent marks err as a failure that will never succeed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errors.ErrDeliveryPermanent)
}

// FailureCode classifies a delivery failure.
type FailureCode string

const (
	FailurePermanent FailureCode = "permanent"
	FailureRejected  FailureCode = "rejected"
	FailureThrottled FailureCode = "throttled"
	FailureNetwork   FailureCode = "network"
	FailureTimeout   FailureCode = "timeout"
	FailureUnknown   FailureCode = "unknown"
)

// Failure is the classification of one send error.
type Failure struct {
	Code      FailureCode
	Message   string
	Retryable bool
}

// Classify decides whether a send error is retried. Marked errors win;
// otherwise the message is matched against known patterns and anything
// unrecognized is retried.
func Classify(err error) Failure {
	if err == nil {
		return Failure{Code: FailureUnknown, Message: "unknown error"}
	}

	f := Failure{Message: err.Error()}
	lower := strings.ToLower(f.Message)

	var netErr net.Error
	switch {
	case errors.Is(err, errors.ErrDeliveryPermanent):
		f.Code = FailurePermanent
		f.Retryable = false

	case errors.Is(err, errors.ErrDeliveryTransient):
		f.Code = FailureUnknown
		f.Retryable = true

	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		f.Code = FailureTimeout
		f.Retryable = true

	case errors.As(err, &netErr) || strings.Contains(lower, "connection") || strings.Contains(lower, "network"):
		f.Code = FailureNetwork
		f.Retryable = true

	case strings.Contains(lower, "throttl") || strings.Contains(lower, "rate exceeded") || strings.Contains(lower, "too many requests"):
		f.Code = FailureThrottled
		f.Retryable = true

	case strings.Contains(lower, "unregistered") || strings.Contains(lower, "blocked") ||
		strings.Contains(lower, "rejected") || strings.Contains(lower, "unknown recipient"):
		f.Code = FailureRejected
		f.Retryable = false

	default:
		f.Code = FailureUnknown
		f.Retryable = true
	}
	return f
}
