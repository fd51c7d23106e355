package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across slotpulse.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Booking domain
	FieldSlotID      = "slot_id"
	FieldCandidateID = "candidate_id"
	FieldRecruiterID = "recruiter_id"
	FieldAction      = "action"
	FieldActor       = "actor"
	FieldFromStatus  = "from"
	FieldToStatus    = "to"
	FieldVersion     = "version"

	// Outbox and reminders
	FieldMessageID = "message_id"
	FieldKind      = "kind"
	FieldRecipient = "recipient"
	FieldAttempt   = "attempt"
	FieldNextRetry = "next_attempt_at"
	FieldJobID     = "job_id"
	FieldFireAt    = "fire_at"

	// Operations
	FieldRequestID  = "request_id"
	FieldComponent  = "component"
	FieldTask       = "task"
	FieldDurationMS = "duration_ms"
	FieldCount      = "count"

	// Errors
	FieldError = "error"
)

type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	slotIDKey    contextKey = "logger_slot_id"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithSlotID adds a slot ID to the context for logging
func WithSlotID(ctx context.Context, slotID string) context.Context {
	return context.WithValue(ctx, slotIDKey, slotID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if slotID, ok := ctx.Value(slotIDKey).(string); ok && slotID != "" {
		fields = append(fields, FieldSlotID, slotID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger. Components take
// a *zap.SugaredLogger in their constructor; this is what main passes them.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
