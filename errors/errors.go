// Package errors provides error handling for slotpulse.
//
// This package re-exports github.com/cockroachdb/errors so every package gets
// stack traces, wrapping, hints and details from one import, and it defines
// the domain sentinels that callers branch on with errors.Is:
//
//	if errors.Is(err, errors.ErrVersionConflict) {
//	    // reread the slot and retry
//	}
//
// Sentinels are always wrapped, never returned bare, so the message carries
// the slot or message id that failed:
//
//	return errors.Wrapf(errors.ErrLockConflict, "slot %s", slotID)
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Generic sentinels shared by the stores and the HTTP layer.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")
)

// Booking domain sentinels.
var (
	// ErrValidation: the action is not allowed from the slot's current state,
	// by this actor, or with these arguments.
	ErrValidation = New("validation failed")

	// ErrLockConflict: the slot is held by another reservation or is not free.
	ErrLockConflict = New("lock conflict")

	// ErrLockExpired: the reservation lapsed before it was approved.
	ErrLockExpired = New("lock expired")

	// ErrVersionConflict: a concurrent writer changed the slot first. Reread and retry.
	ErrVersionConflict = New("version conflict")

	// ErrDeliveryTransient: the sender failed in a way that may succeed later.
	ErrDeliveryTransient = New("transient delivery failure")

	// ErrDeliveryPermanent: the sender will never accept this message.
	ErrDeliveryPermanent = New("permanent delivery failure")

	// ErrSchedulerInconsistency: a reminder job references a slot that is gone.
	ErrSchedulerInconsistency = New("scheduler inconsistency")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflict reports whether err is one of the errors a caller resolves by
// rereading state: lock conflict, version conflict or a generic conflict.
func IsConflict(err error) bool {
	return err != nil && IsAny(err, ErrLockConflict, ErrVersionConflict, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrapf(ErrValidation, format, args...)
}
