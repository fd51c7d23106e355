package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestDomainSentinelsSurviveWrapping(t *testing.T) {
	sentinels := []error{
		ErrValidation,
		ErrLockConflict,
		ErrLockExpired,
		ErrVersionConflict,
		ErrDeliveryTransient,
		ErrDeliveryPermanent,
		ErrSchedulerInconsistency,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			err := Wrapf(sentinel, "slot %s", "s-1")
			err = Wrap(err, "apply")

			assert.True(t, Is(err, sentinel))
			assert.Contains(t, err.Error(), "slot s-1")
			for _, other := range sentinels {
				if other != sentinel {
					assert.False(t, Is(err, other), "%v must not match %v", err, other)
				}
			}
		})
	}
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(Wrap(ErrLockConflict, "reserve")))
	assert.True(t, IsConflict(Wrap(ErrVersionConflict, "approve")))
	assert.True(t, IsConflict(ErrConflict))
	assert.False(t, IsConflict(ErrLockExpired))
	assert.False(t, IsConflict(nil))
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError("slot %s", "abc")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "slot abc")
	assert.False(t, IsNotFoundError(New("other")))
	assert.False(t, IsNotFoundError(nil))
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("cannot %s from %s", "approve", "free")
	assert.True(t, Is(err, ErrValidation))
	assert.Equal(t, "cannot approve from free: validation failed", err.Error())
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(Wrap(ErrLockExpired, "promote"), "slot_id=s-9")
	assert.True(t, Is(err, ErrLockExpired))
	assert.Contains(t, GetAllDetails(err), "slot_id=s-9")
}
