package slot

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/slotpulse/errors"
	slottest "github.com/teranos/slotpulse/internal/testing"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newSlot(id string) *Slot {
	return &Slot{
		ID:          id,
		RecruiterID: "rec-1",
		CityID:      "berlin",
		StartTime:   t0.Add(48 * time.Hour),
		Duration:    45 * time.Minute,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))

	sl := newSlot("s1")
	require.NoError(t, store.Create(ctx, sl, t0))
	assert.Equal(t, int64(1), sl.Version)
	assert.Equal(t, StatusFree, sl.Status)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.RecruiterID)
	assert.Equal(t, "berlin", got.CityID)
	assert.True(t, sl.StartTime.Equal(got.StartTime))
	assert.Equal(t, 45*time.Minute, got.Duration)
	assert.Equal(t, StatusFree, got.Status)
	assert.Empty(t, got.CandidateID)
	assert.Nil(t, got.LockExpiry)
	assert.True(t, t0.Equal(got.CreatedAt))

	err = store.Create(ctx, newSlot("s1"), t0)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestStore_CreateValidates(t *testing.T) {
	store := NewStore(slottest.CreateTestDB(t))

	err := store.Create(context.Background(), &Slot{ID: "x"}, t0)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	bad := newSlot("y")
	bad.Duration = 0
	err = store.Create(context.Background(), bad, t0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestStore_GetMissing(t *testing.T) {
	store := NewStore(slottest.CreateTestDB(t))

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_UpdateCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))
	require.NoError(t, store.Create(ctx, newSlot("s1"), t0))

	first, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	expiry := t0.Add(10 * time.Minute)
	first.Status = StatusPending
	first.CandidateID = "cand-1"
	first.LockToken = "tok"
	first.LockExpiry = &expiry
	require.NoError(t, store.Update(ctx, first, 1, t0.Add(time.Second)))
	assert.Equal(t, int64(2), first.Version)

	// second still holds version 1
	second.Status = StatusPending
	second.CandidateID = "cand-2"
	err = store.Update(ctx, second, second.Version, t0.Add(2*time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrVersionConflict))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cand-1", got.CandidateID)
	assert.Equal(t, "tok", got.LockToken)
	require.NotNil(t, got.LockExpiry)
	assert.True(t, expiry.Equal(*got.LockExpiry))
	assert.Equal(t, int64(2), got.Version)
}

func TestStore_UpdateRejectsPendingWithoutCandidate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))
	sl := newSlot("s1")
	require.NoError(t, store.Create(ctx, sl, t0))

	sl.Status = StatusBooked
	err := store.Update(ctx, sl, sl.Version, t0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrVersionConflict))
}

func TestStore_ListExpiredPending(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))

	for i, minutes := range []int{-5, 5} {
		sl := newSlot([]string{"lapsed", "live"}[i])
		require.NoError(t, store.Create(ctx, sl, t0))
		expiry := t0.Add(time.Duration(minutes) * time.Minute)
		sl.Status = StatusPending
		sl.CandidateID = "c"
		sl.LockToken = "tok"
		sl.LockExpiry = &expiry
		require.NoError(t, store.Update(ctx, sl, 1, t0))
	}
	require.NoError(t, store.Create(ctx, newSlot("free"), t0))

	expired, err := store.ListExpiredPending(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "lapsed", expired[0].ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusFree])

	all, err := store.List(ctx, Filter{Status: StatusPending}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_UpdateSurfacesDriverError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("UPDATE slots").WillReturnError(errors.New("database is locked"))

	sl := newSlot("s1")
	sl.Status = StatusFree
	err = NewStore(mockDB).Update(context.Background(), sl, 3, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update slot s1")
	assert.False(t, errors.Is(err, errors.ErrVersionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlot_HasActiveLock(t *testing.T) {
	sl := newSlot("s")
	assert.False(t, sl.HasActiveLock(t0))

	expiry := t0.Add(time.Minute)
	sl.LockToken = "tok"
	sl.LockExpiry = &expiry
	assert.True(t, sl.HasActiveLock(t0))
	assert.False(t, sl.HasActiveLock(expiry))

	sl.Free()
	assert.Equal(t, StatusFree, sl.Status)
	assert.False(t, sl.HasActiveLock(t0))
}
