package outbox

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/slotpulse/errors"
	slottest "github.com/teranos/slotpulse/internal/testing"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func bookedPayload(slotID string) BookedPayload {
	return BookedPayload{
		SlotID:      slotID,
		RecruiterID: "rec-1",
		CandidateID: "cand-1",
		StartTime:   t0.Add(24 * time.Hour),
		Duration:    time.Hour,
	}
}

func appendMessage(t *testing.T, store *Store, slotID, recipient string, p Payload, at time.Time) *Message {
	t.Helper()
	m, err := NewMessage(slotID, 1, recipient, p, at, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), m))
	return m
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{40, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.False(t, p.Exhausted(7))
	assert.True(t, p.Exhausted(8))
}

func TestNewMessage(t *testing.T) {
	m, err := NewMessage("s1", 3, CandidateRecipient("cand-1"), bookedPayload("s1"), t0.Add(17*time.Second), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, KindBooked, m.Kind)
	assert.Equal(t, "slot.booked", m.TemplateKey)
	assert.Equal(t, "candidate:cand-1", m.RecipientRef)
	assert.Equal(t, StatePending, m.State)
	assert.Equal(t, 0, m.AttemptCount)
	assert.Equal(t, "s1:v3:booked:"+strconv.FormatInt(t0.Unix(), 10), m.DedupeKey)
	assert.NotEmpty(t, m.ID)
}

func TestNewMessage_ValidatesPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"missing slot id", BookedPayload{RecruiterID: "r", CandidateID: "c", StartTime: t0, Duration: time.Hour}},
		{"zero start time", ConfirmedPayload{SlotID: "s1", RecruiterID: "r", CandidateID: "c"}},
		{"zero duration", BookedPayload{SlotID: "s1", RecruiterID: "r", CandidateID: "c", StartTime: t0}},
		{"bad canceler", CanceledPayload{SlotID: "s1", RecruiterID: "r", CandidateID: "c", StartTime: t0, CanceledBy: "admin"}},
		{"unknown reminder kind", ReminderPayload{ReminderKind: "reminder_1h", SlotID: "s1", RecruiterID: "r", CandidateID: "c", StartTime: t0}},
		{"nil payload", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage("s1", 1, "candidate:c", tt.payload, t0, time.Minute)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))
		})
	}
}

func TestDedupeKey_Buckets(t *testing.T) {
	a := DedupeKey("s1", 3, KindBooked, t0.Add(5*time.Second), time.Minute)
	b := DedupeKey("s1", 3, KindBooked, t0.Add(55*time.Second), time.Minute)
	c := DedupeKey("s1", 3, KindBooked, t0.Add(65*time.Second), time.Minute)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, DedupeKey("s1", 3, KindConfirmed, t0, time.Minute))
	// Same kind again after later transitions within the window
	assert.NotEqual(t, a, DedupeKey("s1", 5, KindBooked, t0.Add(20*time.Second), time.Minute))
}

func TestStore_AppendAndGetRoundTripsPayload(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))

	reminder := ReminderPayload{
		ReminderKind: KindReminder3h,
		SlotID:       "s1",
		CandidateID:  "cand-1",
		RecruiterID:  "rec-1",
		StartTime:    t0.Add(3 * time.Hour),
	}
	m := appendMessage(t, store, "s1", CandidateRecipient("cand-1"), reminder, t0)

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, KindReminder3h, got.Kind)
	assert.Equal(t, m.DedupeKey, got.DedupeKey)
	decoded, ok := got.Context.(ReminderPayload)
	require.True(t, ok, "context should decode to ReminderPayload, got %T", got.Context)
	assert.Equal(t, "cand-1", decoded.CandidateID)
	assert.True(t, reminder.StartTime.Equal(decoded.StartTime))

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_ClaimHeadsPreservesRecipientOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))

	first := appendMessage(t, store, "s1", "candidate:a", bookedPayload("s1"), t0)
	appendMessage(t, store, "s2", "candidate:a", bookedPayload("s2"), t0.Add(time.Second))
	other := appendMessage(t, store, "s3", "candidate:b", bookedPayload("s3"), t0.Add(2*time.Second))

	heads, err := store.ClaimHeads(ctx, "w1", t0.Add(time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.Equal(t, first.ID, heads[0].ID)
	assert.Equal(t, other.ID, heads[1].ID)
	assert.Equal(t, "w1", heads[0].ClaimedBy)

	// Leased heads are invisible to a second worker
	again, err := store.ClaimHeads(ctx, "w2", t0.Add(time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Nothing behind a leased head either
	next, err := store.ClaimRecipientHead(ctx, "w1", "candidate:a", t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, store.MarkSent(ctx, first.ID, "w1", 1, t0.Add(time.Minute)))
	next, err = store.ClaimRecipientHead(ctx, "w1", "candidate:a", t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "s2", next.SlotID)
}

func TestStore_FailedHeadBlocksRecipientUntilDue(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))

	head := appendMessage(t, store, "s1", "candidate:a", bookedPayload("s1"), t0)
	appendMessage(t, store, "s2", "candidate:a", bookedPayload("s2"), t0.Add(time.Second))

	heads, err := store.ClaimHeads(ctx, "w1", t0.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)

	retryAt := t0.Add(31 * time.Second)
	require.NoError(t, store.MarkRetry(ctx, head.ID, "w1", 1, retryAt, "timeout", t0.Add(time.Second)))

	heads, err = store.ClaimHeads(ctx, "w1", t0.Add(10*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, heads, "the later message must not overtake a failed head")

	heads, err = store.ClaimHeads(ctx, "w1", retryAt, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, head.ID, heads[0].ID)
	assert.Equal(t, StateFailed, heads[0].State)
	assert.Equal(t, 1, heads[0].AttemptCount)
	assert.Equal(t, "timeout", heads[0].LastError)
}

func TestStore_ExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))
	m := appendMessage(t, store, "s1", "candidate:a", bookedPayload("s1"), t0)

	_, err := store.ClaimHeads(ctx, "crashed", t0, time.Minute, 10)
	require.NoError(t, err)

	heads, err := store.ClaimHeads(ctx, "w2", t0.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)

	err = store.MarkSent(ctx, m.ID, "crashed", 1, t0.Add(2*time.Minute))
	assert.True(t, errors.Is(err, ErrClaimLost))
	require.NoError(t, store.MarkSent(ctx, m.ID, "w2", 1, t0.Add(2*time.Minute)))
}

func TestStore_DeadLetterInspectionAndRequeue(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))
	m := appendMessage(t, store, "s1", "candidate:a", bookedPayload("s1"), t0)

	_, err := store.ClaimHeads(ctx, "w1", t0, time.Minute, 10)
	require.NoError(t, err)
	require.NoError(t, store.RecordAttempt(ctx, Attempt{MessageID: m.ID, Attempt: 1, Outcome: OutcomePermanent, Error: "unregistered", AttemptedAt: t0}))
	require.NoError(t, store.MarkDeadLetter(ctx, m.ID, "w1", 1, "unregistered", t0))

	var inspector Inspector = store
	dead, err := inspector.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "unregistered", dead[0].LastError)

	attempts, err := inspector.Attempts(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomePermanent, attempts[0].Outcome)
	assert.True(t, t0.Equal(attempts[0].AttemptedAt))

	require.NoError(t, store.Requeue(ctx, m.ID, t0.Add(time.Hour)))
	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 0, got.AttemptCount)

	err = store.Requeue(ctx, m.ID, t0.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	err = store.Requeue(ctx, "missing", t0)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_SupersedeRemindersOnly(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))

	booked := appendMessage(t, store, "s1", "candidate:a", bookedPayload("s1"), t0)
	reminder := appendMessage(t, store, "s1", "candidate:a", ReminderPayload{
		ReminderKind: KindReminder6h, SlotID: "s1", CandidateID: "a", RecruiterID: "r", StartTime: t0.Add(6 * time.Hour),
	}, t0)
	appendMessage(t, store, "s2", "candidate:b", ReminderPayload{
		ReminderKind: KindReminder2h, SlotID: "s2", CandidateID: "b", RecruiterID: "r", StartTime: t0.Add(2 * time.Hour),
	}, t0)

	n, err := store.SupersedeReminders(ctx, "s1", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, reminder.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuperseded, got.State)

	got, err = store.Get(ctx, booked.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[StatePending])
	assert.Equal(t, 1, stats[StateSuperseded])
}

func TestStore_ReleaseClaims(t *testing.T) {
	ctx := context.Background()
	store := NewStore(slottest.CreateTestDB(t))
	appendMessage(t, store, "s1", "candidate:a", bookedPayload("s1"), t0)

	_, err := store.ClaimHeads(ctx, "w1", t0, time.Hour, 10)
	require.NoError(t, err)

	n, err := store.ReleaseClaims(ctx, "w1", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	heads, err := store.ClaimHeads(ctx, "w2", t0, time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, heads, 1)
}

func TestStore_AppendInsideRolledBackTxLeavesNothing(t *testing.T) {
	ctx := context.Background()
	conn := slottest.CreateTestDB(t)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	appendMessage(t, NewStore(tx), "s1", "candidate:a", bookedPayload("s1"), t0)
	require.NoError(t, tx.Rollback())

	msgs, err := NewStore(conn).ListForSlot(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
