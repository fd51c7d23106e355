package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/errors"
	slottest "github.com/teranos/slotpulse/internal/testing"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/sender"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// scriptedSender fails per recipient with queued errors and records every
// send in order. It also tracks in-flight sends per recipient.
type scriptedSender struct {
	mu       sync.Mutex
	failures map[string][]error
	always   map[string]error
	sent     []string
	inFlight map[string]int
	overlap  bool
	delay    time.Duration
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{
		failures: make(map[string][]error),
		always:   make(map[string]error),
		inFlight: make(map[string]int),
	}
}

func (s *scriptedSender) Send(ctx context.Context, env sender.Envelope) error {
	s.mu.Lock()
	s.inFlight[env.RecipientRef]++
	if s.inFlight[env.RecipientRef] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[env.RecipientRef]--
	if err, ok := s.always[env.RecipientRef]; ok {
		return err
	}
	if q := s.failures[env.RecipientRef]; len(q) > 0 {
		s.failures[env.RecipientRef] = q[1:]
		return q[0]
	}
	s.sent = append(s.sent, env.MessageID)
	return nil
}

func (s *scriptedSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fixture struct {
	conn   *sql.DB
	clock  *clock.Fake
	sender *scriptedSender
	worker *Worker
	store  *outbox.Store
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	conn := slottest.CreateTestDB(t)
	fake := clock.NewFake(t0)
	s := newScriptedSender()
	w := NewWorker(conn, s, outbox.DefaultRetryPolicy(), fake, Config{
		Workers:    workers,
		BatchSize:  50,
		ClaimLease: time.Minute,
		Owner:      "test-worker",
	}, zaptest.NewLogger(t).Sugar())
	return &fixture{conn: conn, clock: fake, sender: s, worker: w, store: outbox.NewStore(conn)}
}

func (f *fixture) enqueue(t *testing.T, slotID, recipient string) *outbox.Message {
	t.Helper()
	m, err := outbox.NewMessage(slotID, 1, recipient, outbox.ConfirmedPayload{
		SlotID:      slotID,
		RecruiterID: "rec-1",
		CandidateID: "cand-1",
		StartTime:   t0.Add(48 * time.Hour),
	}, f.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.store.Append(context.Background(), m))
	// Distinct created_at keeps enqueue order obvious
	f.clock.Advance(time.Millisecond)
	return m
}

func (f *fixture) state(t *testing.T, id string) *outbox.Message {
	t.Helper()
	m, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestDrain_DeliversInOrder(t *testing.T) {
	f := newFixture(t, 4)
	a1 := f.enqueue(t, "s1", "recruiter:a")
	b1 := f.enqueue(t, "s2", "recruiter:b")
	a2 := f.enqueue(t, "s3", "recruiter:a")

	res, err := f.worker.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 3}, res)

	sent := f.sender.sentIDs()
	require.Len(t, sent, 3)
	assert.ElementsMatch(t, []string{a1.ID, b1.ID, a2.ID}, sent)
	idx := func(id string) int {
		for i, s := range sent {
			if s == id {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx(a1.ID), idx(a2.ID))

	for _, id := range []string{a1.ID, b1.ID, a2.ID} {
		m := f.state(t, id)
		assert.Equal(t, outbox.StateSent, m.State)
		assert.Equal(t, 1, m.AttemptCount)
		assert.NotNil(t, m.SentAt)
	}

	attempts, err := f.store.Attempts(context.Background(), a1.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, outbox.OutcomeSent, attempts[0].Outcome)

	// Nothing left
	res, err = f.worker.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestDrain_TransientRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	first := f.enqueue(t, "s1", "candidate:c")
	second := f.enqueue(t, "s2", "candidate:c")
	f.sender.always["candidate:c"] = sender.Transient(errors.New("gateway unavailable"))

	policy := outbox.DefaultRetryPolicy()
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res, err := f.worker.Drain(ctx)
		require.NoError(t, err)

		m := f.state(t, first.ID)
		assert.Equal(t, attempt, m.AttemptCount)
		if attempt < policy.MaxAttempts {
			assert.Equal(t, Result{Retried: 1}, res, "attempt %d", attempt)
			assert.Equal(t, outbox.StateFailed, m.State)
			assert.True(t, f.clock.Now().Add(policy.Backoff(attempt)).Equal(m.NextAttemptAt), "attempt %d", attempt)

			// The second message never overtakes the failing head
			assert.Equal(t, outbox.StatePending, f.state(t, second.ID).State)

			// Not due before the backoff elapses
			f.clock.Advance(policy.Backoff(attempt) - time.Millisecond)
			res, err = f.worker.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, Result{}, res)
			f.clock.Advance(time.Millisecond)
		} else {
			assert.Equal(t, outbox.StateDeadLetter, m.State)
			assert.Equal(t, 1, res.DeadLettered)
		}
	}

	attempts, err := f.store.Attempts(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, policy.MaxAttempts)

	dead, err := f.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, first.ID, dead[0].ID)
	assert.Contains(t, dead[0].LastError, "gateway unavailable")
}

func TestDrain_PermanentSkipsRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	first := f.enqueue(t, "s1", "candidate:c")
	second := f.enqueue(t, "s2", "candidate:c")
	f.sender.failures["candidate:c"] = []error{sender.Permanent(errors.New("bot was blocked by the user"))}

	res, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1, DeadLettered: 1}, res)

	m := f.state(t, first.ID)
	assert.Equal(t, outbox.StateDeadLetter, m.State)
	assert.Equal(t, 1, m.AttemptCount)
	assert.Equal(t, outbox.StateSent, f.state(t, second.ID).State)

	attempts, err := f.store.Attempts(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, outbox.OutcomePermanent, attempts[0].Outcome)
}

func TestDrain_UnclassifiedErrorIsRetried(t *testing.T) {
	f := newFixture(t, 1)
	m := f.enqueue(t, "s1", "candidate:c")
	f.sender.failures["candidate:c"] = []error{errors.New("something odd")}

	res, err := f.worker.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Retried: 1}, res)
	assert.Equal(t, outbox.StateFailed, f.state(t, m.ID).State)
}

func TestDrain_SerialPerRecipient(t *testing.T) {
	f := newFixture(t, 8)
	f.sender.delay = 2 * time.Millisecond
	for i := 0; i < 5; i++ {
		for r := 0; r < 4; r++ {
			f.enqueue(t, fmt.Sprintf("s-%d-%d", r, i), fmt.Sprintf("candidate:%d", r))
		}
	}

	res, err := f.worker.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Sent)
	assert.False(t, f.sender.overlap, "one recipient had two sends in flight")
}

func TestDrain_SkipsSupersededReminders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	m, err := outbox.NewMessage("s1", 1, "candidate:c", outbox.ReminderPayload{
		ReminderKind: outbox.KindReminder2h,
		SlotID:       "s1",
		CandidateID:  "c",
		RecruiterID:  "rec-1",
		StartTime:    t0.Add(2 * time.Hour),
	}, t0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.store.Append(ctx, m))
	_, err = f.store.SupersedeReminders(ctx, "s1", t0)
	require.NoError(t, err)

	res, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.sender.sentIDs())
}

func TestReleaseClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	m := f.enqueue(t, "s1", "candidate:c")

	claimed, err := f.store.ClaimHeads(ctx, f.worker.Owner(), f.clock.Now(), time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.worker.ReleaseClaims(ctx))
	got := f.state(t, m.ID)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedUntil)
}
