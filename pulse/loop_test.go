package pulse

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/errors"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// recorder collects task names in run order.
type recorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *recorder) task(name string, interval time.Duration, err error) Task {
	return Task{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.runs = append(r.runs, name)
			return err
		},
	}
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.runs
	r.runs = nil
	return out
}

type fakeLease struct {
	held     atomic.Bool
	resigned atomic.Bool
}

func (l *fakeLease) Held(context.Context) bool { return l.held.Load() }

func (l *fakeLease) Resign(context.Context) error {
	l.resigned.Store(true)
	return nil
}

func TestRunDue_CoalescesTasks(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	l := NewLoop(fake, nil, zaptest.NewLogger(t).Sugar())
	r := &recorder{}

	require.NoError(t, l.Add(r.task("sweep", 10*time.Second, nil)))
	require.NoError(t, l.Add(r.task("drain", time.Second, nil)))
	require.NoError(t, l.Add(r.task("remind", 30*time.Second, nil)))

	assert.Equal(t, 3, l.RunDue(ctx))
	assert.Equal(t, []string{"drain", "remind", "sweep"}, r.take())

	next, ok := l.NextDue()
	require.True(t, ok)
	assert.True(t, t0.Add(time.Second).Equal(next))

	assert.Equal(t, 0, l.RunDue(ctx))

	fake.Advance(10 * time.Second)
	l.RunDue(ctx)
	assert.Equal(t, []string{"drain", "sweep"}, r.take())
}

func TestRunDue_ErrorBacksOff(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	l := NewLoop(fake, nil, zaptest.NewLogger(t).Sugar())
	r := &recorder{}
	require.NoError(t, l.Add(r.task("drain", 100*time.Millisecond, errors.New("database is locked"))))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, delay := range want {
		now := fake.Now()
		assert.Equal(t, 1, l.RunDue(ctx))
		next, ok := l.NextDue()
		require.True(t, ok)
		assert.True(t, now.Add(delay).Equal(next), "failure %d: next due %s", i+1, next.Sub(now))
		fake.Set(next)
	}
}

func TestRunDue_RecoversAfterSuccess(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	l := NewLoop(fake, nil, zaptest.NewLogger(t).Sugar())

	fail := true
	require.NoError(t, l.Add(Task{Name: "drain", Interval: 100 * time.Millisecond, Run: func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}))

	l.RunDue(ctx)
	fake.Advance(time.Second)
	fail = false
	l.RunDue(ctx)

	next, _ := l.NextDue()
	assert.True(t, fake.Now().Add(100*time.Millisecond).Equal(next))
}

func TestNudge(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	l := NewLoop(fake, nil, zaptest.NewLogger(t).Sugar())
	r := &recorder{}
	require.NoError(t, l.Add(r.task("drain", time.Minute, nil)))
	require.NoError(t, l.Add(r.task("sweep", time.Minute, nil)))

	l.RunDue(ctx)
	r.take()

	l.Nudge("drain")
	l.Nudge("unknown")
	assert.Equal(t, 1, l.RunDue(ctx))
	assert.Equal(t, []string{"drain"}, r.take())

	next, _ := l.NextDue()
	assert.True(t, t0.Add(time.Minute).Equal(next))
}

func TestArm(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	l := NewLoop(fake, nil, zaptest.NewLogger(t).Sugar())
	r := &recorder{}
	require.NoError(t, l.Add(r.task("remind", time.Hour, nil)))
	l.RunDue(ctx)
	r.take()

	l.Arm("remind", t0.Add(2*time.Hour))
	next, _ := l.NextDue()
	assert.True(t, t0.Add(time.Hour).Equal(next), "arming later must not push back")

	l.Arm("remind", t0.Add(10*time.Minute))
	l.Arm("unknown", t0)
	next, _ = l.NextDue()
	assert.True(t, t0.Add(10*time.Minute).Equal(next))

	fake.Advance(9 * time.Minute)
	assert.Equal(t, 0, l.RunDue(ctx))
	fake.Advance(time.Minute)
	assert.Equal(t, 1, l.RunDue(ctx))
	assert.Equal(t, []string{"remind"}, r.take())

	next, _ = l.NextDue()
	assert.True(t, fake.Now().Add(time.Hour).Equal(next))
}

func TestArm_DuringRunHolds(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	l := NewLoop(fake, nil, zaptest.NewLogger(t).Sugar())

	runs := 0
	require.NoError(t, l.Add(Task{Name: "remind", Interval: time.Hour, Run: func(context.Context) error {
		runs++
		if runs == 1 {
			l.Arm("remind", t0.Add(5*time.Minute))
		}
		return nil
	}}))

	assert.Equal(t, 1, l.RunDue(ctx))
	next, _ := l.NextDue()
	assert.True(t, t0.Add(5*time.Minute).Equal(next))
}

func TestRunDue_NextHint(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	l := NewLoop(fake, nil, zaptest.NewLogger(t).Sugar())

	var hint *time.Time
	var hintErr error
	require.NoError(t, l.Add(Task{
		Name:     "remind",
		Interval: time.Hour,
		Run:      func(context.Context) error { return nil },
		Next:     func(context.Context) (*time.Time, error) { return hint, hintErr },
	}))

	tests := []struct {
		name string
		hint *time.Time
		err  error
		want time.Duration
	}{
		{"no work scheduled", nil, nil, time.Hour},
		{"work before the interval", timePtr(t0.Add(20 * time.Minute)), nil, 20 * time.Minute},
		{"work after the interval", timePtr(t0.Add(3 * time.Hour)), nil, time.Hour},
		{"backlog is floored", timePtr(t0.Add(-time.Minute)), nil, minBackoff},
		{"hint error falls back", timePtr(t0.Add(time.Minute)), errors.New("database is locked"), time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake.Set(t0)
			l.Arm("remind", t0)
			hint, hintErr = tt.hint, tt.err

			assert.Equal(t, 1, l.RunDue(ctx))
			next, ok := l.NextDue()
			require.True(t, ok)
			assert.Equal(t, tt.want, next.Sub(t0))
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestRunDue_SingletonNeedsLease(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(t0)
	lease := &fakeLease{}
	l := NewLoop(fake, lease, zaptest.NewLogger(t).Sugar())
	r := &recorder{}

	sweep := r.task("sweep", time.Second, nil)
	sweep.Singleton = true
	require.NoError(t, l.Add(sweep))
	require.NoError(t, l.Add(r.task("drain", time.Second, nil)))

	assert.Equal(t, 1, l.RunDue(ctx))
	assert.Equal(t, []string{"drain"}, r.take())

	lease.held.Store(true)
	fake.Advance(time.Second)
	assert.Equal(t, 2, l.RunDue(ctx))
	assert.ElementsMatch(t, []string{"drain", "sweep"}, r.take())
}

func TestAdd_Validation(t *testing.T) {
	l := NewLoop(clock.NewFake(t0), nil, zaptest.NewLogger(t).Sugar())
	noop := func(context.Context) error { return nil }

	assert.True(t, errors.Is(l.Add(Task{Interval: time.Second, Run: noop}), errors.ErrValidation))
	assert.True(t, errors.Is(l.Add(Task{Name: "x", Run: noop}), errors.ErrValidation))
	require.NoError(t, l.Add(Task{Name: "x", Interval: time.Second, Run: noop}))
	assert.True(t, errors.Is(l.Add(Task{Name: "x", Interval: time.Second, Run: noop}), errors.ErrConflict))
}

func TestStartStop(t *testing.T) {
	fake := clock.NewFake(t0)
	lease := &fakeLease{}
	lease.held.Store(true)
	l := NewLoop(fake, lease, zaptest.NewLogger(t).Sugar())

	runs := make(chan struct{}, 10)
	require.NoError(t, l.Add(Task{Name: "drain", Interval: time.Second, Run: func(context.Context) error {
		runs <- struct{}{}
		return nil
	}}))

	l.Start(context.Background())

	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run at start")
	}

	// Wait for the loop to sleep on the clock, then wake it
	require.Eventually(t, func() bool { return fake.Waiters() > 0 }, 5*time.Second, time.Millisecond)
	fake.Advance(time.Second)
	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run after its interval")
	}

	l.Nudge("drain")
	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("nudge did not wake the loop")
	}

	l.Stop()
	assert.True(t, lease.resigned.Load())
}
