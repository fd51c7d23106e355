// Package pulse runs the periodic work of slotpulse (lock sweep, reminder
// scan, outbox drain) from one goroutine and one due-time queue.
package pulse

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/leader"
	"github.com/teranos/slotpulse/logger"
)

const (
	// Errors back off from minBackoff doubling up to maxBackoff.
	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	// stopTimeout bounds how long Stop waits for the running task.
	stopTimeout = 30 * time.Second
)

// Func is the body of a periodic task.
type Func func(ctx context.Context) error

// NextFunc reports when a task's own work next falls due, nil for never.
type NextFunc func(ctx context.Context) (*time.Time, error)

// Task is one periodic job. Singleton tasks run only while this process
// holds the leader lease. When Next is set, a successful run re-arms the
// task at whichever comes first of Next and one Interval.
type Task struct {
	Name      string
	Interval  time.Duration
	Singleton bool
	Run       Func
	Next      NextFunc
}

// pulseLogger marks lifecycle lines by level: DEBUG for opening, WARN for
// closing.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Loop owns the due-time queue. It sleeps on the clock until the earliest
// task is due, runs every due task, and re-arms each one.
type Loop struct {
	clock clock.Clock
	lease leader.Lease
	log   pulseLogger

	mu     sync.Mutex
	queue  dueQueue
	byName map[string]*entry
	wake   chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates an empty loop. A nil lease means this process always leads.
func NewLoop(c clock.Clock, lease leader.Lease, log *zap.SugaredLogger) *Loop {
	if lease == nil {
		lease = leader.Local{}
	}
	return &Loop{
		clock:  c,
		lease:  lease,
		log:    pulseLogger{log},
		byName: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
	}
}

// Add registers a task, due immediately.
func (l *Loop) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.NewValidationError("task needs a name and a body")
	}
	if t.Interval <= 0 {
		return errors.NewValidationError("task %s needs a positive interval", t.Name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byName[t.Name]; ok {
		return errors.Wrapf(errors.ErrConflict, "task %s already registered", t.Name)
	}
	e := &entry{task: t, due: l.clock.Now()}
	heap.Push(&l.queue, e)
	l.byName[t.Name] = e
	l.signal()
	return nil
}

// Nudge makes a task due now, e.g. the outbox drain right after a commit.
// Unknown names are ignored.
func (l *Loop) Nudge(name string) {
	l.Arm(name, l.clock.Now())
}

// Arm makes a task due no later than at. It never pushes a task back. An
// Arm that arrives while the task runs still holds after the run succeeds.
// Unknown names are ignored.
func (l *Loop) Arm(name string, at time.Time) {
	l.mu.Lock()
	e, ok := l.byName[name]
	earlier := false
	if ok {
		if e.armAt.IsZero() || at.Before(e.armAt) {
			e.armAt = at
		}
		if at.Before(e.due) {
			e.due = at
			heap.Fix(&l.queue, e.index)
			earlier = true
		}
	}
	l.mu.Unlock()
	if earlier {
		l.signal()
	}
}

// NextDue returns when the earliest task is due.
func (l *Loop) NextDue() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.queue.peek()
	if e == nil {
		return time.Time{}, false
	}
	return e.due, true
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunDue runs every task due at the current clock time and returns how many
// ran. Task errors are logged and back the task off; they are not returned.
func (l *Loop) RunDue(ctx context.Context) int {
	ran := 0
	for {
		if ctx.Err() != nil {
			return ran
		}
		now := l.clock.Now()

		l.mu.Lock()
		e := l.queue.peek()
		if e == nil || e.due.After(now) {
			l.mu.Unlock()
			return ran
		}
		task := e.task
		e.armAt = time.Time{}
		l.mu.Unlock()

		if task.Singleton && !l.lease.Held(ctx) {
			l.log.Debugw("Not leader, skipping singleton task", logger.FieldTask, task.Name)
			l.rearm(task.Name, now, false, nil)
			continue
		}

		start := time.Now()
		err := task.Run(ctx)
		elapsed := time.Since(start)
		ran++

		if err != nil && ctx.Err() == nil {
			failures := l.rearm(task.Name, now, true, nil)
			l.log.Warnw("Pulse task failed",
				logger.FieldTask, task.Name,
				logger.FieldError, err.Error(),
				"consecutive_failures", failures,
				logger.FieldDurationMS, elapsed.Milliseconds(),
			)
			continue
		}
		l.rearm(task.Name, now, false, l.next(ctx, task))
	}
}

func (l *Loop) next(ctx context.Context, task Task) *time.Time {
	if task.Next == nil || ctx.Err() != nil {
		return nil
	}
	at, err := task.Next(ctx)
	if err != nil {
		l.log.Debugw("Task next due time unavailable", logger.FieldTask, task.Name, logger.FieldError, err.Error())
		return nil
	}
	return at
}

// rearm reschedules a task after a run: one interval from now, or on failure
// the larger of the interval and the error backoff. After a success the task
// comes due earlier for its own next hint (no sooner than minBackoff) or for
// an Arm that arrived during the run. It returns the failure streak.
func (l *Loop) rearm(name string, now time.Time, failed bool, hint *time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byName[name]
	if !ok {
		return 0
	}
	delay := e.task.Interval
	if failed {
		e.failures++
		if b := backoff(e.failures); b > delay {
			delay = b
		}
	} else {
		e.failures = 0
	}
	due := now.Add(delay)
	if !failed {
		if hint != nil {
			at := *hint
			if floor := now.Add(minBackoff); at.Before(floor) {
				at = floor
			}
			if at.Before(due) {
				due = at
			}
		}
		if !e.armAt.IsZero() && e.armAt.Before(due) {
			due = e.armAt
		}
	}
	e.due = due
	e.armAt = time.Time{}
	heap.Fix(&l.queue, e.index)
	return e.failures
}

// backoff is minBackoff doubled per consecutive failure, capped at maxBackoff.
func backoff(failures int) time.Duration {
	d := minBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Start runs the loop in a goroutine until Stop or ctx is done.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	l.mu.Lock()
	names := make([]string, 0, len(l.byName))
	for name := range l.byName {
		names = append(names, name)
	}
	l.mu.Unlock()
	l.log.Starting("Pulse loop started", "tasks", names)

	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		l.RunDue(ctx)

		wait := time.Hour
		if due, ok := l.NextDue(); ok {
			wait = due.Sub(l.clock.Now())
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-l.clock.After(wait):
		}
	}
}

// Stop cancels the loop and waits for the running task to return, giving up
// after stopTimeout. It resigns the leader lease.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.log.Closing("Pulse loop stopping")
	l.cancel()

	select {
	case <-l.done:
	case <-time.After(stopTimeout):
		l.log.Warnw("Pulse loop did not stop in time", "timeout", stopTimeout)
	}

	resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.lease.Resign(resignCtx); err != nil {
		l.log.Warnw("Failed to resign leader lease", logger.FieldError, err.Error())
	}
	l.log.Closing("Pulse loop stopped")
}
