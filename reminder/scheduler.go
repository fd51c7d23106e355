package reminder

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/slot"
)

// DefaultFireBatch bounds how many due jobs one scan fires.
const DefaultFireBatch = 500

// Result summarizes one due-scan.
type Result struct {
	Fired        int `json:"fired"`
	Inconsistent int `json:"inconsistent"`
}

// Scheduler fires due reminder jobs into the outbox.
type Scheduler struct {
	db           *sql.DB
	clock        clock.Clock
	dedupeWindow time.Duration
	batch        int
	log          *zap.SugaredLogger
}

// NewScheduler creates a scheduler over the pool.
func NewScheduler(conn *sql.DB, c clock.Clock, dedupeWindow time.Duration, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		db:           conn,
		clock:        c,
		dedupeWindow: dedupeWindow,
		batch:        DefaultFireBatch,
		log:          log,
	}
}

// FireDue fires every scheduled job whose time has come. Each job is marked
// fired and its message appended in one transaction, so a job produces at
// most one message even when scans overlap. A job whose slot no longer
// matches it is canceled and counted as inconsistent.
func (s *Scheduler) FireDue(ctx context.Context) (Result, error) {
	var res Result
	now := s.clock.Now()

	due, err := NewStore(s.db).ListDue(ctx, now, s.batch)
	if err != nil {
		return res, err
	}

	for _, j := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		fired, inconsistent, err := s.fire(ctx, j.ID, now)
		if err != nil {
			return res, err
		}
		if fired {
			res.Fired++
		}
		if inconsistent {
			res.Inconsistent++
		}
	}

	if res.Fired > 0 || res.Inconsistent > 0 {
		s.log.Infow("Reminders fired",
			logger.FieldCount, res.Fired,
			"inconsistent", res.Inconsistent,
		)
	}
	return res, nil
}

// Next returns when the earliest scheduled job fires, or nil.
func (s *Scheduler) Next(ctx context.Context) (*time.Time, error) {
	return NewStore(s.db).NextFireAt(ctx)
}

func (s *Scheduler) fire(ctx context.Context, jobID string, now time.Time) (fired, inconsistent bool, err error) {
	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		jobs := NewStore(tx)
		j, err := jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status != StatusScheduled {
			return nil
		}

		sl, cause, err := s.checkSlot(ctx, tx, j)
		if err != nil {
			return err
		}
		if cause != nil {
			if _, err := jobs.Transition(ctx, j.ID, StatusCanceled, now); err != nil {
				return err
			}
			s.log.Errorw("Reminder job does not match its slot",
				logger.FieldJobID, j.ID,
				logger.FieldSlotID, j.SlotID,
				logger.FieldKind, j.Kind,
				logger.FieldError, cause.Error(),
			)
			inconsistent = true
			return nil
		}

		ok, err := jobs.Transition(ctx, j.ID, StatusFired, now)
		if err != nil || !ok {
			return err
		}

		msg, err := outbox.NewMessage(sl.ID, sl.Version, outbox.CandidateRecipient(sl.CandidateID), outbox.ReminderPayload{
			ReminderKind: j.Kind,
			SlotID:       sl.ID,
			CandidateID:  sl.CandidateID,
			RecruiterID:  sl.RecruiterID,
			StartTime:    j.StartTime,
			CityID:       sl.CityID,
		}, now, s.dedupeWindow)
		if err != nil {
			return err
		}
		if err := outbox.NewStore(tx).Append(ctx, msg); err != nil {
			return err
		}

		s.log.Debugw("Reminder fired",
			logger.FieldJobID, j.ID,
			logger.FieldSlotID, sl.ID,
			logger.FieldKind, j.Kind,
			logger.FieldMessageID, msg.ID,
		)
		fired = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return fired, inconsistent, nil
}

// checkSlot loads the job's slot. cause is a SchedulerInconsistency when the
// job should not fire.
func (s *Scheduler) checkSlot(ctx context.Context, q db.Querier, j *Job) (sl *slot.Slot, cause, err error) {
	sl, err = slot.NewStore(q).Get(ctx, j.SlotID)
	if errors.IsNotFoundError(err) {
		return nil, errors.Wrapf(errors.ErrSchedulerInconsistency, "slot %s is gone", j.SlotID), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !sl.Status.Scheduled() {
		return nil, errors.Wrapf(errors.ErrSchedulerInconsistency, "slot %s is %s", sl.ID, sl.Status), nil
	}
	if !sl.StartTime.Equal(j.StartTime) {
		return nil, errors.Wrapf(errors.ErrSchedulerInconsistency,
			"slot %s starts at %s, job captured %s", sl.ID, sl.StartTime, j.StartTime), nil
	}
	return sl, nil, nil
}
