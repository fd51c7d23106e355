package lock

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

// DefaultSweepBatch bounds how many lapsed locks one sweep reverts.
const DefaultSweepBatch = 200

// Sweeper reverts pending slots whose reservation lapsed.
type Sweeper struct {
	db           *sql.DB
	locks        *Manager
	clock        clock.Clock
	dedupeWindow time.Duration
	batch        int
	log          *zap.SugaredLogger
}

// NewSweeper creates a sweeper over the pool.
func NewSweeper(conn *sql.DB, locks *Manager, c clock.Clock, dedupeWindow time.Duration, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		db:           conn,
		locks:        locks,
		clock:        c,
		dedupeWindow: dedupeWindow,
		batch:        DefaultSweepBatch,
		log:          log,
	}
}

// Sweep reverts every lapsed lock it finds and returns how many slots went
// back to free. It is idempotent: a slot another writer already moved is
// skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := slot.NewStore(s.db).ListExpiredPending(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}

	reverted := 0
	for _, candidate := range expired {
		ok, err := s.revert(ctx, candidate.ID, now)
		if errors.Is(err, errors.ErrVersionConflict) {
			s.log.Debugw("Lapsed lock changed under sweep, skipping", logger.FieldSlotID, candidate.ID)
			continue
		}
		if err != nil {
			return reverted, err
		}
		if ok {
			reverted++
		}
	}

	if reverted > 0 {
		s.log.Infow("Expired reservations reverted", logger.FieldCount, reverted)
	}
	return reverted, nil
}

func (s *Sweeper) revert(ctx context.Context, slotID string, now time.Time) (bool, error) {
	reverted := false
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		slots := slot.NewStore(tx)
		sl, err := slots.Get(ctx, slotID)
		if err != nil {
			return err
		}
		if sl.Status != slot.StatusPending || sl.LockExpiry == nil || sl.LockExpiry.After(now) {
			return nil
		}

		candidateID := sl.CandidateID
		expiredAt := *sl.LockExpiry
		expected := sl.Version
		sl.Free()
		if err := slots.Update(ctx, sl, expected, now); err != nil {
			return err
		}
		if err := s.locks.Release(ctx, tx, sl.ID); err != nil {
			return err
		}

		msgs := outbox.NewStore(tx)
		if _, err := msgs.SupersedeReminders(ctx, sl.ID, now); err != nil {
			return err
		}
		msg, err := outbox.NewMessage(sl.ID, sl.Version, outbox.CandidateRecipient(candidateID), outbox.LockExpiredPayload{
			SlotID:      sl.ID,
			CandidateID: candidateID,
			StartTime:   sl.StartTime,
			ExpiredAt:   expiredAt,
		}, now, s.dedupeWindow)
		if err != nil {
			return err
		}
		if err := msgs.Append(ctx, msg); err != nil {
			return err
		}

		s.log.Infow("Reservation expired",
			logger.FieldSlotID, sl.ID,
			logger.FieldCandidateID, candidateID,
			"expired_at", expiredAt,
		)
		reverted = true
		return nil
	})
	return reverted, err
}
