// Package lock implements the reservation lock that moves a free slot to
// pending for one candidate for a bounded time.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/slot"
)

// DefaultTTL is how long a reservation waits for recruiter approval.
const DefaultTTL = 10 * time.Minute

// Manager acquires, promotes and releases reservation locks. Every method
// takes the Querier of the caller's transaction.
type Manager struct {
	clock clock.Clock
	ttl   time.Duration
}

// NewManager creates a lock manager. ttl <= 0 uses DefaultTTL.
func NewManager(c clock.Clock, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{clock: c, ttl: ttl}
}

// lifetime is ttl, or the manager's TTL when the caller passes none.
func (m *Manager) lifetime(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.ttl
	}
	return ttl
}

// Acquire moves a free slot to pending for candidateID with a lock that
// lives for ttl (ttl <= 0 uses the manager's TTL). The status check and the
// write are one conditional UPDATE, so of several concurrent callers exactly
// one wins and the rest get ErrLockConflict.
func (m *Manager) Acquire(ctx context.Context, q db.Querier, slotID, candidateID string, ttl time.Duration) (*slot.Slot, error) {
	if candidateID == "" {
		return nil, errors.NewValidationError("reserve needs a candidate id")
	}

	now := m.clock.Now()
	token := uuid.NewString()
	expiry := now.Add(m.lifetime(ttl))

	res, err := q.ExecContext(ctx, `
		UPDATE slots
		SET status = ?, candidate_id = ?, lock_token = ?, lock_expiry = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND (lock_expiry IS NULL OR lock_expiry <= ?)`,
		slot.StatusPending, candidateID, token, db.Millis(expiry), db.Millis(now),
		slotID, slot.StatusFree, db.Millis(now))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock on slot %s", slotID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "rows affected")
	}

	store := slot.NewStore(q)
	if n == 0 {
		// Distinguish a missing slot from a taken one
		if _, err := store.Get(ctx, slotID); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(errors.ErrLockConflict, "slot %s is not free", slotID)
	}

	if err := m.putLockRow(ctx, q, slotID, candidateID, token, now, expiry); err != nil {
		return nil, err
	}
	return store.Get(ctx, slotID)
}

// Rehold gives an already-held slot a fresh lock for its current candidate.
// It only changes sl in memory; the caller persists sl with its CAS update and
// then calls SaveHold.
func (m *Manager) Rehold(sl *slot.Slot) {
	expiry := m.clock.Now().Add(m.ttl)
	sl.LockToken = uuid.NewString()
	sl.LockExpiry = &expiry
}

// SaveHold writes the lock row for a slot whose lock fields were set by Rehold.
func (m *Manager) SaveHold(ctx context.Context, q db.Querier, sl *slot.Slot) error {
	if sl.LockToken == "" || sl.LockExpiry == nil {
		return errors.AssertionFailedf("slot %s has no lock to save", sl.ID)
	}
	return m.putLockRow(ctx, q, sl.ID, sl.CandidateID, sl.LockToken, m.clock.Now(), *sl.LockExpiry)
}

func (m *Manager) putLockRow(ctx context.Context, q db.Querier, slotID, candidateID, token string, now, expiry time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO reservation_locks (slot_id, candidate_id, token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(slot_id) DO UPDATE SET
			candidate_id = excluded.candidate_id,
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at`,
		slotID, candidateID, token, db.Millis(now), db.Millis(expiry))
	if err != nil {
		return errors.Wrapf(err, "failed to record lock on slot %s", slotID)
	}
	return nil
}

// Release drops the lock row and clears the slot's lock fields. Slot status
// is untouched. Releasing an unlocked slot is a no-op.
func (m *Manager) Release(ctx context.Context, q db.Querier, slotID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM reservation_locks WHERE slot_id = ?`, slotID); err != nil {
		return errors.Wrapf(err, "failed to release lock on slot %s", slotID)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE slots SET lock_token = NULL, lock_expiry = NULL
		WHERE id = ? AND lock_token IS NOT NULL`, slotID); err != nil {
		return errors.Wrapf(err, "failed to clear lock fields of slot %s", slotID)
	}
	return nil
}

// PromoteToBooked turns a pending slot with a live lock into booked and
// drops the lock. A lapsed lock yields ErrLockExpired; the slot is left for
// the sweeper to revert.
func (m *Manager) PromoteToBooked(ctx context.Context, q db.Querier, sl *slot.Slot) error {
	now := m.clock.Now()
	if sl.Status != slot.StatusPending {
		return errors.NewValidationError("slot %s is %s, not pending", sl.ID, sl.Status)
	}
	if !sl.HasActiveLock(now) {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrLockExpired, "slot %s", sl.ID),
			"lock_expiry=%v now=%v", sl.LockExpiry, now)
	}

	expected := sl.Version
	sl.Status = slot.StatusBooked
	sl.ClearLock()
	if err := slot.NewStore(q).Update(ctx, sl, expected, now); err != nil {
		return err
	}
	return m.Release(ctx, q, sl.ID)
}

// Renew moves the expiry of a live lock held under token to now + ttl
// (ttl <= 0 uses the manager's TTL) and bumps the slot version. A lapsed or
// replaced lock yields ErrLockExpired.
func (m *Manager) Renew(ctx context.Context, q db.Querier, slotID, token string, ttl time.Duration) (time.Time, error) {
	now := m.clock.Now()
	expiry := now.Add(m.lifetime(ttl))

	res, err := q.ExecContext(ctx, `
		UPDATE slots SET lock_expiry = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND lock_token = ? AND lock_expiry > ?`,
		db.Millis(expiry), db.Millis(now), slotID, slot.StatusPending, token, db.Millis(now))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to renew lock on slot %s", slotID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return time.Time{}, errors.Wrapf(errors.ErrLockExpired, "slot %s has no live lock for this token", slotID)
	}

	if _, err := q.ExecContext(ctx, `UPDATE reservation_locks SET expires_at = ? WHERE slot_id = ? AND token = ?`,
		db.Millis(expiry), slotID, token); err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to renew lock row of slot %s", slotID)
	}
	return expiry, nil
}
