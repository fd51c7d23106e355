package slot

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
)

// Store persists slots. Bind it to *sql.DB for reads or to a *sql.Tx when
// the write must commit together with outbox and reminder rows.
type Store struct {
	q db.Querier
}

// NewStore creates a slot store over q.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Create inserts a new free slot at version 1.
func (s *Store) Create(ctx context.Context, sl *Slot, now time.Time) error {
	if sl.ID == "" || sl.RecruiterID == "" {
		return errors.NewValidationError("slot id and recruiter id are required")
	}
	if sl.StartTime.IsZero() || sl.Duration <= 0 {
		return errors.NewValidationError("slot %s needs a start time and a positive duration", sl.ID)
	}
	sl.Status = StatusFree
	sl.CandidateID = ""
	sl.ClearLock()
	sl.Version = 1
	sl.CreatedAt = now
	sl.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO slots (
			id, recruiter_id, city_id, start_time, duration_ms, status,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sl.ID,
		sl.RecruiterID,
		sl.CityID,
		db.Millis(sl.StartTime),
		sl.Duration.Milliseconds(),
		sl.Status,
		sl.Version,
		db.Millis(sl.CreatedAt),
		db.Millis(sl.UpdatedAt),
	)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict, "slot %s already exists", sl.ID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create slot")
	}
	return nil
}

// Get loads a slot by id.
func (s *Store) Get(ctx context.Context, id string) (*Slot, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM slots WHERE id = ?`, id)
	sl, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("slot %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get slot %s", id)
	}
	return sl, nil
}

// Update writes every mutable field of sl if the stored version still equals
// expectedVersion, then bumps the version. A concurrent writer that got there
// first makes this return ErrVersionConflict.
func (s *Store) Update(ctx context.Context, sl *Slot, expectedVersion int64, now time.Time) error {
	if sl.Status != StatusFree && sl.CandidateID == "" {
		return errors.AssertionFailedf("slot %s in status %s has no candidate", sl.ID, sl.Status)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE slots
		SET start_time = ?,
		    duration_ms = ?,
		    status = ?,
		    candidate_id = ?,
		    lock_token = ?,
		    lock_expiry = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND version = ?`,
		db.Millis(sl.StartTime),
		sl.Duration.Milliseconds(),
		sl.Status,
		db.NullString(sl.CandidateID),
		db.NullString(sl.LockToken),
		db.NullMillis(sl.LockExpiry),
		db.Millis(now),
		sl.ID,
		expectedVersion,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update slot %s", sl.ID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrVersionConflict, "slot %s", sl.ID),
			"expected_version=%d", expectedVersion)
	}

	sl.Version = expectedVersion + 1
	sl.UpdatedAt = now
	return nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status      Status
	RecruiterID string
	CandidateID string
}

// List returns slots ordered by start time.
func (s *Store) List(ctx context.Context, f Filter, limit int) ([]*Slot, error) {
	query := `SELECT ` + selectColumns + ` FROM slots WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RecruiterID != "" {
		query += ` AND recruiter_id = ?`
		args = append(args, f.RecruiterID)
	}
	if f.CandidateID != "" {
		query += ` AND candidate_id = ?`
		args = append(args, f.CandidateID)
	}
	query += ` ORDER BY start_time, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListExpiredPending returns pending slots whose lock expired at or before now.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Slot, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM slots
		WHERE status = ? AND lock_expiry IS NOT NULL AND lock_expiry <= ?
		ORDER BY lock_expiry
		LIMIT ?`,
		StatusPending, db.Millis(now), limit)
}

// CountByStatus reports how many slots are in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM slots GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count slots")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan slot count")
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Slot, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query slots")
	}
	defer rows.Close()

	var slots []*Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan slot")
		}
		slots = append(slots, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate slots")
	}
	return slots, nil
}
