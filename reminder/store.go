package reminder

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
)

const selectColumns = `id, slot_id, kind, fire_at, start_time, status, created_at, updated_at`

// Store persists reminder jobs over a pool or a transaction.
type Store struct {
	q db.Querier
}

// NewStore creates a reminder store over q.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// ErrAlreadyScheduled means the slot already has a scheduled job of this kind.
var ErrAlreadyScheduled = errors.Wrap(errors.ErrConflict, "reminder already scheduled")

// Create inserts a scheduled job. The partial unique index allows at most one
// scheduled job per (slot, kind).
func (s *Store) Create(ctx context.Context, j *Job) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reminder_jobs (id, slot_id, kind, fire_at, start_time, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SlotID, j.Kind, db.Millis(j.FireAt), db.Millis(j.StartTime), j.Status,
		db.Millis(j.CreatedAt), db.Millis(j.UpdatedAt))
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(ErrAlreadyScheduled, "slot %s %s", j.SlotID, j.Kind)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create %s reminder for slot %s", j.Kind, j.SlotID)
	}
	return nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	jobs, err := s.query(ctx, `SELECT `+selectColumns+` FROM reminder_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.NewNotFoundError("reminder job %s", id)
	}
	return jobs[0], nil
}

// ListForSlot returns every job of a slot, earliest fire time first.
func (s *Store) ListForSlot(ctx context.Context, slotID string) ([]*Job, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM reminder_jobs
		WHERE slot_id = ? ORDER BY fire_at, kind`, slotID)
}

// ListDue returns scheduled jobs with fire_at at or before now.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM reminder_jobs
		WHERE status = ? AND fire_at <= ? ORDER BY fire_at, id LIMIT ?`,
		StatusScheduled, db.Millis(now), limit)
}

// NextFireAt returns the earliest scheduled fire time, or nil when none.
func (s *Store) NextFireAt(ctx context.Context) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.q.QueryRowContext(ctx, `SELECT MIN(fire_at) FROM reminder_jobs WHERE status = ?`, StatusScheduled).Scan(&ms)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query next reminder")
	}
	return db.TimePtr(ms), nil
}

// Transition moves a scheduled job to status. It reports false when the job
// was no longer scheduled, so a job fires or cancels at most once.
func (s *Store) Transition(ctx context.Context, id string, status Status, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE reminder_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, db.Millis(now), id, StatusScheduled)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark reminder %s %s", id, status)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// CancelForSlot cancels every scheduled job of a slot.
func (s *Store) CancelForSlot(ctx context.Context, slotID string, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE reminder_jobs SET status = ?, updated_at = ?
		WHERE slot_id = ? AND status = ?`,
		StatusCanceled, db.Millis(now), slotID, StatusScheduled)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to cancel reminders of slot %s", slotID)
	}
	return res.RowsAffected()
}

// CountByStatus reports how many jobs are in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM reminder_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count reminders")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan reminder count")
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reminders")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var fireAt, startTime, createdAt, updatedAt int64
		if err := rows.Scan(&j.ID, &j.SlotID, &j.Kind, &fireAt, &startTime, &j.Status, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan reminder")
		}
		j.FireAt = db.FromMillis(fireAt)
		j.StartTime = db.FromMillis(startTime)
		j.CreatedAt = db.FromMillis(createdAt)
		j.UpdatedAt = db.FromMillis(updatedAt)
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate reminders")
	}
	return jobs, nil
}
