package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Attempt is one row of a message's delivery history.
type Attempt struct {
	MessageID   string    `json:"message_id"`
	Attempt     int       `json:"attempt"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// ErrClaimLost is returned when a worker tries to settle a message whose
// lease another worker has since taken.
var ErrClaimLost = errors.Wrap(errors.ErrConflict, "outbox claim lost")

// Store persists outbox messages. Bind it to the transaction of the state
// change that produced the message.
type Store struct {
	q db.Querier
}

// NewStore creates an outbox store over q.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// Append inserts a message built by NewMessage.
func (s *Store) Append(ctx context.Context, m *Message) error {
	payload, err := encodeContext(m.Context)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, slot_id, kind, recipient_ref, template_key, context, state,
			attempt_count, next_attempt_at, dedupe_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.SlotID,
		m.Kind,
		m.RecipientRef,
		m.TemplateKey,
		payload,
		m.State,
		m.AttemptCount,
		db.Millis(m.NextAttemptAt),
		m.DedupeKey,
		db.Millis(m.CreatedAt),
		db.Millis(m.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to append %s message for slot %s", m.Kind, m.SlotID)
	}
	return nil
}

// Get loads a message by id.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM outbox_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("outbox message %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get outbox message %s", id)
	}
	return m, nil
}

// headQuery selects due messages that are the oldest deliverable message of
// their recipient and not leased by a live claim. A recipient whose head is
// waiting out a backoff yields nothing, which keeps per-recipient order.
const headQuery = `
	SELECT ` + selectColumns + ` FROM outbox_messages m
	WHERE m.state IN ('pending', 'failed')
	  AND m.next_attempt_at <= ?
	  AND (m.claimed_until IS NULL OR m.claimed_until <= ?)
	  AND NOT EXISTS (
		SELECT 1 FROM outbox_messages o
		WHERE o.recipient_ref = m.recipient_ref
		  AND o.state IN ('pending', 'failed')
		  AND (o.created_at < m.created_at OR (o.created_at = m.created_at AND o.rowid < m.rowid))
	  )`

// ClaimHeads leases up to limit recipient heads to owner until now+lease.
// At most one message per recipient is returned.
func (s *Store) ClaimHeads(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*Message, error) {
	candidates, err := s.query(ctx, headQuery+` ORDER BY m.created_at, m.rowid LIMIT ?`,
		db.Millis(now), db.Millis(now), limit)
	if err != nil {
		return nil, err
	}

	claimed := make([]*Message, 0, len(candidates))
	for _, m := range candidates {
		ok, err := s.claim(ctx, m, owner, now, lease)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, m)
		}
	}
	return claimed, nil
}

// ClaimRecipientHead leases the next due head of one recipient, or returns
// nil when the recipient has nothing deliverable right now.
func (s *Store) ClaimRecipientHead(ctx context.Context, owner, recipient string, now time.Time, lease time.Duration) (*Message, error) {
	candidates, err := s.query(ctx, headQuery+` AND m.recipient_ref = ? ORDER BY m.created_at, m.rowid LIMIT 1`,
		db.Millis(now), db.Millis(now), recipient)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	m := candidates[0]
	ok, err := s.claim(ctx, m, owner, now, lease)
	if err != nil || !ok {
		return nil, err
	}
	return m, nil
}

func (s *Store) claim(ctx context.Context, m *Message, owner string, now time.Time, lease time.Duration) (bool, error) {
	until := now.Add(lease)
	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET claimed_by = ?, claimed_until = ?, updated_at = ?
		WHERE id = ?
		  AND state IN ('pending', 'failed')
		  AND (claimed_until IS NULL OR claimed_until <= ?)`,
		owner, db.Millis(until), db.Millis(now), m.ID, db.Millis(now))
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim message %s", m.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return false, nil
	}
	m.ClaimedBy = owner
	m.ClaimedUntil = &until
	return true, nil
}

// MarkSent settles a claimed message as delivered.
func (s *Store) MarkSent(ctx context.Context, id, owner string, attempt int, now time.Time) error {
	return s.settle(ctx, `
		UPDATE outbox_messages
		SET state = 'sent', attempt_count = ?, sent_at = ?, last_error = NULL,
		    claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		id, attempt, db.Millis(now), db.Millis(now), id, owner)
}

// MarkRetry records a transient failure and schedules the next attempt.
func (s *Store) MarkRetry(ctx context.Context, id, owner string, attempt int, next time.Time, lastErr string, now time.Time) error {
	return s.settle(ctx, `
		UPDATE outbox_messages
		SET state = 'failed', attempt_count = ?, next_attempt_at = ?, last_error = ?,
		    claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		id, attempt, db.Millis(next), lastErr, db.Millis(now), id, owner)
}

// MarkDeadLetter parks a message for operator inspection.
func (s *Store) MarkDeadLetter(ctx context.Context, id, owner string, attempt int, lastErr string, now time.Time) error {
	return s.settle(ctx, `
		UPDATE outbox_messages
		SET state = 'dead_letter', attempt_count = ?, last_error = ?,
		    claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		id, attempt, lastErr, db.Millis(now), id, owner)
}

func (s *Store) settle(ctx context.Context, query, id string, args ...interface{}) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to settle message %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrClaimLost, "message %s", id)
	}
	return nil
}

// RecordAttempt appends one row to a message's delivery history.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox_attempts (message_id, attempt, outcome, error, attempted_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.MessageID, a.Attempt, a.Outcome, db.NullString(a.Error), db.Millis(a.AttemptedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to record attempt %d of %s", a.Attempt, a.MessageID)
	}
	return nil
}

// Attempts returns a message's delivery history, oldest first.
func (s *Store) Attempts(ctx context.Context, messageID string) ([]Attempt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT message_id, attempt, outcome, error, attempted_at
		FROM outbox_attempts WHERE message_id = ? ORDER BY attempt, id`, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query attempts")
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var errMsg sql.NullString
		var at int64
		if err := rows.Scan(&a.MessageID, &a.Attempt, &a.Outcome, &errMsg, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt")
		}
		a.Error = errMsg.String
		a.AttemptedAt = db.FromMillis(at)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SupersedeReminders retires the slot's undelivered reminder messages so a
// stale reminder never reaches whoever holds the slot next. Status-change
// messages are left alone.
func (s *Store) SupersedeReminders(ctx context.Context, slotID string, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET state = 'superseded', claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE slot_id = ?
		  AND kind IN (?, ?, ?)
		  AND state IN ('pending', 'failed')`,
		db.Millis(now), slotID, KindReminder6h, KindReminder3h, KindReminder2h)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to supersede reminders of slot %s", slotID)
	}
	return res.RowsAffected()
}

// ListDeadLetters returns dead-lettered messages, most recent first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*Message, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM outbox_messages
		WHERE state = 'dead_letter' ORDER BY updated_at DESC, id LIMIT ?`, limit)
}

// ListForSlot returns every message of a slot in enqueue order.
func (s *Store) ListForSlot(ctx context.Context, slotID string) ([]*Message, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM outbox_messages
		WHERE slot_id = ? ORDER BY created_at, rowid`, slotID)
}

// LastHoldEvent returns the newest requested or lock_expired message of a
// slot, only counting candidateID's holds when it is set. It returns nil
// when the slot has no such message.
func (s *Store) LastHoldEvent(ctx context.Context, slotID, candidateID string) (*Message, error) {
	msgs, err := s.query(ctx, `SELECT `+selectColumns+` FROM outbox_messages
		WHERE slot_id = ? AND kind IN ('requested', 'lock_expired')
		ORDER BY created_at DESC, rowid DESC`, slotID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if candidateID == "" || holdCandidate(m.Context) == candidateID {
			return m, nil
		}
	}
	return nil, nil
}

func holdCandidate(p Payload) string {
	switch v := p.(type) {
	case RequestedPayload:
		return v.CandidateID
	case LockExpiredPayload:
		return v.CandidateID
	}
	return ""
}

// Requeue moves a dead letter back to pending with a fresh attempt budget.
func (s *Store) Requeue(ctx context.Context, id string, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET state = 'pending', attempt_count = 0, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND state = 'dead_letter'`,
		db.Millis(now), db.Millis(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to requeue message %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return errors.Wrapf(errors.ErrInvalidRequest, "message %s is not dead-lettered", id)
	}
	return nil
}

// ReleaseClaims drops every lease held by owner. Called on startup and
// shutdown so a restarted worker does not wait out its own stale leases.
func (s *Store) ReleaseClaims(ctx context.Context, owner string, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE claimed_by = ?`, db.Millis(now), owner)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release claims")
	}
	return res.RowsAffected()
}

// Stats counts messages per state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT state, COUNT(*) FROM outbox_messages GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query outbox stats")
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox stats")
		}
		stats[st] = n
	}
	return stats, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query outbox")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox message")
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate outbox")
	}
	return messages, nil
}
