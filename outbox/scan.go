package outbox

import (
	"database/sql"

	"github.com/teranos/slotpulse/db"
)

// selectColumns is the column order scanTargets expects.
const selectColumns = `id, slot_id, kind, recipient_ref, template_key, context, state,
	attempt_count, next_attempt_at, dedupe_key, last_error, claimed_by, claimed_until,
	created_at, updated_at, sent_at`

type scanArgs struct {
	Context       string
	NextAttemptAt int64
	LastError     sql.NullString
	ClaimedBy     sql.NullString
	ClaimedUntil  sql.NullInt64
	CreatedAt     int64
	UpdatedAt     int64
	SentAt        sql.NullInt64
}

func scanTargets(m *Message, args *scanArgs) []interface{} {
	return []interface{}{
		&m.ID,
		&m.SlotID,
		&m.Kind,
		&m.RecipientRef,
		&m.TemplateKey,
		&args.Context,
		&m.State,
		&m.AttemptCount,
		&args.NextAttemptAt,
		&m.DedupeKey,
		&args.LastError,
		&args.ClaimedBy,
		&args.ClaimedUntil,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.SentAt,
	}
}

func (args *scanArgs) apply(m *Message) error {
	payload, err := DecodePayload(m.Kind, []byte(args.Context))
	if err != nil {
		return err
	}
	m.Context = payload
	m.NextAttemptAt = db.FromMillis(args.NextAttemptAt)
	m.LastError = args.LastError.String
	m.ClaimedBy = args.ClaimedBy.String
	m.ClaimedUntil = db.TimePtr(args.ClaimedUntil)
	m.CreatedAt = db.FromMillis(args.CreatedAt)
	m.UpdatedAt = db.FromMillis(args.UpdatedAt)
	m.SentAt = db.TimePtr(args.SentAt)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var args scanArgs
	if err := row.Scan(scanTargets(&m, &args)...); err != nil {
		return nil, err
	}
	if err := args.apply(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
