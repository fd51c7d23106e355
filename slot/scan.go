package slot

import (
	"database/sql"

	"github.com/teranos/slotpulse/db"
)

// selectColumns is the column order scanTargets expects.
const selectColumns = `id, recruiter_id, city_id, start_time, duration_ms, status,
	candidate_id, lock_token, lock_expiry, version, created_at, updated_at`

// scanArgs holds the nullable and integer-encoded columns of a slot row.
type scanArgs struct {
	StartTime   int64
	DurationMS  int64
	CandidateID sql.NullString
	LockToken   sql.NullString
	LockExpiry  sql.NullInt64
	CreatedAt   int64
	UpdatedAt   int64
}

func scanTargets(s *Slot, args *scanArgs) []interface{} {
	return []interface{}{
		&s.ID,
		&s.RecruiterID,
		&s.CityID,
		&args.StartTime,
		&args.DurationMS,
		&s.Status,
		&args.CandidateID,
		&args.LockToken,
		&args.LockExpiry,
		&s.Version,
		&args.CreatedAt,
		&args.UpdatedAt,
	}
}

func (args *scanArgs) apply(s *Slot) {
	s.StartTime = db.FromMillis(args.StartTime)
	s.Duration = msDuration(args.DurationMS)
	s.CandidateID = args.CandidateID.String
	s.LockToken = args.LockToken.String
	s.LockExpiry = db.TimePtr(args.LockExpiry)
	s.CreatedAt = db.FromMillis(args.CreatedAt)
	s.UpdatedAt = db.FromMillis(args.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSlot(row rowScanner) (*Slot, error) {
	var s Slot
	var args scanArgs
	if err := row.Scan(scanTargets(&s, &args)...); err != nil {
		return nil, err
	}
	args.apply(&s)
	return &s, nil
}
