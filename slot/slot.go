// Package slot holds the interview slot record and its versioned store.
package slot

import (
	"time"
)

// Status is the lifecycle state of a slot.
type Status string

const (
	StatusFree      Status = "free"
	StatusPending   Status = "pending"   // reserved by a candidate, awaiting recruiter approval
	StatusBooked    Status = "booked"    // approved, awaiting candidate confirmation
	StatusConfirmed Status = "confirmed" // both sides agreed
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusPending, StatusBooked, StatusConfirmed:
		return true
	}
	return false
}

// Scheduled reports whether reminders apply in this status.
func (s Status) Scheduled() bool {
	return s == StatusBooked || s == StatusConfirmed
}

// Slot is one recruiter-offered interview time.
// CandidateID is set exactly when Status is not free.
type Slot struct {
	ID          string        `json:"id"`
	RecruiterID string        `json:"recruiter_id"`
	CityID      string        `json:"city_id,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	Status      Status        `json:"status"`
	CandidateID string        `json:"candidate_id,omitempty"`
	LockToken   string        `json:"-"`
	LockExpiry  *time.Time    `json:"lock_expiry,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// HasActiveLock reports whether a reservation lock is live at now.
func (s *Slot) HasActiveLock(now time.Time) bool {
	return s.LockToken != "" && s.LockExpiry != nil && now.Before(*s.LockExpiry)
}

// ClearLock drops the reservation fields.
func (s *Slot) ClearLock() {
	s.LockToken = ""
	s.LockExpiry = nil
}

// Free returns the slot to the open pool.
func (s *Slot) Free() {
	s.Status = StatusFree
	s.CandidateID = ""
	s.ClearLock()
}
