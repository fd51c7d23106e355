package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/slotpulse/booking"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/reminder"
	"github.com/teranos/slotpulse/slot"
)

// createSlotRequest is the body of POST /api/slots. ID is generated when empty.
type createSlotRequest struct {
	ID              string    `json:"id"`
	RecruiterID     string    `json:"recruiter_id"`
	CityID          string    `json:"city_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

// actionRequest is the body of POST /api/slots/{id}/actions
type actionRequest struct {
	Actor           booking.Actor  `json:"actor"`
	ActorID         string         `json:"actor_id"`
	Action          booking.Action `json:"action"`
	ExpectedVersion int64          `json:"expected_version"`
	CandidateID     string         `json:"candidate_id"`
	HoldSeconds     int            `json:"hold_seconds"`
	NewStartTime    time.Time      `json:"new_start_time"`
	Reason          string         `json:"reason"`
}

// slotDetail is a slot with its reminder jobs and notification history
type slotDetail struct {
	Slot          *slot.Slot        `json:"slot"`
	Reminders     []*reminder.Job   `json:"reminders"`
	Notifications []*outbox.Message `json:"notifications"`
}

// HandleCreateSlot creates a free slot
func (s *Server) HandleCreateSlot(w http.ResponseWriter, r *http.Request) {
	var req createSlotRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	sl := &slot.Slot{
		ID:          req.ID,
		RecruiterID: req.RecruiterID,
		CityID:      req.CityID,
		StartTime:   req.StartTime.UTC().Truncate(time.Millisecond),
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
	}
	if err := slot.NewStore(s.db).Create(r.Context(), sl, s.clock.Now()); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.log(r).Infow("Slot created", logger.FieldSlotID, sl.ID, logger.FieldRecruiterID, sl.RecruiterID)
	writeJSON(w, http.StatusCreated, sl)
}

// HandleListSlots lists slots filtered by ?status=, ?recruiter_id= and ?candidate_id=
func (s *Server) HandleListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := slot.Filter{
		Status:      slot.Status(q.Get("status")),
		RecruiterID: q.Get("recruiter_id"),
		CandidateID: q.Get("candidate_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeAppError(w, r, errors.Wrapf(errors.ErrInvalidRequest, "unknown status %q", f.Status))
		return
	}
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}

	slots, err := slot.NewStore(s.db).List(r.Context(), f, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if slots == nil {
		slots = []*slot.Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
}

// HandleGetSlot returns one slot with its reminders and notifications
func (s *Server) HandleGetSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sl, err := slot.NewStore(s.db).Get(ctx, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	jobs, err := reminder.NewStore(s.db).ListForSlot(ctx, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	msgs, err := outbox.NewStore(s.db).ListForSlot(ctx, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	detail := slotDetail{Slot: sl, Reminders: jobs, Notifications: msgs}
	if detail.Reminders == nil {
		detail.Reminders = []*reminder.Job{}
	}
	if detail.Notifications == nil {
		detail.Notifications = []*outbox.Message{}
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleSlotAction applies one booking action and returns the committed slot
func (s *Server) HandleSlotAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	r = r.WithContext(logger.WithSlotID(r.Context(), id))

	var req actionRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	sl, err := s.machine.Execute(r.Context(), booking.Command{
		SlotID:          id,
		Actor:           req.Actor,
		ActorID:         req.ActorID,
		Action:          req.Action,
		ExpectedVersion: req.ExpectedVersion,
		CandidateID:     req.CandidateID,
		HoldSeconds:     req.HoldSeconds,
		NewStartTime:    req.NewStartTime,
		Reason:          req.Reason,
	})
	if err != nil {
		s.log(r).Infow("Slot action refused",
			logger.FieldAction, req.Action,
			logger.FieldActor, req.Actor,
			logger.FieldError, err.Error(),
		)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}
