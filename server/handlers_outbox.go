package server

import (
	"net/http"

	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/version"
)

// HandleOutboxStats returns message counts per state
func (s *Server) HandleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := outbox.NewStore(s.db).Stats(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleDeadLetters lists dead-lettered messages, most recent first
func (s *Server) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	var inspector outbox.Inspector = outbox.NewStore(s.db)
	msgs, err := inspector.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*outbox.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// HandleAttempts returns the delivery history of one message
func (s *Server) HandleAttempts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var inspector outbox.Inspector = outbox.NewStore(s.db)

	msg, err := inspector.Get(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	attempts, err := inspector.Attempts(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []outbox.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  msg,
		"attempts": attempts,
	})
}

// HandleRequeue moves a dead letter back to pending with a fresh attempt budget
func (s *Server) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	store := outbox.NewStore(s.db)

	if err := store.Requeue(r.Context(), id, s.clock.Now()); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	msg, err := store.Get(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	s.log(r).Infow("Dead letter requeued", logger.FieldMessageID, id, logger.FieldRecipient, msg.RecipientRef)
	s.onRequeue(id)
	writeJSON(w, http.StatusOK, msg)
}

// HandleHealth reports whether the database answers
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.log(r).Warnw("Health check failed", logger.FieldError, err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Get().Short()})
}
