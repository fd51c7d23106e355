// Package server exposes the booking actions and the outbox operator view
// over HTTP.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/slotpulse/booking"
	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/logger"
)

const (
	// ShutdownTimeout bounds how long Shutdown waits for in-flight requests
	ShutdownTimeout = 10 * time.Second

	defaultListLimit = 100
)

// Server serves the slotpulse API.
type Server struct {
	db        *sql.DB
	machine   *booking.Machine
	clock     clock.Clock
	logger    *zap.SugaredLogger
	onRequeue func(messageID string)

	httpServer *http.Server
}

// New creates a server over the booking machine and its database.
func New(conn *sql.DB, machine *booking.Machine, c clock.Clock, log *zap.SugaredLogger) *Server {
	return &Server{
		db:        conn,
		machine:   machine,
		clock:     c,
		logger:    log,
		onRequeue: func(string) {},
	}
}

// OnRequeue registers fn to run after a dead letter is requeued, e.g. to
// nudge the outbox drain.
func (s *Server) OnRequeue(fn func(messageID string)) {
	s.onRequeue = fn
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)

	mux.HandleFunc("POST /api/slots", s.HandleCreateSlot)
	mux.HandleFunc("GET /api/slots", s.HandleListSlots)
	mux.HandleFunc("GET /api/slots/{id}", s.HandleGetSlot)
	mux.HandleFunc("POST /api/slots/{id}/actions", s.HandleSlotAction)

	mux.HandleFunc("GET /api/outbox/stats", s.HandleOutboxStats)
	mux.HandleFunc("GET /api/outbox/dead-letters", s.HandleDeadLetters)
	mux.HandleFunc("GET /api/outbox/{id}/attempts", s.HandleAttempts)
	mux.HandleFunc("POST /api/outbox/{id}/requeue", s.HandleRequeue)

	return s.requestLogging(mux)
}

// Start listens on port and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infow(fmt.Sprintf("HTTP server listening on port %d", port))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	s.logger.Infow("Initiating server shutdown")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}
	s.logger.Infow("Server shutdown complete")
	return nil
}

// log returns the request-scoped logger
func (s *Server) log(r *http.Request) *zap.SugaredLogger {
	return logger.FromContext(r.Context(), s.logger)
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogging tags each request with an id (X-Request-ID when the caller
// sent one) and logs its outcome.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.log(r).Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}
