// Package delivery drains the outbox through a Sender: recipients in
// parallel up to a bound, messages of one recipient strictly in order.
package delivery

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/sender"
)

const tracerName = "github.com/teranos/slotpulse/delivery"

// Config tunes a Worker.
type Config struct {
	Workers       int           // recipients processed concurrently
	BatchSize     int           // recipient heads claimed per drain
	ClaimLease    time.Duration // how long a claimed message is reserved for this worker
	RatePerSecond float64       // send rate across all recipients; <= 0 means unlimited
	Burst         int
	Owner         string // claim owner id; generated when empty
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		BatchSize:     100,
		ClaimLease:    2 * time.Minute,
		RatePerSecond: 20,
		Burst:         5,
	}
}

// Result counts what one drain did.
type Result struct {
	Sent         int `json:"sent"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
}

// Worker delivers outbox messages.
type Worker struct {
	db      *sql.DB
	sender  sender.Sender
	policy  outbox.RetryPolicy
	clock   clock.Clock
	cfg     Config
	limiter *rate.Limiter
	log     *zap.SugaredLogger
	tracer  trace.Tracer
}

// NewWorker creates a worker. Zero config fields fall back to DefaultConfig.
func NewWorker(conn *sql.DB, s sender.Sender, policy outbox.RetryPolicy, c clock.Clock, cfg Config, log *zap.SugaredLogger) *Worker {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	if cfg.Owner == "" {
		cfg.Owner = "delivery-" + uuid.NewString()[:8]
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Worker{
		db:      conn,
		sender:  s,
		policy:  policy,
		clock:   c,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
		tracer:  otel.Tracer(tracerName),
	}
}

// Owner is the claim owner id of this worker.
func (w *Worker) Owner() string { return w.cfg.Owner }

// counters are shared by the recipient goroutines of one drain.
type counters struct {
	sent, retried, dead atomic.Int64
}

// Drain claims the due head of each recipient and delivers until every
// recipient is empty, waiting out a backoff, or failed transiently.
func (w *Worker) Drain(ctx context.Context) (Result, error) {
	ctx, span := w.tracer.Start(ctx, "delivery.Drain")
	defer span.End()

	heads, err := outbox.NewStore(w.db).ClaimHeads(ctx, w.cfg.Owner, w.clock.Now(), w.cfg.ClaimLease, w.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("delivery.recipients", len(heads)))

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, head := range heads {
		g.Go(func() error {
			return w.drainRecipient(gctx, head, &c)
		})
	}
	err = g.Wait()

	res := Result{
		Sent:         int(c.sent.Load()),
		Retried:      int(c.retried.Load()),
		DeadLettered: int(c.dead.Load()),
	}
	span.SetAttributes(
		attribute.Int("delivery.sent", res.Sent),
		attribute.Int("delivery.retried", res.Retried),
		attribute.Int("delivery.dead_lettered", res.DeadLettered),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res != (Result{}) {
		w.log.Infow("Outbox drained",
			"sent", res.Sent,
			"retried", res.Retried,
			"dead_lettered", res.DeadLettered,
		)
	}
	return res, nil
}

// drainRecipient delivers head, then keeps claiming the recipient's next
// message while deliveries settle. A transient failure ends the run so no
// later message overtakes the failed one.
func (w *Worker) drainRecipient(ctx context.Context, head *outbox.Message, c *counters) error {
	store := outbox.NewStore(w.db)
	msg := head
	for i := 0; i < w.cfg.BatchSize && msg != nil; i++ {
		state, err := w.deliver(ctx, msg)
		if err != nil {
			return err
		}
		switch state {
		case outbox.StateSent:
			c.sent.Add(1)
		case outbox.StateDeadLetter:
			c.dead.Add(1)
		case outbox.StateFailed:
			c.retried.Add(1)
			return nil
		default:
			// Claim lost to another worker
			return nil
		}

		msg, err = store.ClaimRecipientHead(ctx, w.cfg.Owner, head.RecipientRef, w.clock.Now(), w.cfg.ClaimLease)
		if err != nil {
			return err
		}
	}
	return nil
}

// deliver sends one claimed message and settles it, returning the state it
// settled in. The state is empty when the claim was lost.
func (w *Worker) deliver(ctx context.Context, msg *outbox.Message) (outbox.State, error) {
	ctx, span := w.tracer.Start(ctx, "delivery.Send", trace.WithAttributes(
		attribute.String("outbox.message_id", msg.ID),
		attribute.String("outbox.kind", string(msg.Kind)),
	))
	defer span.End()

	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}

	attempt := msg.AttemptCount + 1
	sendErr := w.sender.Send(ctx, sender.EnvelopeFor(msg, attempt))
	if sendErr != nil && ctx.Err() != nil {
		// Shutting down; the lease lapses and another drain retries
		return "", ctx.Err()
	}

	now := w.clock.Now()
	log := w.log.With(
		logger.FieldMessageID, msg.ID,
		logger.FieldKind, msg.Kind,
		logger.FieldRecipient, msg.RecipientRef,
		logger.FieldAttempt, attempt,
	)

	outcome := outbox.OutcomeSent
	var failure sender.Failure
	if sendErr != nil {
		failure = sender.Classify(sendErr)
		outcome = outbox.OutcomeTransient
		if !failure.Retryable {
			outcome = outbox.OutcomePermanent
		}
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, string(failure.Code))
	}

	var settled outbox.State
	err := db.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		store := outbox.NewStore(tx)
		if err := store.RecordAttempt(ctx, outbox.Attempt{
			MessageID:   msg.ID,
			Attempt:     attempt,
			Outcome:     outcome,
			Error:       failure.Message,
			AttemptedAt: now,
		}); err != nil {
			return err
		}

		switch {
		case outcome == outbox.OutcomeSent:
			settled = outbox.StateSent
			return store.MarkSent(ctx, msg.ID, w.cfg.Owner, attempt, now)
		case outcome == outbox.OutcomePermanent:
			settled = outbox.StateDeadLetter
			log.Warnw("Permanent delivery failure, dead-lettered", logger.FieldError, failure.Message, "code", failure.Code)
			return store.MarkDeadLetter(ctx, msg.ID, w.cfg.Owner, attempt, failure.Message, now)
		case w.policy.Exhausted(attempt):
			settled = outbox.StateDeadLetter
			log.Warnw("Retries exhausted, dead-lettered", logger.FieldError, failure.Message)
			return store.MarkDeadLetter(ctx, msg.ID, w.cfg.Owner, attempt, failure.Message, now)
		default:
			settled = outbox.StateFailed
			next := now.Add(w.policy.Backoff(attempt))
			log.Infow("Transient delivery failure, retry scheduled",
				logger.FieldError, failure.Message,
				"code", failure.Code,
				logger.FieldNextRetry, next,
			)
			return store.MarkRetry(ctx, msg.ID, w.cfg.Owner, attempt, next, failure.Message, now)
		}
	})
	if errors.Is(err, outbox.ErrClaimLost) {
		log.Warnw("Claim lost before settling, leaving message to its new owner")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if settled == outbox.StateSent {
		log.Debugw("Message delivered")
	}
	return settled, nil
}

// ReleaseClaims drops this worker's leases, for shutdown.
func (w *Worker) ReleaseClaims(ctx context.Context) error {
	n, err := outbox.NewStore(w.db).ReleaseClaims(ctx, w.cfg.Owner, w.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Infow("Released outbox claims", logger.FieldCount, n)
	}
	return nil
}
