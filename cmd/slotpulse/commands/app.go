package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/slotpulse/am"
	"github.com/teranos/slotpulse/booking"
	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/delivery"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/lock"
	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/reminder"
	"github.com/teranos/slotpulse/sender"
)

// app is the core object graph shared by the daemon and the one-shot commands
type app struct {
	cfg       *am.Config
	db        *sql.DB
	clock     clock.Clock
	locks     *lock.Manager
	sweeper   *lock.Sweeper
	planner   *reminder.Planner
	scheduler *reminder.Scheduler
	machine   *booking.Machine
}

// newApp wires the booking core over an open database
func newApp(cfg *am.Config, conn *sql.DB) (*app, error) {
	offsets, err := reminder.OffsetsFor(cfg.Reminder.Offsets)
	if err != nil {
		return nil, errors.Wrap(err, "reminder.offsets")
	}

	c := clock.Real{}
	window := cfg.Outbox.DedupeWindow
	locks := lock.NewManager(c, cfg.Booking.LockTTL)
	planner := reminder.NewPlanner(c, offsets)

	return &app{
		cfg:       cfg,
		db:        conn,
		clock:     c,
		locks:     locks,
		sweeper:   lock.NewSweeper(conn, locks, c, window, logger.ComponentLogger("sweeper")),
		planner:   planner,
		scheduler: reminder.NewScheduler(conn, c, window, logger.ComponentLogger("reminder")),
		machine:   booking.NewMachine(conn, locks, planner, c, window, logger.ComponentLogger("booking")),
	}, nil
}

// retryPolicy maps the outbox section onto the delivery retry policy
func retryPolicy(cfg am.OutboxConfig) outbox.RetryPolicy {
	return outbox.RetryPolicy{
		BaseBackoff: cfg.BaseBackoff,
		Factor:      cfg.Factor,
		MaxBackoff:  cfg.MaxBackoff,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// deliveryConfig maps the delivery section onto the worker config
func deliveryConfig(cfg *am.Config) delivery.Config {
	return delivery.Config{
		Workers:       cfg.Delivery.Workers,
		BatchSize:     cfg.Delivery.BatchSize,
		ClaimLease:    cfg.Outbox.ClaimLease,
		RatePerSecond: cfg.Delivery.RatePerSecond,
		Burst:         cfg.Delivery.Burst,
	}
}

// newWorker builds the delivery worker over s
func (a *app) newWorker(s sender.Sender, log *zap.SugaredLogger) *delivery.Worker {
	return delivery.NewWorker(a.db, s, retryPolicy(a.cfg.Outbox), a.clock, deliveryConfig(a.cfg), log)
}
