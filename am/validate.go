package am

import (
	"time"

	"github.com/teranos/slotpulse/errors"
)

// allowedOffsets are the only reminder offsets a slot can carry
var allowedOffsets = map[time.Duration]bool{
	6 * time.Hour: true,
	3 * time.Hour: true,
	2 * time.Hour: true,
}

var knownProviders = map[string]bool{"": true, "log": true, "noop": true, "ses": true, "amqp": true, "webhook": true}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be in 1-65535, got %d", *c.Server.Port)
	}

	if c.Booking.LockTTL <= 0 {
		return errors.Newf("booking.lock_ttl must be > 0, got %s", c.Booking.LockTTL)
	}

	if c.Outbox.BaseBackoff <= 0 {
		return errors.Newf("outbox.base_backoff must be > 0, got %s", c.Outbox.BaseBackoff)
	}
	if c.Outbox.Factor < 1 {
		return errors.Newf("outbox.factor must be >= 1, got %g", c.Outbox.Factor)
	}
	if c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		return errors.Newf("outbox.max_backoff (%s) must be >= outbox.base_backoff (%s)", c.Outbox.MaxBackoff, c.Outbox.BaseBackoff)
	}
	if c.Outbox.MaxAttempts < 1 {
		return errors.Newf("outbox.max_attempts must be >= 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.DedupeWindow <= 0 {
		return errors.Newf("outbox.dedupe_window must be > 0, got %s", c.Outbox.DedupeWindow)
	}
	if c.Outbox.ClaimLease <= 0 {
		return errors.Newf("outbox.claim_lease must be > 0, got %s", c.Outbox.ClaimLease)
	}

	for _, off := range c.Reminder.Offsets {
		if !allowedOffsets[off] {
			return errors.Newf("reminder.offsets: %s is not one of 6h, 3h, 2h", off)
		}
	}

	// Pulse intervals: zero is not "disabled" here, every task must tick
	if c.Pulse.SweepInterval <= 0 || c.Pulse.ScanInterval <= 0 || c.Pulse.DrainInterval <= 0 {
		return errors.New("pulse.sweep_interval, pulse.scan_interval and pulse.drain_interval must be > 0")
	}

	if c.Delivery.Workers < 1 {
		return errors.Newf("delivery.workers must be >= 1, got %d", c.Delivery.Workers)
	}
	if c.Delivery.RatePerSecond < 0 {
		return errors.Newf("delivery.rate_per_second must be >= 0, got %g", c.Delivery.RatePerSecond)
	}
	if c.Delivery.Burst < 0 || c.Delivery.BatchSize < 0 {
		return errors.New("delivery.burst and delivery.batch_size must be >= 0")
	}

	if !knownProviders[c.Sender.Provider] {
		return errors.Newf("sender.provider %q is not one of log, noop, ses, amqp, webhook", c.Sender.Provider)
	}
	switch c.Sender.Provider {
	case "ses":
		if c.Sender.SES.Region == "" || c.Sender.SES.FromAddress == "" {
			return errors.New("sender.ses.region and sender.ses.from_address are required for the ses provider")
		}
	case "amqp":
		if c.Sender.AMQP.URL == "" {
			return errors.New("sender.amqp.url is required for the amqp provider")
		}
	case "webhook":
		if c.Sender.Webhook.URL == "" {
			return errors.New("sender.webhook.url is required for the webhook provider")
		}
	}

	if c.Leader.RedisAddr != "" {
		if c.Leader.Key == "" {
			return errors.New("leader.key cannot be empty when leader.redis_addr is set")
		}
		if c.Leader.TTL <= 0 {
			return errors.Newf("leader.ttl must be > 0, got %s", c.Leader.TTL)
		}
	}

	return nil
}
