package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
// Durations are strings so they render readably in `am show`.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "slotpulse.db")

	v.SetDefault("booking.lock_ttl", "5m")

	// 30s, 1m, 2m ... capped at 30m; the 8th failed attempt dead-letters
	v.SetDefault("outbox.base_backoff", "30s")
	v.SetDefault("outbox.factor", 2.0)
	v.SetDefault("outbox.max_backoff", "30m")
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.dedupe_window", "1m")
	v.SetDefault("outbox.claim_lease", "2m")

	v.SetDefault("reminder.offsets", []string{"6h", "3h", "2h"})

	v.SetDefault("pulse.sweep_interval", "10s")
	v.SetDefault("pulse.scan_interval", "30s")
	v.SetDefault("pulse.drain_interval", "5s")

	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.rate_per_second", 20.0)
	v.SetDefault("delivery.burst", 5)
	v.SetDefault("delivery.batch_size", 100)

	v.SetDefault("sender.provider", "log")
	v.SetDefault("sender.amqp.exchange", "slotpulse.notifications")
	v.SetDefault("sender.webhook.timeout", "10s")

	v.SetDefault("leader.key", "slotpulse:leader")
	v.SetDefault("leader.ttl", "15s")
}

// BindSensitiveEnvVars explicitly binds credentials to environment variables
// so they never have to live in a TOML file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "SLOTPULSE_DATABASE_PATH")
	v.BindEnv("sender.ses.access_key_id", "SLOTPULSE_SES_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	v.BindEnv("sender.ses.secret_access_key", "SLOTPULSE_SES_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("sender.amqp.url", "SLOTPULSE_AMQP_URL")
	v.BindEnv("sender.webhook.token", "SLOTPULSE_WEBHOOK_TOKEN")
	v.BindEnv("leader.password", "SLOTPULSE_REDIS_PASSWORD")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "slotpulse.db"
	}
	return c.Database.Path
}

// GetServerPort returns server.port, or DefaultServerPort when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// String returns a short summary of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Sender: %s, Delivery: {Workers: %d}}",
		c.Database.Path, c.Sender.Provider, c.Delivery.Workers)
}
