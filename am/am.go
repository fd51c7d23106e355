// Package am loads the slotpulse configuration ("am" as in "I am configured
// as"). Values merge, lowest precedence first: built-in defaults,
// /etc/slotpulse/am.toml, ~/.slotpulse/am.toml, the nearest am.toml found
// walking up from the working directory, then SLOTPULSE_* environment
// variables.
package am

import "time"

// Config is the full slotpulse configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Booking  BookingConfig  `mapstructure:"booking"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Reminder ReminderConfig `mapstructure:"reminder"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Sender   SenderConfig   `mapstructure:"sender"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BookingConfig configures the reservation lock
type BookingConfig struct {
	LockTTL time.Duration `mapstructure:"lock_ttl"` // how long a reservation waits for approval
}

// OutboxConfig configures retry and dedupe of notifications
type OutboxConfig struct {
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	Factor       float64       `mapstructure:"factor"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"` // width of the created_at bucket in dedupe keys
	ClaimLease   time.Duration `mapstructure:"claim_lease"`
}

// ReminderConfig configures reminder offsets before the interview start
type ReminderConfig struct {
	Offsets []time.Duration `mapstructure:"offsets"` // subset of 6h, 3h, 2h
}

// PulseConfig configures the periodic loop
type PulseConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // expired reservation sweep
	ScanInterval  time.Duration `mapstructure:"scan_interval"`  // due reminder scan
	DrainInterval time.Duration `mapstructure:"drain_interval"` // outbox drain (also nudged on commit)
}

// DeliveryConfig configures the outbox delivery worker
type DeliveryConfig struct {
	Workers       int     `mapstructure:"workers"`         // recipients delivered concurrently
	RatePerSecond float64 `mapstructure:"rate_per_second"` // 0 = unlimited
	Burst         int     `mapstructure:"burst"`
	BatchSize     int     `mapstructure:"batch_size"`
}

// SenderConfig selects and configures the notification sender
type SenderConfig struct {
	Provider  string            `mapstructure:"provider"`  // log, noop, ses, amqp, webhook
	Directory map[string]string `mapstructure:"directory"` // recipient ref -> address, for ses
	SES       SESConfig         `mapstructure:"ses"`
	AMQP      AMQPConfig        `mapstructure:"amqp"`
	Webhook   WebhookConfig     `mapstructure:"webhook"`
}

// SESConfig configures Amazon SES delivery
type SESConfig struct {
	Region             string `mapstructure:"region"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretAccessKey    string `mapstructure:"secret_access_key"`
	FromAddress        string `mapstructure:"from_address"`
	FromName           string `mapstructure:"from_name"`
	ConfigurationSet   string `mapstructure:"configuration_set"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// AMQPConfig configures publishing envelopes to a RabbitMQ topic exchange
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// WebhookConfig configures delivery by HTTP POST to one endpoint
type WebhookConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	AllowPrivate bool          `mapstructure:"allow_private"` // skip loopback/private address checks
}

// LeaderConfig configures the Redis leader lease. Empty RedisAddr means
// this process always leads.
type LeaderConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Key       string        `mapstructure:"key"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ServerConfig configures the operator HTTP server
type ServerConfig struct {
	Port *int `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
}

// DefaultServerPort is the operator API port when none is configured
const DefaultServerPort = 8787

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
