package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "slotpulse.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Minute, cfg.Booking.LockTTL)
	assert.Equal(t, 30*time.Second, cfg.Outbox.BaseBackoff)
	assert.Equal(t, 2.0, cfg.Outbox.Factor)
	assert.Equal(t, 30*time.Minute, cfg.Outbox.MaxBackoff)
	assert.Equal(t, 8, cfg.Outbox.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Outbox.DedupeWindow)
	assert.Equal(t, []time.Duration{6 * time.Hour, 3 * time.Hour, 2 * time.Hour}, cfg.Reminder.Offsets)
	assert.Equal(t, "log", cfg.Sender.Provider)
	assert.Equal(t, 10*time.Second, cfg.Sender.Webhook.Timeout)
	assert.Equal(t, 4, cfg.Delivery.Workers)
	assert.Nil(t, cfg.Server.Port)
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
}

func TestValidate(t *testing.T) {
	port := func(p int) *int { return &p }

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero port", func(c *Config) { c.Server.Port = port(0) }, false},
		{"port out of range", func(c *Config) { c.Server.Port = port(70000) }, false},
		{"explicit port", func(c *Config) { c.Server.Port = port(9000) }, true},
		{"zero lock ttl", func(c *Config) { c.Booking.LockTTL = 0 }, false},
		{"factor below one", func(c *Config) { c.Outbox.Factor = 0.5 }, false},
		{"cap below base", func(c *Config) { c.Outbox.MaxBackoff = time.Second }, false},
		{"no attempts", func(c *Config) { c.Outbox.MaxAttempts = 0 }, false},
		{"odd reminder offset", func(c *Config) { c.Reminder.Offsets = []time.Duration{time.Hour} }, false},
		{"subset of offsets", func(c *Config) { c.Reminder.Offsets = []time.Duration{2 * time.Hour} }, true},
		{"zero drain interval", func(c *Config) { c.Pulse.DrainInterval = 0 }, false},
		{"no workers", func(c *Config) { c.Delivery.Workers = 0 }, false},
		{"unlimited rate", func(c *Config) { c.Delivery.RatePerSecond = 0 }, true},
		{"negative rate", func(c *Config) { c.Delivery.RatePerSecond = -1 }, false},
		{"unknown provider", func(c *Config) { c.Sender.Provider = "pigeon" }, false},
		{"ses without region", func(c *Config) { c.Sender.Provider = "ses" }, false},
		{"ses configured", func(c *Config) {
			c.Sender.Provider = "ses"
			c.Sender.SES.Region = "eu-west-1"
			c.Sender.SES.FromAddress = "noreply@example.com"
		}, true},
		{"amqp without url", func(c *Config) { c.Sender.Provider = "amqp" }, false},
		{"webhook without url", func(c *Config) { c.Sender.Provider = "webhook" }, false},
		{"webhook configured", func(c *Config) {
			c.Sender.Provider = "webhook"
			c.Sender.Webhook.URL = "https://hooks.example.com/slots"
		}, true},
		{"redis without ttl", func(c *Config) {
			c.Leader.RedisAddr = "localhost:6379"
			c.Leader.TTL = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[booking]
lock_ttl = "10m"

[reminder]
offsets = ["6h", "2h"]

[sender]
provider = "ses"

[sender.ses]
region = "eu-west-1"
from_address = "noreply@example.com"

[sender.directory]
"candidate:c-1" = "c1@example.com"
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Booking.LockTTL)
	assert.Equal(t, []time.Duration{6 * time.Hour, 2 * time.Hour}, cfg.Reminder.Offsets)
	assert.Equal(t, "eu-west-1", cfg.Sender.SES.Region)
	assert.Equal(t, "c1@example.com", cfg.Sender.Directory["candidate:c-1"])
	// Untouched sections keep their defaults
	assert.Equal(t, 8, cfg.Outbox.MaxAttempts)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[outbox]\nmax_attempts = 0\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox.max_attempts")

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_ProjectFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	t.Setenv("SLOTPULSE_DELIVERY_WORKERS", "9")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "am.toml"), []byte("[database]\npath = \"project.db\"\n"), 0644))

	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "project.db", cfg.Database.Path)
	assert.Equal(t, 9, cfg.Delivery.Workers)

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again)

	bySetting := make(map[string]SettingInfo)
	for _, s := range Settings() {
		bySetting[s.Key] = s
	}
	assert.Equal(t, SourceProject, bySetting["database.path"].Source)
	assert.Equal(t, SourceEnvironment, bySetting["delivery.workers"].Source)
	assert.Equal(t, SourceDefault, bySetting["outbox.max_attempts"].Source)
}

func TestRender_MasksSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	t.Setenv("SLOTPULSE_SES_SECRET_ACCESS_KEY", "very-secret")

	Reset()
	t.Cleanup(Reset)

	data, err := Render()
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_attempts = 8")
	assert.NotContains(t, string(data), "very-secret")
}

func TestWriteDefaults_RotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")

	require.NoError(t, WriteDefaults(path))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(t), cfg)

	require.NoError(t, os.WriteFile(path, []byte("# edited\n"), 0644))
	require.NoError(t, WriteDefaults(path))

	backup, err := os.ReadFile(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, "# edited\n", string(backup))

	require.NoError(t, WriteDefaults(path))
	_, err = os.Stat(path + ".back2")
	assert.NoError(t, err)
}
