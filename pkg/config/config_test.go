package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/sweep"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("GATEKEEPER_TEST_VAR", "custom")
	assert.Equal(t, "custom", getEnv("GATEKEEPER_TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("GATEKEEPER_TEST_VAR_NOT_SET", "default"))
}

func TestGetEnvAllowEmpty(t *testing.T) {
	t.Setenv("GATEKEEPER_TEST_SCHEDULE", "")
	assert.Equal(t, "", getEnvAllowEmpty("GATEKEEPER_TEST_SCHEDULE", "*/5 * * * *"))
	assert.Equal(t, "*/5 * * * *", getEnvAllowEmpty("GATEKEEPER_TEST_SCHEDULE_NOT_SET", "*/5 * * * *"))
}

func TestGetEnvTyped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		check func(t *testing.T)
	}{
		{"bool true", "true", func(t *testing.T) { assert.True(t, getEnvBool("GATEKEEPER_TEST_TYPED", false)) }},
		{"bool one", "1", func(t *testing.T) { assert.True(t, getEnvBool("GATEKEEPER_TEST_TYPED", false)) }},
		{"bool other", "yes", func(t *testing.T) { assert.False(t, getEnvBool("GATEKEEPER_TEST_TYPED", true)) }},
		{"int", "42", func(t *testing.T) { assert.Equal(t, 42, getEnvInt("GATEKEEPER_TEST_TYPED", 0)) }},
		{"int invalid", "many", func(t *testing.T) { assert.Equal(t, 7, getEnvInt("GATEKEEPER_TEST_TYPED", 7)) }},
		{"int64", "1048576", func(t *testing.T) { assert.Equal(t, int64(1<<20), getEnvInt64("GATEKEEPER_TEST_TYPED", 0)) }},
		{"float", "2.5", func(t *testing.T) { assert.Equal(t, 2.5, getEnvFloat("GATEKEEPER_TEST_TYPED", 0)) }},
		{"duration", "90s", func(t *testing.T) {
			assert.Equal(t, 90*time.Second, getEnvDuration("GATEKEEPER_TEST_TYPED", 0))
		}},
		{"duration invalid", "soon", func(t *testing.T) {
			assert.Equal(t, time.Minute, getEnvDuration("GATEKEEPER_TEST_TYPED", time.Minute))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GATEKEEPER_TEST_TYPED", tt.value)
			tt.check(t)
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_DSN", "postgres://localhost/gatekeeper?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, storage.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, sweep.DefaultConfig().EscalationSchedule, cfg.Sweep.EscalationSchedule)
	assert.Equal(t, 4*time.Hour, cfg.Sweep.ReminderLead)
	assert.Zero(t, cfg.Sweep.RetentionDays)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
	assert.Equal(t, 3, cfg.Notify.Retry.MaxAttempts)

	// The API server additionally needs a signing secret.
	assert.Error(t, cfg.ValidateServer())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_DRIVER", "sqlite3")
	t.Setenv("GATEKEEPER_DB_DSN", "file:gatekeeper.db")
	t.Setenv("GATEKEEPER_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("GATEKEEPER_WEBHOOK_URL", "https://hooks.example.com/approvals")
	t.Setenv("GATEKEEPER_WEBHOOK_SECRET", "s3cret")
	t.Setenv("GATEKEEPER_WEBHOOK_TIMEOUT", "2s")
	t.Setenv("GATEKEEPER_REMINDER_SCHEDULE", "")
	t.Setenv("GATEKEEPER_REMINDER_LEAD", "30m")
	t.Setenv("GATEKEEPER_SWEEP_WORKERS", "8")
	t.Setenv("GATEKEEPER_AUDIT_RETENTION_DAYS", "365")
	t.Setenv("GATEKEEPER_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GATEKEEPER_LOG_FORMAT", "JSON")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateServer())
	assert.Equal(t, storage.DriverSQLite, cfg.Database.Driver)
	assert.Empty(t, cfg.Sweep.ReminderSchedule, "an empty schedule disables the job")
	assert.Equal(t, 30*time.Minute, cfg.Sweep.ReminderLead)
	assert.Equal(t, 8, cfg.Sweep.Workers)
	assert.Equal(t, 365, cfg.Sweep.RetentionDays)
	assert.Equal(t, "json", cfg.Observability.LogFormat)

	hook := cfg.Notify.Webhook()
	assert.Equal(t, "https://hooks.example.com/approvals", hook.URL)
	assert.Equal(t, "s3cret", hook.Secret)
	assert.Equal(t, 2*time.Second, hook.Timeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.Options().URL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:        ServerConfig{Port: "8080", HealthPort: "9090"},
			Database:      storage.Config{Driver: storage.DriverPostgres, DSN: "postgres://db"},
			Auth:          AuthConfig{JWTSecret: "0123456789abcdef0123456789abcdef"},
			Sweep:         sweep.DefaultConfig(),
			Observability: ObservabilityConfig{LogFormat: "text"},
		}
	}
	require.NoError(t, valid().Validate())
	require.NoError(t, valid().ValidateServer())

	tests := []struct {
		name   string
		mutate func(c *Config)
		server bool
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"missing DSN", func(c *Config) { c.Database.DSN = "" }, false},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, false},
		{"no workers", func(c *Config) { c.Sweep.Workers = 0 }, false},
		{"negative retention", func(c *Config) { c.Sweep.RetentionDays = -1 }, false},
		{"secret without webhook", func(c *Config) { c.Notify.WebhookSecret = "x" }, false},
		{"same ports", func(c *Config) { c.Server.HealthPort = "8080" }, true},
		{"short JWT secret", func(c *Config) { c.Auth.JWTSecret = "short" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if tt.server {
				assert.Error(t, c.ValidateServer())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}
