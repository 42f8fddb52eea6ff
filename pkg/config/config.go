package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/notify"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/lease"
	"github.com/platinummonkey/gatekeeper/pkg/sweep"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database storage.Config

	// Redis configuration, used for sweep job leases
	Redis RedisConfig

	// Auth configuration
	Auth AuthConfig

	// RBAC configuration
	RBAC RBACConfig

	// Notification configuration
	Notify NotifyConfig

	// Sweep configuration
	Sweep sweep.Config

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds the work done for one API request
	RequestTimeout time.Duration
	MaxBodyBytes   int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds the Redis connection. An empty URL disables leases.
type RedisConfig struct {
	URL         string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	LeasePrefix string
}

// Options converts the configuration for lease.Connect.
func (c RedisConfig) Options() lease.Options {
	return lease.Options{URL: c.URL, Password: c.Password, DB: c.DB, MaxRetries: c.MaxRetries, PoolSize: c.PoolSize}
}

// AuthConfig holds bearer token and rate limit settings
type AuthConfig struct {
	JWTSecret      string
	TokenTTL       time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// RBACConfig holds permission catalog settings
type RBACConfig struct {
	rbac.Config
	// CatalogPath overrides the built-in catalog when set
	CatalogPath string
}

// NotifyConfig holds notification delivery settings. Without a webhook URL
// notifications are only logged.
type NotifyConfig struct {
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
	WebhookRate    float64
	WebhookBurst   int
	Retry          notify.RetryConfig
	// DispatchTimeout bounds a background delivery from the API server
	DispatchTimeout time.Duration
}

// Webhook converts the configuration for notify.NewWebhookNotifier.
func (c NotifyConfig) Webhook() notify.WebhookConfig {
	return notify.WebhookConfig{
		URL:           c.WebhookURL,
		Secret:        c.WebhookSecret,
		Timeout:       c.WebhookTimeout,
		Retry:         c.Retry,
		RatePerSecond: c.WebhookRate,
		Burst:         c.WebhookBurst,
	}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		RBAC:          loadRBACConfig(),
		Notify:        loadNotifyConfig(),
		Sweep:         loadSweepConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("GATEKEEPER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEKEEPER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEKEEPER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEKEEPER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  getEnvDuration("GATEKEEPER_REQUEST_TIMEOUT", 10*time.Second),
		MaxBodyBytes:    getEnvInt64("GATEKEEPER_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("GATEKEEPER_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if driver := getEnv("GATEKEEPER_DB_DRIVER", ""); driver != "" {
		cfg.Driver = driver
	}
	cfg.DSN = getEnv("GATEKEEPER_DB_DSN", "")
	if maxConns := getEnvInt("GATEKEEPER_DB_MAX_OPEN_CONNS", 0); maxConns > 0 {
		cfg.MaxOpenConns = maxConns
	}
	if idle := getEnvInt("GATEKEEPER_DB_MAX_IDLE_CONNS", 0); idle > 0 {
		cfg.MaxIdleConns = idle
	}
	if lifetime := getEnvDuration("GATEKEEPER_DB_CONN_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.ConnMaxLifetime = lifetime
	}
	if timeout := getEnvDuration("GATEKEEPER_DB_PING_TIMEOUT", 0); timeout > 0 {
		cfg.PingTimeout = timeout
	}

	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:         getEnv("GATEKEEPER_REDIS_URL", ""),
		Password:    getEnv("GATEKEEPER_REDIS_PASSWORD", ""),
		DB:          getEnvInt("GATEKEEPER_REDIS_DB", 0),
		MaxRetries:  getEnvInt("GATEKEEPER_REDIS_MAX_RETRIES", 3),
		PoolSize:    getEnvInt("GATEKEEPER_REDIS_POOL_SIZE", 10),
		LeasePrefix: getEnv("GATEKEEPER_LEASE_PREFIX", "gatekeeper:lease"),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:      getEnv("GATEKEEPER_JWT_SECRET", ""),
		TokenTTL:       getEnvDuration("GATEKEEPER_TOKEN_TTL", time.Hour),
		RateLimitRPS:   getEnvFloat("GATEKEEPER_RATE_LIMIT_RPS", 50),
		RateLimitBurst: getEnvInt("GATEKEEPER_RATE_LIMIT_BURST", 100),
	}
}

func loadRBACConfig() RBACConfig {
	cfg := rbac.DefaultConfig()
	if size := getEnvInt("GATEKEEPER_CATALOG_CACHE_SIZE", 0); size > 0 {
		cfg.CatalogCacheSize = size
	}
	cfg.CatalogCacheTTL = getEnvDuration("GATEKEEPER_CATALOG_CACHE_TTL", cfg.CatalogCacheTTL)
	cfg.InvitationTTL = getEnvDuration("GATEKEEPER_INVITATION_TTL", cfg.InvitationTTL)
	return RBACConfig{
		Config:      cfg,
		CatalogPath: getEnv("GATEKEEPER_CATALOG_PATH", ""),
	}
}

func loadNotifyConfig() NotifyConfig {
	retry := notify.DefaultRetryConfig()
	retry.MaxAttempts = getEnvInt("GATEKEEPER_WEBHOOK_MAX_ATTEMPTS", retry.MaxAttempts)
	return NotifyConfig{
		WebhookURL:      getEnv("GATEKEEPER_WEBHOOK_URL", ""),
		WebhookSecret:   getEnv("GATEKEEPER_WEBHOOK_SECRET", ""),
		WebhookTimeout:  getEnvDuration("GATEKEEPER_WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookRate:     getEnvFloat("GATEKEEPER_WEBHOOK_RATE", 0),
		WebhookBurst:    getEnvInt("GATEKEEPER_WEBHOOK_BURST", 10),
		Retry:           retry,
		DispatchTimeout: getEnvDuration("GATEKEEPER_NOTIFY_TIMEOUT", 30*time.Second),
	}
}

func loadSweepConfig() sweep.Config {
	def := sweep.DefaultConfig()
	return sweep.Config{
		EscalationSchedule: getEnvAllowEmpty("GATEKEEPER_ESCALATION_SCHEDULE", def.EscalationSchedule),
		ReminderSchedule:   getEnvAllowEmpty("GATEKEEPER_REMINDER_SCHEDULE", def.ReminderSchedule),
		RecoverySchedule:   getEnvAllowEmpty("GATEKEEPER_RECOVERY_SCHEDULE", def.RecoverySchedule),
		RetentionSchedule:  getEnvAllowEmpty("GATEKEEPER_RETENTION_SCHEDULE", def.RetentionSchedule),
		ReminderLead:       getEnvDuration("GATEKEEPER_REMINDER_LEAD", def.ReminderLead),
		ItemTimeout:        getEnvDuration("GATEKEEPER_SWEEP_ITEM_TIMEOUT", def.ItemTimeout),
		Workers:            getEnvInt("GATEKEEPER_SWEEP_WORKERS", def.Workers),
		BatchSize:          getEnvInt("GATEKEEPER_SWEEP_BATCH_SIZE", def.BatchSize),
		PendingGrace:       getEnvDuration("GATEKEEPER_PENDING_GRACE", def.PendingGrace),
		RetentionDays:      getEnvInt("GATEKEEPER_AUDIT_RETENTION_DAYS", 0),
		LeaseTTL:           getEnvDuration("GATEKEEPER_LEASE_TTL", def.LeaseTTL),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       strings.ToLower(getEnv("GATEKEEPER_LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("GATEKEEPER_LOG_FORMAT", "text")),
		MetricsEnabled: getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
	}
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case storage.DriverPostgres, storage.DriverSQLite:
	default:
		return fmt.Errorf("invalid database driver: %s (must be %s or %s)", c.Database.Driver, storage.DriverPostgres, storage.DriverSQLite)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	switch c.Observability.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	if c.Sweep.Workers < 1 {
		return fmt.Errorf("sweep workers must be at least 1")
	}
	if c.Sweep.ReminderLead < 0 {
		return fmt.Errorf("reminder lead window cannot be negative")
	}
	if c.Sweep.RetentionDays < 0 {
		return fmt.Errorf("audit retention days cannot be negative")
	}
	if c.Notify.WebhookSecret != "" && c.Notify.WebhookURL == "" {
		return fmt.Errorf("webhook secret is set but webhook URL is not")
	}

	return nil
}

// ValidateServer adds the checks only the API server needs
func (c *Config) ValidateServer() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty returns the variable even when it is set to "", which
// disables the setting
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
