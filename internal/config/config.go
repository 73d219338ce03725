// Package config defines the configuration for the campaign execution
// engine. Configuration is loaded once at process start and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, optionally seeded from a .env file in development.
//
// Any missing required value or invalid format fails the process
// immediately on startup.
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only
// the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"outreach-engine"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Engine   EngineConfig
	Dispatch DispatchConfig
	Recovery RecoveryConfig
}

// ServerConfig holds HTTP server settings for the ingestion API.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// QueueConfig tunes the durable job queue and its worker pools.
type QueueConfig struct {
	SendWorkers    int `envconfig:"QUEUE_SEND_WORKERS" default:"4" validate:"min=1"`
	TimeoutWorkers int `envconfig:"QUEUE_TIMEOUT_WORKERS" default:"4" validate:"min=1"`

	MaxAttempts  int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	BackoffBase  time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"500ms"`
	BackoffMax   time.Duration `envconfig:"QUEUE_BACKOFF_MAX" default:"1m"`
	PollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	ClaimTimeout time.Duration `envconfig:"QUEUE_CLAIM_TIMEOUT" default:"5m"`
	Retention    time.Duration `envconfig:"QUEUE_RETENTION" default:"24h"`
	DrainTimeout time.Duration `envconfig:"QUEUE_DRAIN_TIMEOUT" default:"30s"`
}

// EngineConfig holds plan-interpreter behavior settings.
type EngineConfig struct {
	// DefaultTimezone applies when a plan omits its timezone.
	DefaultTimezone string `envconfig:"ENGINE_DEFAULT_TIMEZONE" default:"UTC"`
}

// DispatchConfig configures the out-of-scope message-composition
// collaborator endpoint.
type DispatchConfig struct {
	URL       string        `envconfig:"DISPATCH_URL" validate:"required,url"`
	Timeout   time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"10s"`
	UserAgent string        `envconfig:"DISPATCH_USER_AGENT" default:"Outreach-Engine/1.0"`
}

// RecoveryConfig tunes startup recovery of the scheduled-action ledger.
type RecoveryConfig struct {
	Enabled bool `envconfig:"RECOVERY_ENABLED" default:"true"`
	// ExpiryThreshold marks pending actions older than this as expired
	// instead of re-arming them.
	ExpiryThreshold time.Duration `envconfig:"RECOVERY_EXPIRY_THRESHOLD" default:"72h"`
	BatchSize       int           `envconfig:"RECOVERY_BATCH_SIZE" default:"100" validate:"min=1"`
}
