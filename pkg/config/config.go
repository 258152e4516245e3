// Package config loads ingestq settings from defaults, an optional YAML file,
// INGESTQ_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// APIKey enables X-API-Key authentication when non-empty.
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	// Driver is "pgx" for PostgreSQL or "sqlite".
	Driver       string        `mapstructure:"driver" validate:"required,oneof=pgx sqlite"`
	DSN          string        `mapstructure:"dsn" validate:"required"`
	AutoMigrate  bool          `mapstructure:"auto_migrate"`
	MaxOpenConns int           `mapstructure:"max_open_conns" validate:"gte=0"`
	ConnectRetry time.Duration `mapstructure:"connect_retry" validate:"gte=0"`
}

// RedisConfig configures the optional fast store. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	Namespace string        `mapstructure:"namespace" validate:"required"`
	RecordTTL time.Duration `mapstructure:"record_ttl" validate:"gt=0"`
}

// Enabled reports whether a fast store is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// QueueConfig tunes the retry controller and stuck-task sweep.
type QueueConfig struct {
	DefaultMaxRetries int           `mapstructure:"default_max_retries" validate:"gte=0"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap" validate:"gtefield=BackoffBase"`
	StuckAfter        time.Duration `mapstructure:"stuck_after" validate:"gt=0"`
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	RateLimit         int           `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst         int           `mapstructure:"rate_burst" validate:"gte=0"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"`
	DLQSchedule       string        `mapstructure:"dlq_schedule"`
	DLQBatchSize      int           `mapstructure:"dlq_batch_size" validate:"gte=1"`
}
