// Package config defines the configuration structure for the growmate
// notification engine. Configuration is loaded once at process start and is
// immutable thereafter, following 12-Factor principles: OS environment takes
// precedence over the optional .env file. Any missing required value or
// invalid format fails the process immediately on startup.
package config

import (
	"time"
)

// Config is the top-level configuration struct for the engine daemon.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"growmate-engine"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Engine    EngineConfig
	Retention RetentionConfig
}

// ServerConfig holds the HTTP control-surface settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers for the transport queue and
// metrics namespace.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DeliveryQueue receives delivery requests for the push relay.
	DeliveryQueue string `envconfig:"SQS_DELIVERY_QUEUE" validate:"required,url"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Growmate/Notifications"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EngineConfig holds the scheduling engine tuning parameters. Defaults match
// the documented engine contract; all values are operator-tunable.
type EngineConfig struct {
	// UserID is the account this engine instance schedules for. One daemon
	// serves one account; preferences and activity profiles are read for it.
	UserID string `envconfig:"ENGINE_USER_ID" validate:"required"`

	// BatchWindow is the sliding window within which same-plant tasks merge
	// into one composite notification.
	BatchWindow time.Duration `envconfig:"ENGINE_BATCH_WINDOW" default:"60m"`

	// MaxBatchSize caps how many tasks a single composite notification holds.
	MaxBatchSize int `envconfig:"ENGINE_MAX_BATCH_SIZE" default:"5" validate:"min=1,max=20"`

	// PollInterval is the cadence of the background overdue sweep.
	PollInterval time.Duration `envconfig:"ENGINE_POLL_INTERVAL" default:"5m"`

	// CriticalHorizon is the days-overdue span mapped to 100% overdue ratio.
	CriticalHorizon time.Duration `envconfig:"ENGINE_CRITICAL_HORIZON" default:"72h"`

	// ActivityTolerance bounds how far forward the timing optimizer may
	// shift a notification toward a user's active hour.
	ActivityTolerance time.Duration `envconfig:"ENGINE_ACTIVITY_TOLERANCE" default:"3h"`

	// OperationTimeout bounds each caller-facing operation; past it the
	// operation is treated as a retryable failure.
	OperationTimeout time.Duration `envconfig:"ENGINE_OPERATION_TIMEOUT" default:"10s"`

	// MaxRetryAttempts is the delivery retry cap (delays 1,2,4,8,16s).
	MaxRetryAttempts int `envconfig:"ENGINE_MAX_RETRY_ATTEMPTS" default:"5" validate:"min=0,max=10"`

	// ProfileCacheTTL is how long a cached activity profile is considered
	// fresh before a background refresh is triggered.
	ProfileCacheTTL time.Duration `envconfig:"ENGINE_PROFILE_CACHE_TTL" default:"15m"`

	// SweepBatchLimit caps entries examined per overdue sweep cycle.
	SweepBatchLimit int `envconfig:"ENGINE_SWEEP_LIMIT" default:"200" validate:"min=1"`
}

// RetentionConfig holds the maintenance sweep settings.
type RetentionConfig struct {
	// Interval is how often the retention sweep runs.
	Interval time.Duration `envconfig:"RETENTION_INTERVAL" default:"6h"`

	// DeliveryRecordAge is how long terminal delivery records are kept
	// before being archived and deleted.
	DeliveryRecordAge time.Duration `envconfig:"RETENTION_DELIVERY_AGE" default:"720h"` // 30 days

	// SoftDeleteGrace is how long soft-deleted schedule entries are kept
	// before hard purge.
	SoftDeleteGrace time.Duration `envconfig:"RETENTION_SOFT_DELETE_GRACE" default:"168h"` // 7 days

	// ArchiveDir is where compressed delivery-record archives are written.
	// Empty disables archiving (records are purged without a snapshot).
	ArchiveDir string `envconfig:"RETENTION_ARCHIVE_DIR"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
