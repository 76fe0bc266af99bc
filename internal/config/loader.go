// loader.go implements the configuration loading lifecycle for the engine.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by Load to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Load loads and validates the engine configuration from the environment.
//
// godotenv.Load silently succeeds if no .env file exists in the working
// directory and does NOT override existing environment variables, so the OS
// environment always wins.
func Load() (*Config, error) {
	// Step 1: Enforce UTC timezone to prevent drift bugs.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent).
	_ = godotenv.Load()

	// Step 3: Process envconfig tags.
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment variables",
			Err:     err,
		}
	}

	// Step 4: Validate the populated struct.
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct-tag validation plus the cross-field checks that
// validator tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration failed validation",
			Err:     err,
		}
	}

	if cfg.Engine.BatchWindow <= 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "ENGINE_BATCH_WINDOW must be positive",
		}
	}
	if cfg.Engine.PollInterval <= 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "ENGINE_POLL_INTERVAL must be positive",
		}
	}
	if cfg.Engine.CriticalHorizon <= 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "ENGINE_CRITICAL_HORIZON must be positive",
		}
	}
	if cfg.Retention.DeliveryRecordAge < cfg.Retention.SoftDeleteGrace {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "RETENTION_DELIVERY_AGE must not be shorter than RETENTION_SOFT_DELETE_GRACE",
		}
	}

	return nil
}
