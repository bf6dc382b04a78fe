// loader.go implements the configuration loading lifecycle for the renewal
// service.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
//  5. Cross-validate domain fields (renewal timezone, delivery time).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid
// debugging. It wraps a ConfigErrorType and an underlying error message.
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

// LoadConfig loads and validates the renewal service configuration.
func LoadConfig() (*Config, error) {
	// Step 1: Enforce UTC process time to prevent drift bugs. Day-offset
	// arithmetic additionally uses the configured renewal timezone.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent). godotenv does NOT
	// override existing environment variables.
	_ = godotenv.Load()

	// Step 3: Process envconfig tags to populate the Config struct. The
	// empty prefix means envconfig uses the exact tag values (e.g.,
	// envconfig:"APP_ENV" reads APP_ENV directly).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 4: Validate the populated struct.
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	// Step 5: Cross-field validation that struct tags cannot express.
	if err := validateRenewal(cfg.Renewal); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "renewal configuration invalid",
			Err:     err,
		}
	}

	if cfg.Billing.Enabled && cfg.Billing.StripeSecretKey.Unmask() == "" {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "BILLING_ENABLED requires STRIPE_SECRET_KEY",
		}
	}

	return &cfg, nil
}

// validateRenewal checks the renewal tuning fields that require parsing:
// the fixed timezone must load and the delivery time must be HH:MM.
func validateRenewal(rc RenewalConfig) error {
	if _, err := time.LoadLocation(rc.Timezone); err != nil {
		return fmt.Errorf("invalid RENEWAL_TIMEZONE %q: %w", rc.Timezone, err)
	}
	if _, _, err := ParseTimeOfDay(rc.DeliveryTime); err != nil {
		return fmt.Errorf("invalid RENEWAL_DELIVERY_TIME: %w", err)
	}
	return nil
}

// ParseTimeOfDay parses a "HH:MM" string into hour and minute components.
// The input must be exactly in HH:MM format (5 characters). Trailing content
// is rejected to prevent ambiguity.
func ParseTimeOfDay(s string) (int, int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	var hour, minute int
	n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour %d out of range [0,23]", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute %d out of range [0,59]", minute)
	}
	return hour, minute, nil
}
