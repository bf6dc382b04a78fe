// Package config defines the global configuration structure for the renewal
// service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Any missing required value or invalid format causes the application to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"renewalhub/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the renewal service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"renewalhub"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Billing  BillingConfig
	Email    EmailConfig
	Renewal  RenewalConfig
}

// ServerConfig holds HTTP server settings for the admin API.
type ServerConfig struct {
	Port        string       `envconfig:"PORT" default:"8080"`
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
}

// DatabaseConfig holds member store connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// OperatorAlertQueue receives run-level failure alerts.
	OperatorAlertQueue string `envconfig:"SQS_OPERATOR_ALERTS" validate:"required,url"`

	// Daily trigger registration (EventBridge Scheduler).
	ScheduleName    string `envconfig:"SCHEDULE_NAME" default:"renewalhub-daily"`
	ScheduleGroup   string `envconfig:"SCHEDULE_GROUP" default:"default"`
	WorkerTargetArn string `envconfig:"SCHEDULE_TARGET_ARN"`
	ScheduleRoleArn string `envconfig:"SCHEDULE_ROLE_ARN"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"RenewalHub"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds recurring-billing provider settings. Enabled is the
// capability flag resolved once at startup: when false the strategy detector
// never probes the provider and every member is calendar-managed.
type BillingConfig struct {
	Enabled         bool         `envconfig:"BILLING_ENABLED" default:"true"`
	StripeSecretKey SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeAPIBase   string       `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com"`
}

// EmailConfig holds mail transport settings.
type EmailConfig struct {
	Enabled       bool   `envconfig:"EMAIL_ENABLED" default:"true"`
	FromAddress   string `envconfig:"EMAIL_FROM_ADDRESS" default:"membership@renewalhub.io"`
	FromName      string `envconfig:"EMAIL_FROM_NAME" default:"Membership Team"`
	ConfigSetName string `envconfig:"SES_CONFIG_SET"`
}

// RenewalConfig holds the batch orchestrator and evaluator tuning parameters.
type RenewalConfig struct {
	// Timezone is the single fixed zone used for all day-offset arithmetic.
	// Never server-local; a fixed zone avoids off-by-one errors across DST
	// transitions.
	Timezone string `envconfig:"RENEWAL_TIMEZONE" default:"UTC"`

	// BatchSize bounds the member page fetched per iteration.
	BatchSize int `envconfig:"RENEWAL_BATCH_SIZE" default:"100" validate:"min=1,max=1000"`

	// BatchPause is the throttle sleep between batches. Protects the member
	// store's request capacity during the run, not correctness.
	BatchPause time.Duration `envconfig:"RENEWAL_BATCH_PAUSE" default:"250ms"`

	// MemoryThresholdMB triggers a cache drop and warning when the heap
	// exceeds it between members. Zero disables the check.
	MemoryThresholdMB int `envconfig:"RENEWAL_MEMORY_THRESHOLD_MB" default:"256"`

	// DeliveryTime is the local time of day ("HH:MM") at which the daily
	// trigger fires.
	DeliveryTime string `envconfig:"RENEWAL_DELIVERY_TIME" default:"06:00"`

	// TemplatesJSON optionally overrides built-in reminder templates.
	// JSON shape: {"30": {"subject": "...", "body": "..."}, ...}
	TemplatesJSON string `envconfig:"RENEWAL_TEMPLATES_JSON"`

	// RunRetention is how long persisted run results are kept before being
	// compacted into the archive table.
	RunRetention time.Duration `envconfig:"RENEWAL_RUN_RETENTION" default:"2160h"` // 90 days
}
