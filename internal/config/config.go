// Package config defines the process configuration for the wellwisher
// pipeline daemons. Configuration is loaded once at startup and is immutable
// thereafter; it follows 12-Factor principles by strictly separating code
// from configuration.
//
// Values resolve from the OS environment, with a .env file as fallback for
// local development. Any missing required value or invalid format fails the
// process immediately on startup.
package config

import (
	"time"

	"wellwisher/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct shared by all pipeline
// daemons. Each daemon receives only the subsets it requires.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"wellwisher"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Database Database
	Queue    Queue
	Delivery Delivery
	Schedule Schedule
	Ops      Ops
}

// Database holds connection and pool tuning for the schedule ledger.
type Database struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// Queue holds SQS resource identifiers and consumer tuning.
type Queue struct {
	Region  string `envconfig:"AWS_REGION" default:"us-east-1"`
	JobsURL string `envconfig:"SQS_JOBS" validate:"required,url"`
	DlqURL  string `envconfig:"SQS_DLQ" validate:"required,url"`

	// WaitTime is the long-poll duration for ReceiveMessage.
	WaitTime time.Duration `envconfig:"SQS_WAIT_TIME" default:"20s"`

	// VisibilityTimeout must exceed the worst-case processing time of one
	// message (delivery timeout plus retries) or messages get redelivered
	// while still in flight.
	VisibilityTimeout time.Duration `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"5m"`

	// MaxReceive is the redelivery cap before a message is forwarded to
	// the dead-letter queue.
	MaxReceive int `envconfig:"SQS_MAX_RECEIVE" default:"5"`

	// LocalStack support; empty in production.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// Delivery holds the downstream notification API settings and the
// resilience parameters of the client that wraps it.
type Delivery struct {
	APIURL   string       `envconfig:"DELIVERY_API_URL" validate:"required,url"`
	APIToken SecretString `envconfig:"DELIVERY_API_TOKEN"`

	Timeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`

	// MaxRetries is the retry budget after the first attempt; the default
	// of 2 yields three total attempts per Send call.
	MaxRetries  int           `envconfig:"DELIVERY_MAX_RETRIES" default:"2"`
	BaseBackoff time.Duration `envconfig:"DELIVERY_BASE_BACKOFF" default:"1s"`
	MaxBackoff  time.Duration `envconfig:"DELIVERY_MAX_BACKOFF" default:"8s"`

	// Breaker settings: trip when the failure rate over the rolling window
	// reaches FailureRate with at least BreakerMinCalls observations; stay
	// open for Cooldown, then allow a single trial call.
	BreakerMinCalls uint32        `envconfig:"DELIVERY_BREAKER_MIN_CALLS" default:"10"`
	FailureRate     float64       `envconfig:"DELIVERY_BREAKER_FAILURE_RATE" default:"0.5"`
	Cooldown        time.Duration `envconfig:"DELIVERY_BREAKER_COOLDOWN" default:"30s"`

	// SendRate caps outbound calls per second; 0 disables the limiter.
	SendRate float64 `envconfig:"DELIVERY_SEND_RATE" default:"25"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"8"`

	// ShutdownGrace bounds how long in-flight deliveries may run after a
	// shutdown signal before the process exits; anything unfinished falls
	// back to queue redelivery and the recovery sweeper.
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`
}

// Schedule holds the cadence and policy knobs of the scheduled jobs.
type Schedule struct {
	// SendHourLocal is the target local wall-clock hour for deliveries.
	SendHourLocal int `envconfig:"SEND_HOUR_LOCAL" default:"9" validate:"min=0,max=23"`

	// LeapDayPolicy is "feb28" or "skip"; see internal/clock.
	LeapDayPolicy string `envconfig:"LEAP_DAY_POLICY" default:"feb28" validate:"oneof=feb28 skip"`

	// DailyScanSpec is the cron spec for the daily scan (UTC).
	DailyScanSpec string `envconfig:"DAILY_SCAN_SPEC" default:"10 0 * * *"`

	// EnqueueInterval is the due-work poll tick.
	EnqueueInterval time.Duration `envconfig:"ENQUEUE_INTERVAL" default:"1m"`
	EnqueueBatch    int           `envconfig:"ENQUEUE_BATCH" default:"100"`

	// SweepSpec is the cron spec for the recovery sweep (UTC).
	SweepSpec string `envconfig:"SWEEP_SPEC" default:"*/10 * * * *"`

	// StuckSLA is how long a job may sit in queued/retrying before the
	// sweeper considers it lost and resets it to pending.
	StuckSLA   time.Duration `envconfig:"STUCK_SLA" default:"30m"`
	SweepBatch int           `envconfig:"SWEEP_BATCH" default:"500"`

	// BackfillDays is how far back the retroactive scan looks for
	// occurrence dates whose jobs were never materialized.
	BackfillDays int `envconfig:"BACKFILL_DAYS" default:"3" validate:"min=0,max=14"`
}

// Ops holds the embedded health/readiness server settings.
type Ops struct {
	Port int `envconfig:"OPS_PORT" default:"8080"`
}
