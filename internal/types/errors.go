package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Components MUST use these constants instead of
// hardcoded strings so that handling policy (retry vs terminal vs ignore)
// can be decided by code, not by message matching.
const (
	// Validation: a bad user record (unknown timezone, impossible event
	// date). Skipped and logged, never persisted as a job.
	ErrCodeValidationUser ErrorCode = "validation_bad_user_record"

	// Delivery failures.
	ErrCodeDeliveryTransient ErrorCode = "delivery_transient" // timeout / 5xx, retryable
	ErrCodeDeliveryPermanent ErrorCode = "delivery_permanent" // 4xx, terminal
	ErrCodeDeliveryBreaker   ErrorCode = "delivery_breaker_open"

	// DuplicateClaim: an idempotency-key conflict or a zero-rows-affected
	// conditional transition. Proof that another replica owns the work;
	// treated as success by callers.
	ErrCodeDuplicateClaim ErrorCode = "duplicate_claim"

	// LostWorkDetected: raised internally by the recovery sweeper when a
	// row sits in queued/retrying past the SLA. Self-healing; never
	// surfaced to callers.
	ErrCodeLostWork ErrorCode = "lost_work_detected"

	// Infrastructure.
	ErrCodeInternalDB    ErrorCode = "internal_database_error"
	ErrCodeQueuePublish  ErrorCode = "queue_publish_failed"
	ErrCodeNotFoundJob   ErrorCode = "not_found_schedule_job"
	ErrCodeNotFoundUser  ErrorCode = "not_found_user"
	ErrCodeInternalOther ErrorCode = "internal_unexpected_error"
)

// AppError is the standard error envelope for the pipeline. It carries a
// typed code for policy decisions, a human-readable message for logs, and
// the wrapped cause for errors.Is/As chains.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewAppError constructs an AppError wrapping an optional cause.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalOther when no AppError is present.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalOther
}

// IsTransientDelivery reports whether the error should be retried by the
// delivery path (timeout, 5xx, or circuit breaker open -- the breaker case
// is retryable because the breaker will eventually half-open).
func IsTransientDelivery(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDeliveryTransient, ErrCodeDeliveryBreaker:
		return true
	}
	return false
}

// IsDuplicateClaim reports whether the error proves another replica already
// owns the job. Callers treat this as success.
func IsDuplicateClaim(err error) bool {
	return CodeOf(err) == ErrCodeDuplicateClaim
}
