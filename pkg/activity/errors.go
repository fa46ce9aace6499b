package activity

import (
	"errors"

	"go.temporal.io/sdk/temporal"
)

// Application error types attached to non-retryable activity failures. The
// workflow reads them to decide how a failure is recorded.
const (
	ErrTypeValidation = "validation"
	ErrTypeLease      = "lease"
	ErrTypeBudget     = "budget"
	ErrTypeProvider   = "provider"
	ErrTypeNotFound   = "not_found"
	ErrTypeInternal   = "internal"
)

// NonRetryable wraps cause as a Temporal application error that is never
// retried. Stage failures are surfaced for inspection rather than re-run.
func NonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

// ErrorType returns the application error type of err, or "" if err is not
// an application error.
func ErrorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}
