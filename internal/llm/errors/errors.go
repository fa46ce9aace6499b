// Package errors defines the gateway's error taxonomy. Every failure that
// reaches a model backend, whether the transport fails or the provider
// answers with a non-2xx status, surfaces as a *ProviderError.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorType categorizes provider failures for logging and metrics.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates the provider throttled the request.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates a connectivity failure before a response.
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates the provider service failed (5xx).
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeValidation indicates the provider rejected the request body.
	ErrorTypeValidation ErrorType = "validation_failed"

	// ErrorTypeContent indicates content blocked by provider safety filters.
	ErrorTypeContent ErrorType = "content_filtered"

	// ErrorTypeAuth indicates authentication failed.
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypePermission indicates insufficient permissions.
	ErrorTypePermission ErrorType = "permission_denied"

	// ErrorTypeQuota indicates account quota exceeded.
	ErrorTypeQuota ErrorType = "quota_exceeded"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

var (
	// ErrUnknownProvider indicates no adapter is registered for a provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownModel indicates the adapter rejected the model name.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidResponse indicates a 2xx body that could not be decoded.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrCredentialRequired indicates a remote provider was addressed without
	// a credential.
	ErrCredentialRequired = errors.New("credential required")
)

// ProviderError is the single error shape for backend failures. StatusCode
// is zero when the request never produced an HTTP response.
type ProviderError struct {
	Provider   string    `json:"provider"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	Type       ErrorType `json:"type"`
	// Body is the raw response body, kept verbatim for diagnosis.
	Body  string `json:"body,omitempty"`
	Cause error  `json:"-"`
}

// Error returns formatted provider error with status code context.
func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap exposes the transport cause, if any.
func (e *ProviderError) Unwrap() error { return e.Cause }

// IsTransient reports whether the failure is of a kind that usually clears on
// its own. The gateway never retries; callers use this only for reporting.
func (e *ProviderError) IsTransient() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider:
		return true
	default:
		return false
	}
}

// FromStatus builds a ProviderError from a non-2xx response. message is the
// provider's own error text when it could be extracted; otherwise the body
// is used.
func FromStatus(provider string, statusCode int, code, message string, body []byte) *ProviderError {
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Code:       code,
		Type:       Classify(statusCode, code),
		Body:       string(body),
	}
}

// FromTransport wraps a failure that happened before any HTTP response.
func FromTransport(provider string, err error) *ProviderError {
	typ := ErrorTypeNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		typ = ErrorTypeTimeout
	}
	return &ProviderError{
		Provider: provider,
		Message:  err.Error(),
		Type:     typ,
		Cause:    err,
	}
}

// Classify maps a status code and provider error code onto an ErrorType.
// The provider code wins when it is specific.
func Classify(statusCode int, errorCode string) ErrorType {
	lowerCode := strings.ToLower(errorCode)
	switch {
	case strings.Contains(lowerCode, "rate") || strings.Contains(lowerCode, "limit"):
		return ErrorTypeRateLimit
	case strings.Contains(lowerCode, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(lowerCode, "auth") || strings.Contains(lowerCode, "unauthenticated"):
		return ErrorTypeAuth
	case strings.Contains(lowerCode, "permission") || strings.Contains(lowerCode, "forbidden"):
		return ErrorTypePermission
	case strings.Contains(lowerCode, "quota") || strings.Contains(lowerCode, "exhausted"):
		return ErrorTypeQuota
	case strings.Contains(lowerCode, "content") || strings.Contains(lowerCode, "safety"):
		return ErrorTypeContent
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusUnauthorized:
		return ErrorTypeAuth
	case http.StatusForbidden:
		return ErrorTypePermission
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return ErrorTypeValidation
	default:
		if statusCode >= http.StatusInternalServerError {
			return ErrorTypeProvider
		}
		return ErrorTypeUnknown
	}
}

// AsProviderError extracts a *ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
