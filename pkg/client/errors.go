package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an API failure. Every error surfaced by the executor
// carries exactly one kind; nothing is collapsed into a generic failure unless
// truly unclassifiable.
type ErrorKind string

const (
	// KindAuthenticationFailure covers 401 responses and signing failures.
	// The cached credential is invalidated so the next call re-signs.
	KindAuthenticationFailure ErrorKind = "authentication_failure"

	// KindPermissionDenied covers 403 responses. Never retried.
	KindPermissionDenied ErrorKind = "permission_denied"

	// KindRateLimitExceeded covers 429 responses. Retried with backoff.
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"

	// KindValidationFailure covers 4xx responses with a structured error body,
	// and client-side input validation.
	KindValidationFailure ErrorKind = "validation_failure"

	// KindNotFound covers 404 responses. Never retried.
	KindNotFound ErrorKind = "not_found"

	// KindTransientServerError covers 5xx responses and transport failures.
	// Retried with backoff when the operation is safe to repeat.
	KindTransientServerError ErrorKind = "transient_server_error"

	// KindUnknownError covers malformed success bodies and anything else
	// that cannot be classified.
	KindUnknownError ErrorKind = "unknown_error"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// APIError is a classified App Store Connect API error.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string

	// Detail carries the server-provided error detail for validation
	// failures (JSON:API errors[0].detail).
	Detail string

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("asc %s error", e.Kind)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewError builds a client-side APIError with no HTTP status.
func NewError(kind ErrorKind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsAPIError extracts the classified error from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRetryable reports whether an error kind may be retried internally.
// Only rate limit rejections and transient server failures qualify.
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindRateLimitExceeded, KindTransientServerError:
		return true
	default:
		return false
	}
}
