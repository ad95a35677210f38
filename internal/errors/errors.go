package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a processing failure for retry dispatch.
type ErrorKind string

const (
	ErrRateLimited ErrorKind = "RATE_LIMITED" // retryable
	ErrTransient   ErrorKind = "TRANSIENT"    // retryable
	ErrNotFound    ErrorKind = "NOT_FOUND"    // content gone, not retryable
	ErrMalformed   ErrorKind = "MALFORMED"    // unparseable response, not retryable
	ErrConfig      ErrorKind = "CONFIG"       // fatal, never retried
	ErrInternal    ErrorKind = "INTERNAL"     // not retryable
)

// ProcessorError represents a structured error with kind, retryability, and details.
type ProcessorError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Details   map[string]any
	Err       error
}

// Error implements the error interface.
func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// NewRateLimited creates a retryable error for a throttled upstream.
func NewRateLimited(service string, err error) *ProcessorError {
	return &ProcessorError{
		Kind:      ErrRateLimited,
		Retryable: true,
		Message:   fmt.Sprintf("rate limited by %s", service),
		Details:   map[string]any{"service": service},
		Err:       err,
	}
}

// NewTransient creates a retryable error for timeouts, connection failures and 5xx responses.
func NewTransient(msg string, err error) *ProcessorError {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &ProcessorError{
		Kind:      ErrTransient,
		Retryable: true,
		Message:   msg,
		Err:       err,
	}
}

// NewNotFound creates a non-retryable error for content that is gone.
func NewNotFound(identifier string) *ProcessorError {
	return &ProcessorError{
		Kind:    ErrNotFound,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewMalformed creates a non-retryable error for input or responses that cannot be parsed.
func NewMalformed(msg string, err error) *ProcessorError {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &ProcessorError{
		Kind:    ErrMalformed,
		Message: msg,
		Err:     err,
	}
}

// NewConfig creates a fatal configuration error.
func NewConfig(msg string) *ProcessorError {
	return &ProcessorError{
		Kind:    ErrConfig,
		Message: msg,
	}
}

// NewInternal creates an error for unexpected internal failures.
// The original error is kept in Details for logging.
func NewInternal(err error) *ProcessorError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &ProcessorError{
		Kind:    ErrInternal,
		Message: "an internal error occurred",
		Details: details,
		Err:     err,
	}
}

// FromHTTPStatus maps an unexpected HTTP status from target to a ProcessorError.
func FromHTTPStatus(status int, target string) *ProcessorError {
	switch {
	case status == http.StatusTooManyRequests:
		e := NewRateLimited(target, nil)
		e.Details["status"] = status
		return e
	case status == http.StatusRequestTimeout || status >= 500:
		e := NewTransient(fmt.Sprintf("%s returned %d", target, status), nil)
		e.Details = map[string]any{"status": status}
		return e
	default:
		e := NewNotFound(target)
		e.Details["status"] = status
		return e
	}
}

// Is checks if an error is (or wraps) a ProcessorError with the given kind.
func Is(err error, kind ErrorKind) bool {
	var pErr *ProcessorError
	if stderrors.As(err, &pErr) {
		return pErr.Kind == kind
	}
	return false
}

// IsRetryable reports whether err should be retried.
// Errors outside the taxonomy are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pErr *ProcessorError
	if stderrors.As(err, &pErr) {
		return pErr.Retryable
	}
	return true
}

// KindOf returns the kind of err, or ErrInternal for errors outside the taxonomy.
func KindOf(err error) ErrorKind {
	var pErr *ProcessorError
	if stderrors.As(err, &pErr) {
		return pErr.Kind
	}
	return ErrInternal
}
