// Package cloud provides an HTTP client for the remote shadow
// service with error classification, per-call timeouts, and
// Retry-After handling.
package cloud

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for shadow service status classification.
// Use errors.Is(err, cloud.ErrNotFound) to check.
var (
	ErrBadRequest         = errors.New("cloud: bad request")
	ErrUnauthorized       = errors.New("cloud: unauthorized")
	ErrNotFound           = errors.New("cloud: not found")
	ErrConflict           = errors.New("cloud: version conflict")
	ErrPayloadTooLarge    = errors.New("cloud: payload too large")
	ErrThrottled          = errors.New("cloud: throttled")
	ErrInternalFailure    = errors.New("cloud: internal failure")
	ErrServiceUnavailable = errors.New("cloud: service unavailable")
)

// ServiceError wraps a sentinel error with the HTTP status code,
// request ID, and response body for debugging.
type ServiceError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()

	// RetryAfter is the delay the service requested via the
	// Retry-After header on a 429. Zero when absent.
	RetryAfter time.Duration
}

func (e *ServiceError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("cloud: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("cloud: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusInternalServerError:
		return ErrInternalFailure
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrServiceUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrInternalFailure
		}

		if code >= http.StatusBadRequest {
			return ErrBadRequest
		}

		return nil
	}
}

// RetryAfterHint extracts the service-requested retry delay from an
// error chain. Returns false when the error carries no hint.
func RetryAfterHint(err error) (time.Duration, bool) {
	var se *ServiceError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}

	return 0, false
}

// IsRetryable reports whether an error from this package represents a
// transient failure worth retrying: throttling, service
// unavailability, internal server failures, and transport errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrInternalFailure) {
		return true
	}

	// Transport-level failures surface as *TransportError.
	var te *TransportError

	return errors.As(err, &te)
}

// TransportError wraps a network-level failure (connection refused,
// timeout, DNS) that never produced an HTTP response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "cloud: transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
