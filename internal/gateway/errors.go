package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Predefined gateway errors.
var (
	// ErrServiceUnavailable is returned when the health monitor marks an
	// endpoint unreachable and the caller did not override the pre-check.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrUnsupportedOperation is returned when the backend reports it does
	// not implement an operation (501, or 404 on a write path). Callers
	// route these to the local mutation queue instead of treating them as
	// fatal.
	ErrUnsupportedOperation = errors.New("operation not supported by backend")

	// ErrAuthRequired is returned when a request cannot be authenticated
	// and the refresh budget is spent. The user must re-authenticate.
	ErrAuthRequired = errors.New("authentication required")

	// ErrMaxRetriesExceeded is returned when all retry attempts are
	// exhausted without a usable response.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// NetworkError wraps a transport-level failure (connection refused, DNS,
// timeout). Network errors are transient and retried by the gateway.
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError represents a non-2xx response that is not retriable at the
// gateway level.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsServerError reports whether the response was a 5xx.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}
