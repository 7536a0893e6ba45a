package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrTimeout matches any attempt that ran out of time.
var ErrTimeout = errors.New("request timed out")

// ErrSessionEnded is matched by Refresher errors after which the stored
// session is gone for good. Only those fire the invalidation hooks; any other
// refresh error leaves the session as it is.
var ErrSessionEnded = errors.New("session ended by failed refresh")

// TimeoutError is returned when a single attempt exceeds the configured
// request timeout.
type TimeoutError struct {
	Method string
	Path   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, ErrTimeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// HTTPError is a non-2xx response from the remote service. Body holds the raw
// response body for callers that need to decode structured errors.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// StatusCode returns the HTTP status held by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
