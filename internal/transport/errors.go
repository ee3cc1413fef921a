// Package transport is the thin HTTP boundary between the engine and the
// onboarding API. It attaches the bearer credential, normalizes responses,
// and classifies failures. It never retries; retry policy lives in the
// auto-save queue.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, transport.ErrNotFound) to check.
var (
	ErrBadRequest    = errors.New("transport: bad request")
	ErrUnauthorized  = errors.New("transport: unauthorized")
	ErrForbidden     = errors.New("transport: forbidden")
	ErrNotFound      = errors.New("transport: not found")
	ErrTimeout       = errors.New("transport: request timeout")
	ErrConflict      = errors.New("transport: conflict")
	ErrGone          = errors.New("transport: resource gone")
	ErrTooLarge      = errors.New("transport: payload too large")
	ErrUnprocessable = errors.New("transport: unprocessable entity")
	ErrThrottled     = errors.New("transport: throttled")
	ErrServerError   = errors.New("transport: server error")
	ErrClientError   = errors.New("transport: client error")

	// ErrNetworkUnreachable marks failures where no HTTP response was
	// received at all, including client-side timeouts.
	ErrNetworkUnreachable = errors.New("transport: network unreachable")
)

// StatusError reports a non-2xx response. The response itself is still
// returned alongside the error so callers can read conflict details.
type StatusError struct {
	StatusCode int
	RequestID  string
	Message    string
	RetryAfter time.Duration
	Err        error // sentinel, for errors.Is()
}

func (e *StatusError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("transport: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NetworkError reports a request that never produced a response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport: %s %s: network unreachable: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetworkUnreachable, e.Err}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		switch {
		case code >= http.StatusInternalServerError:
			return ErrServerError
		case code >= http.StatusBadRequest:
			return ErrClientError
		default:
			return nil
		}
	}
}

// IsRetryableStatus reports whether a response status may succeed if the
// same request is sent again later: 408, 429 and every 5xx.
func IsRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// IsRetryable reports whether err is a transport failure worth retrying:
// network failures and retryable statuses. 409 is not retryable here; the
// concurrency layer decides what a conflict means.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNetworkUnreachable) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableStatus(se.StatusCode)
	}

	return false
}
