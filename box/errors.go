// Package box provides an HTTP client for the Box content API
// with automatic retry, rate-limit handling, and error classification.
package box

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, box.ErrNotFound) to check.
var (
	ErrBadRequest         = errors.New("box: bad request")
	ErrUnauthorized       = errors.New("box: unauthorized")
	ErrForbidden          = errors.New("box: forbidden")
	ErrNotFound           = errors.New("box: not found")
	ErrConflict           = errors.New("box: conflict")
	ErrPreconditionFailed = errors.New("box: precondition failed")
	ErrThrottled          = errors.New("box: throttled")
	ErrServerError        = errors.New("box: server error")
)

// ErrPartsProcessing is returned by CommitSession when the server answers
// 202 Accepted: the uploaded parts are still being assembled. The commit is
// never retried automatically — callers decide whether to re-commit after
// the Retry-After interval or abort the session.
var ErrPartsProcessing = errors.New("box: session parts still processing")

// APIError wraps a sentinel error with HTTP status code, request ID,
// and the API error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("box: HTTP %d (box-request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("box: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
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
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err represents a failure worth retrying:
// a network-level error or a retryable HTTP status. Permanent API errors
// (4xx other than 408/429) are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return isRetryable(apiErr.StatusCode)
	}

	// Errors without a status code are transport failures (connection
	// reset, timeout, DNS). Context cancellation is the caller's decision.
	if errors.Is(err, ErrPartsProcessing) {
		return false
	}

	return true
}
