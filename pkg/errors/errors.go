package apperrors

import (
	"errors"
	"fmt"
)

// Standardized exchange and control-flow errors
var (
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrStaleQuote            = errors.New("stale quote")
	ErrSpreadTooWide         = errors.New("spread too wide")
	ErrInsufficientDepth     = errors.New("insufficient orderbook depth")
	ErrInstanceLocked        = errors.New("another instance is running")
	ErrClockSyncFailed       = errors.New("clock sync validation failed")
	ErrStateTransition       = errors.New("invalid order state transition")
	ErrKillSwitchActive      = errors.New("kill switch file present")
)

// DataUnavailableError marks a failure of a data source the cycle cannot
// safely trade without. The cycle aborts fail-closed when it surfaces.
type DataUnavailableError struct {
	Source string
	Err    error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("critical data unavailable: %s: %v", e.Source, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

// DataUnavailable wraps err as a fail-closed data failure for source
func DataUnavailable(source string, err error) error {
	return &DataUnavailableError{Source: source, Err: err}
}

// CircuitTrippedError blocks all trading for the cycle
type CircuitTrippedError struct {
	Name   string
	Reason string
}

func (e *CircuitTrippedError) Error() string {
	return fmt.Sprintf("circuit tripped: %s: %s", e.Name, e.Reason)
}

// HTTPStatusError carries a non-2xx response from the exchange
type HTTPStatusError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// IsRetryable reports whether an exchange call failed transiently.
// 429 and 5xx are retried; other 4xx surface to the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrNetwork) {
		return true
	}
	return false
}

// IsRateLimited reports whether the error is an HTTP 429
func IsRateLimited(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429
	}
	return errors.Is(err, ErrRateLimitExceeded)
}

// IsNotFound reports whether the error is an HTTP 404 or order-not-found.
// Cancels tolerate this by treating the order as already closed.
func IsNotFound(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 404
	}
	return errors.Is(err, ErrOrderNotFound)
}
