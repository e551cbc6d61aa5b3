// Package llm provides streaming chat clients for OpenAI-compatible and
// Ollama providers, plus the shared transport stack that fronts them
// with rate limiting, circuit breaking and priority queueing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ValidationError marks a request rejected before it reached the wire.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConfigurationError marks a provider that cannot be used as configured.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s misconfigured: %s", e.Provider, e.Reason)
}

// HTTPError carries a non-2xx response. Body is truncated to keep logs
// bounded; RetryAfter is populated from the Retry-After header when the
// server sent one.
type HTTPError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// IsRateLimit reports whether this is a 429.
func (e *HTTPError) IsRateLimit() bool { return e.Status == http.StatusTooManyRequests }

// IsAuth reports whether this is a credential failure.
func (e *HTTPError) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// ConnectionError marks a transport-level failure before any response.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError marks a request that ran past its deadline.
type TimeoutError struct {
	Provider string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out after %s", e.Provider, e.Elapsed)
}

// StreamError marks a stream that broke mid-flight after a 2xx.
type StreamError struct {
	Provider string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: stream interrupted: %v", e.Provider, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Permanent pins an error as non-retryable regardless of its class. The
// transport wraps a mid-stream failure with it once any event has reached
// the caller's handler: a retry would replay deltas the client already
// rendered.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string { return e.Err.Error() }

func (e *Permanent) Unwrap() error { return e.Err }

// IsRetryable reports whether a fresh attempt could plausibly succeed:
// rate limits, 5xx, timeouts, connection and stream failures. Validation,
// configuration, auth, other 4xx and Permanent-wrapped errors are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var perm *Permanent
	if errors.As(err, &perm) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.IsRateLimit() {
			return true
		}
		return httpErr.Status >= 500
	}

	var ve *ValidationError
	var ce *ConfigurationError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return false
	}

	var connErr *ConnectionError
	var toErr *TimeoutError
	var strErr *StreamError
	if errors.As(err, &connErr) || errors.As(err, &toErr) || errors.As(err, &strErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.IsRateLimit()
}

// RetryAfter extracts the server-advised delay, zero if absent.
func RetryAfter(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header value: delta-seconds or an
// HTTP-date. Returns zero for anything unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
