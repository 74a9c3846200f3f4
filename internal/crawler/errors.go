package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the engine.
var (
	// ErrInvalidURL marks a seed or discovered link that cannot be
	// canonicalized. Dropped and logged, never fatal.
	ErrInvalidURL = errors.New("invalid url")

	// ErrExhausted is returned by DequeueNext when the frontier holds no
	// pending targets and nothing is in flight.
	ErrExhausted = errors.New("frontier exhausted")

	// ErrTooManyRedirects marks a redirect chain past the configured
	// limit. Terminal, never retried.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// NotReadyError is returned by DequeueNext when pending targets exist but
// none is eligible yet. WakeAt is the earliest time a target could become
// eligible; it is zero when eligibility depends on in-flight work finishing.
type NotReadyError struct {
	WakeAt time.Time
}

func (e *NotReadyError) Error() string {
	if e.WakeAt.IsZero() {
		return "no target eligible: waiting on in-flight work"
	}
	return fmt.Sprintf("no target eligible before %s", e.WakeAt.Format(time.RFC3339))
}

// FailureKind tags a fetch outcome for the driver's retry decision.
type FailureKind string

// Failure kinds.
const (
	FailureTimeout   FailureKind = "timeout"
	FailureNetwork   FailureKind = "network"
	FailureHTTP      FailureKind = "http_status"
	FailureRedirects FailureKind = "too_many_redirects"
)

// FetchError is the tagged result of a failed fetch attempt. The driver
// inspects Retryable and RetryAfter rather than the underlying error.
type FetchError struct {
	URL        string
	Kind       FailureKind
	StatusCode int
	// RetryAfter carries a server-provided Retry-After value; when set it
	// overrides the computed backoff for the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
// Timeouts, network errors, 5xx and 429 are retryable; other HTTP statuses
// and redirect overflow are terminal.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FailureTimeout, FailureNetwork:
		return true
	case FailureHTTP:
		return e.StatusCode >= 500 || e.StatusCode == 429
	default:
		return false
	}
}

// StoreError wraps a checkpoint persistence failure. It is the only error
// class that aborts the crawl; everything else is counted and skipped.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// IsFatal reports whether err should abort the crawl process.
func IsFatal(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
