package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrConnectionUnavailable means the provider endpoint cannot be reached.
	ErrConnectionUnavailable = errors.New("provider unreachable")

	// ErrRateLimitExhausted means every retry of a rate-limited call failed.
	ErrRateLimitExhausted = errors.New("provider rate limit retries exhausted")

	// ErrStillInUse means the provider refused a delete because the browser
	// session has not fully exited yet.
	ErrStillInUse = errors.New("profile still in use")

	// ErrNotFound means the provider does not know the given profile. Delete
	// and stop paths treat it as success.
	ErrNotFound = errors.New("profile not found")

	// ErrQueueClosed means the request queue stopped before the call ran.
	ErrQueueClosed = errors.New("request queue closed")
)

// RejectedError is a semantic rejection from the provider (bad config,
// invalid group, and so on). Never retried.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected request (code %d): %s", e.Code, e.Reason)
}

// rateLimited tags an error as a provider-side rate limit signal so the
// request queue retries it with backoff.
type rateLimitedError struct {
	msg string
}

func (e *rateLimitedError) Error() string {
	return "provider rate limited: " + e.msg
}

// IsRateLimited reports whether err carries the rate limit signal.
func IsRateLimited(err error) bool {
	var rl *rateLimitedError
	return errors.As(err, &rl)
}

// IsTransient reports whether err looks like a transient network condition
// worth retrying: timeouts, resets, refused connections, DNS failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// http.Client wraps some low level failures without typed causes.
	msg := err.Error()
	for _, marker := range []string{"connection reset", "connection refused", "i/o timeout", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
