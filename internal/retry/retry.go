// Package retry provides bounded exponential-backoff execution for
// transient failures in delivery and generation calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Default retry configuration
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Policy describes a bounded exponential-backoff retry strategy.
// MaxRetries counts retries after the first attempt, so a policy with
// MaxRetries=3 calls the function at most 4 times.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Retryable overrides the default transient-error classifier when set.
	Retryable func(error) bool
}

// NewPolicy creates a Policy with the default configuration.
func NewPolicy() *Policy {
	return &Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error so the policy propagates it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Execute runs fn, retrying transient failures with exponential backoff.
// It returns the number of attempts made and the last error (nil on success).
// Non-retryable errors and context cancellation propagate immediately.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempts, nil
		}

		if attempt == p.MaxRetries {
			break
		}
		if !p.isRetryable(lastErr) {
			slog.Debug("retry.Execute: error not retryable, giving up", "error", lastErr, "attempt", attempts)
			return attempts, lastErr
		}

		delay := p.backoff(attempt)
		slog.Debug("retry.Execute: transient failure, backing off", "error", lastErr, "attempt", attempts, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempts, fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}

	slog.Debug("retry.Execute: retries exhausted", "error", lastErr, "attempts", attempts)
	return attempts, lastErr
}

// backoff computes min(base*2^attempt, max).
func (p *Policy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

func (p *Policy) isRetryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// IsTransient reports whether err looks like a transient network, timeout,
// rate-limit, or 5xx-equivalent service error.
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

	msg := strings.ToLower(err.Error())
	transientMarkers := []string{
		"rate limit",
		"rate limited",
		"too many requests",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"connection refused",
		"connection reset",
		"broken pipe",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 504",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
