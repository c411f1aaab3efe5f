// Package retry provides the two retry shapes used across the system:
// Fatal (re-raise on exhaustion) and Graceful (fall back to a default so a
// non-critical dependency cannot take down a run).
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls the exponential backoff schedule.
type Policy struct {
	// InitialDelay is the first backoff interval.
	InitialDelay time.Duration

	// Factor multiplies the interval after each attempt.
	Factor float64

	// MaxDelay caps the interval.
	MaxDelay time.Duration

	// MaxAttempts is the total number of attempts (initial + retries).
	// Zero means retry indefinitely (bounded only by ctx).
	MaxAttempts uint64

	// Retryable classifies errors. Nil retries everything except context
	// cancellation.
	Retryable func(error) bool
}

// DefaultPolicy returns the schedule used for LLM and HTTP calls.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  3,
	}
}

// Fatal retries op with exponential backoff. On exhaustion the last error is
// returned to the caller.
func Fatal(ctx context.Context, op func() error, p Policy) error {
	return backoff.Retry(wrap(op, p), newBackOff(ctx, p))
}

// Graceful retries op with exponential backoff. On exhaustion the fallback
// value is returned and the last error is logged and swallowed.
func Graceful[T any](ctx context.Context, op func() (T, error), fallback T, p Policy) T {
	var result T
	err := backoff.Retry(wrap(func() error {
		v, err := op()
		if err == nil {
			result = v
		}
		return err
	}, p), newBackOff(ctx, p))
	if err != nil {
		slog.Warn("Non-critical operation failed after retries, using fallback", "error", err)
		return fallback
	}
	return result
}

func wrap(op func() error, p Policy) func() error {
	return func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
}

func newBackOff(ctx context.Context, p Policy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.Factor > 0 {
		b.Multiplier = p.Factor
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = backoff.WithContext(b, ctx)
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, p.MaxAttempts-1)
	}
	return bo
}

// TransientNetwork reports whether err looks like a transient network-layer
// failure worth retrying.
func TransientNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
		"timeout",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
