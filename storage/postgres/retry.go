package postgres

import (
	"context"
	"errors"
	"net"

	"github.com/lib/pq"

	"github.com/vstream/roomevents/internal/retry"
)

// classifyPqErr marks connection-exception and serialization/deadlock
// failures (lib/pq's "08" error class, 40001 serialization_failure, 40P01
// deadlock_detected) as transient, per spec.md §7 — these are exactly the
// errors the advisory-lock transaction in events.go's
// InsertEventWithOriginalTracking can surface under concurrent writers.
// Anything else (constraint violations, bad input) is returned unchanged so
// it fails on the first attempt.
func classifyPqErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if len(code) >= 2 && code[:2] == "08" {
			return retry.Mark(err)
		}
		if code == "40001" || code == "40P01" {
			return retry.Mark(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Mark(err)
	}
	return err
}

// withRetry runs fn under internal/retry's default bounded-backoff policy,
// classifying connection/serialization failures as transient.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		return classifyPqErr(fn(ctx))
	})
}

// withRetryValue is withRetry for calls that also return a value.
func withRetryValue[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := withRetry(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
