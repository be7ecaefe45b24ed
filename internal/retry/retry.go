// Package retry implements bounded exponential backoff for transient infra
// errors (database acquisition, broker publish) inside a single request, per
// spec.md §7. It shares golang.org/x/time/rate with the teacher's ingress
// rate limiter (internal/httputil/rate_limiting.go) — the pack's only
// rate-limiting primitive — but turned around to gate outbound retry
// attempts instead of inbound request admission: a retry storm across many
// concurrent requests can overwhelm a struggling dependency even when each
// individual caller backs off correctly, so every retry attempt across the
// process draws from one shared token bucket before sleeping its own
// per-call backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy retries up to 3 additional times with jittered backoff from
// 50ms up to 2s.
var DefaultPolicy = Policy{MaxAttempts: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}

// Limiter bounds the aggregate rate of retry attempts the process issues,
// independent of any single call's backoff schedule. Do waits on it before
// sleeping the jittered backoff delay for each retry.
var Limiter = rate.NewLimiter(rate.Limit(50), 10)

// Transient is implemented by errors the caller knows are safe to retry.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err, or anything it wraps, opted into retry
// via the Transient interface.
func IsTransient(err error) bool {
	var t Transient
	return errors.As(err, &t) && t.Transient()
}

type transientErr struct{ err error }

func (t transientErr) Error() string { return t.err.Error() }
func (t transientErr) Unwrap() error { return t.err }
func (t transientErr) Transient() bool { return true }

// Mark wraps err so IsTransient reports it as safe to retry. A nil err
// returns nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return transientErr{err}
}

// Do runs fn, retrying while it returns a Transient error, up to
// policy.MaxAttempts total attempts, or until ctx is done.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	var err error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			return err
		}
		if werr := Limiter.Wait(ctx); werr != nil {
			return werr
		}
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}
