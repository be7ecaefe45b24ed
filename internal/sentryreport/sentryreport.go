// Package sentryreport wraps sentry-go error capture for background task
// failures, grounded on the teacher's import of getsentry/sentry-go in its
// syncapi consumers.
package sentryreport

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/vstream/roomevents/internal/config"
)

// Init configures the global sentry client from config.Sentry. A blank DSN
// disables reporting without the caller needing to branch.
func Init(cfg config.Sentry) error {
	if cfg.DSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
}

// CaptureTaskError reports a background task failure, tagging it with the
// task kind so errors group sensibly in the Sentry UI.
func CaptureTaskError(taskKind string, err error) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("task_kind", taskKind)
		sentry.CaptureException(err)
	})
}

// Flush blocks until pending events are sent or the timeout elapses, for use
// during graceful shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
