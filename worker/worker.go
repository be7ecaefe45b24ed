// Package worker implements component G: a bounded-concurrency background
// task pool for room.adjust and edition.commit, modeled on the teacher's
// consumer Start/onMessage shape (syncapi/consumers/receipts.go) but
// generalized to locally dispatched tasks instead of NATS-consumed ones.
// Cancellation is cooperative: a task only checks ctx between transactional
// steps, never mid-write, matching spec.md §4.G.
package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/metrics"
	"github.com/vstream/roomevents/internal/process"
)

var log = logging.For("worker")

// Task is one unit of background work. It must itself publish its terminal
// notification (adjust.Engine.Run and edition.Engine.Run both do) — the pool
// only owns concurrency, cancellation, metrics and crash reporting.
type Task func(ctx context.Context) error

// Pool runs Tasks with bounded concurrency.
type Pool struct {
	proc  *process.Context
	slots chan struct{}
}

// NewPool creates a Pool that admits at most concurrency tasks at once.
func NewPool(proc *process.Context, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{proc: proc, slots: make(chan struct{}, concurrency)}
}

// Submit enqueues a task and runs it on a pool goroutine once a slot is
// free. taskKind labels the duration histogram and sentry tag. Submit
// returns immediately; the caller that needs a 202-style response should not
// wait on the returned task's completion.
func (p *Pool) Submit(taskKind string, task Task) {
	p.proc.ComponentStarted()
	go func() {
		defer p.proc.ComponentFinished()

		select {
		case p.slots <- struct{}{}:
		case <-p.proc.Context().Done():
			return
		}
		defer func() { <-p.slots }()

		ctx := p.proc.Context()
		start := time.Now()
		defer func() {
			metrics.TaskDuration.WithLabelValues(taskKind).Observe(time.Since(start).Seconds())
		}()

		defer func() {
			if r := recover(); r != nil {
				log.WithField("task_kind", taskKind).WithField("panic", r).Error("worker: task panicked")
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetTag("task_kind", taskKind)
					sentry.CaptureMessage("worker: task panicked")
				})
			}
		}()

		if err := task(ctx); err != nil {
			log.WithError(err).WithField("task_kind", taskKind).Warn("worker: task failed")
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("task_kind", taskKind)
				sentry.CaptureException(err)
			})
		}
	}()
}
