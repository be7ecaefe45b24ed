// Package metrics registers the Prometheus series that cmd/roomeventd serves
// at /metrics on its main HTTP listener (config HTTPAddr);
// config.Metrics.HTTP.BindAddress is not read. Series are namespaced the way
// the teacher's rate
// limiter metrics are (internal/httputil/rate_limiting.go): one Namespace for
// the service, one Subsystem per component.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomevents"

var (
	EventsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_created_total",
			Help:      "Total number of events accepted by create_event, persistent or not.",
		},
		[]string{"room_kind"},
	)

	StateReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stateread",
			Name:      "reads_total",
			Help:      "Total number of state.read requests served.",
		},
		[]string{"outcome"},
	)

	AdjustTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adjust",
			Name:      "tasks_total",
			Help:      "Total number of room adjust tasks by outcome.",
		},
		[]string{"outcome"},
	)

	EditionCommitTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "edition",
			Name:      "commit_tasks_total",
			Help:      "Total number of edition commit tasks by outcome.",
		},
		[]string{"outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Duration of background tasks run through the worker pool.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_kind"},
	)
)

var registerOnce sync.Once

// MustRegister registers all metrics exactly once; safe to call from
// multiple subsystem init paths.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(EventsCreated, StateReads, AdjustTasks, EditionCommitTasks, TaskDuration)
	})
}
