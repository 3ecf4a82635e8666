// Package metrics declares the Prometheus instrumentation for the
// replay engine, in the same promauto idiom as the teacher's
// internal/staging/stage/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets mirrors the kind of bucket set the teacher's
// util/metrics package would have supplied for command/commit
// latencies; that package was not present in this retrieval so the
// buckets are declared locally.
var LatencyBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// SessionLabel is the label applied to per-worker counters.
const SessionLabel = "session"

var (
	// CommandsExecuted counts commands that completed without an
	// unclassified exception.
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_commands_executed_total",
		Help: "the number of commands successfully executed by a worker",
	}, []string{SessionLabel})

	// CommandsSkipped counts Execute/Unprepare commands skipped because
	// their handle was never seen by this worker.
	CommandsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_commands_skipped_total",
		Help: "the number of execute/unprepare commands skipped due to an unknown handle",
	}, []string{SessionLabel})

	// RetriesTotal counts retried executions, labeled by failure class.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_retries_total",
		Help: "the number of retried command executions",
	}, []string{SessionLabel, "class"})

	// TraceEventsTotal counts out-of-band tracing events raised.
	TraceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_trace_events_total",
		Help: "the number of out-of-band tracing events raised against the target",
	}, []string{SessionLabel, "kind"})

	// TraceEventErrorsTotal counts failures to raise a tracing event.
	TraceEventErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_trace_event_errors_total",
		Help: "the number of times raising an out-of-band tracing event itself failed",
	}, []string{SessionLabel})

	// ConnectionsOpened counts connection opens performed by the
	// connection manager.
	ConnectionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_connections_opened_total",
		Help: "the number of times a worker opened a new target connection",
	}, []string{SessionLabel})

	// ConnectionsCleared counts pool-clearance operations.
	ConnectionsCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_connections_cleared_total",
		Help: "the number of times a worker's connection pool entry was purged",
	}, []string{SessionLabel})

	// DelayInaccurateTotal counts delay-scheduler waits that overshot
	// the accuracy tolerance.
	DelayInaccurateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_delay_inaccurate_total",
		Help: "the number of scheduled waits that exceeded the accuracy tolerance",
	}, []string{SessionLabel})

	// DelaySkippedTotal counts commands executed immediately because
	// the worker had fallen more than the skip threshold behind.
	DelaySkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_delay_skipped_total",
		Help: "the number of commands executed immediately because replay had fallen behind",
	}, []string{SessionLabel})

	// ThroughputCommandsPerSecond is the last computed rolling
	// commands-per-second sample for a worker.
	ThroughputCommandsPerSecond = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replay_worker_commands_per_second",
		Help: "the most recently sampled commands-per-second for a worker",
	}, []string{SessionLabel})

	// ExecuteDuration observes the latency of a single command
	// execution against the target.
	ExecuteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replay_execute_duration_seconds",
		Help:    "the length of time it took to execute a single replayed command",
		Buckets: LatencyBuckets,
	}, []string{SessionLabel})
)
