package worker

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Policy bundles the per-worker configuration options from the
// configuration surface (spec.md §6).
type Policy struct {
	// QueryTimeout bounds a single command execution.
	QueryTimeout time.Duration

	// FailRetryMax and TimeoutRetryMax bound the number of retries per
	// failure class.
	FailRetryMax    int
	TimeoutRetryMax int

	// StopOnError causes the worker to terminate instead of
	// continuing after any execution failure.
	StopOnError bool

	// MimicApplicationName uses the command's app name on the
	// connection instead of a fixed default.
	MimicApplicationName bool

	// ConsumeResults drains all result sets rather than executing as
	// a non-query.
	ConsumeResults bool

	// RaiseErrorsToTracing emits out-of-band tracing events on
	// failure.
	RaiseErrorsToTracing bool

	// DisplayWorkerStats and WorkerStatsCommandCount control
	// throughput sampling.
	DisplayWorkerStats     bool
	WorkerStatsCommandCount int64

	// DatabaseMap translates source->target database names.
	DatabaseMap map[string]string

	// TimeoutCodes is the set of numeric driver error codes treated
	// as timeouts. Defaults to {-2} when empty.
	TimeoutCodes []int

	// CommandErrorLogLevel is the severity used when logging command
	// execution errors.
	CommandErrorLogLevel log.Level

	// IdleTimeout is how long a worker may sit with an empty queue
	// before the host is expected to dispose of it. The worker itself
	// does not enforce this; it is exposed for the host's idle-reaper
	// loop (see cmd/replay).
	IdleTimeout time.Duration
}

// DefaultPolicy returns the spec's documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		QueryTimeout:            30 * time.Second,
		FailRetryMax:            3,
		TimeoutRetryMax:         3,
		WorkerStatsCommandCount: 1000,
		CommandErrorLogLevel:    log.WarnLevel,
		IdleTimeout:             5 * time.Minute,
	}
}
