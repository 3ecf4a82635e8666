// Package worker implements the per-session replay worker: it drains
// a queue of command records, schedules each against the session's
// anchor time, executes it through a dedicated connection, classifies
// the outcome, and retries or reports failures. Grounded on the
// teacher's logical-replication loop (internal/source/logical) for
// its lifecycle shape and on the mysql-replay playWorker reference
// implementation (other_examples) for the connection/prepared-handle
// bookkeeping this package generalizes into a driver-agnostic engine.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/a-teece/WorkloadTools/internal/classify"
	"github.com/a-teece/WorkloadTools/internal/connmgr"
	"github.com/a-teece/WorkloadTools/internal/normalize"
	"github.com/a-teece/WorkloadTools/internal/record"
	"github.com/a-teece/WorkloadTools/internal/schedule"
	"github.com/a-teece/WorkloadTools/internal/util/diag"
	"github.com/a-teece/WorkloadTools/internal/util/stopper"
)

// Worker is the mutable, per-session replay engine described in
// spec.md §3. A Worker owns its connection exclusively.
type Worker struct {
	id   string
	name string // session id

	normalizer normalize.Normalizer
	policy     Policy
	conn       *connmgr.Manager
	classifier *classify.Classifier
	tracer     *classify.Tracer
	scheduler  *schedule.Scheduler
	diags      *diag.Diagnostics

	// OnFatal is invoked when StopOnError causes the worker to
	// terminate. It stands in for the "rethrow" described in the
	// spec: propagation is local to the worker, and it is the host's
	// responsibility to decide whether to keep other workers running.
	OnFatal func(sessionID string, err error)

	mu         sync.Mutex
	queue      []record.CommandRecord
	running    bool
	preparedMap map[int64]int64

	stopped atomic.Bool
	stopper *stopper.Context

	anchorOnce sync.Once
	anchor     time.Time

	executedCount   atomic.Int64
	lastCommandTime atomic.Value // time.Time

	statsMu        sync.Mutex
	cpsSamples     []float64
	lastSampleTime time.Time
}

// New constructs a Worker for the given session. parent bounds the
// worker's background task lifecycle (e.g. the host process's root
// context).
func New(
	parent context.Context,
	sessionID, dsn string,
	dialect connmgr.Dialect,
	normalizer normalize.Normalizer,
	policy Policy,
	diags *diag.Diagnostics,
) *Worker {
	w := &Worker{
		id:          uuid.New().String(),
		name:        sessionID,
		normalizer:  normalizer,
		policy:      policy,
		conn:        connmgr.New(sessionID, dialect, dsn, policy.DatabaseMap, policy.MimicApplicationName),
		classifier:  classify.NewClassifier(dialect, policy.TimeoutCodes),
		tracer:      classify.NewTracer(dialect, dsn),
		scheduler:   schedule.New(sessionID),
		diags:       diags,
		preparedMap: make(map[int64]int64),
		stopper:     stopper.New(parent),
	}
	w.lastSampleTime = time.Now()
	if diags != nil {
		_ = diags.Register("worker:"+sessionID, w)
	}
	return w
}

// Name returns the worker's session id.
func (w *Worker) Name() string { return w.name }

// ExecutedCount returns the number of commands executed without an
// unclassified exception. It is monotone non-decreasing.
func (w *Worker) ExecutedCount() int64 { return w.executedCount.Load() }

// LastCommandTime returns the time the worker last finished a command
// without error (a skipped unknown-handle command included), or the
// zero Time if none yet. Commands that end in a failure do not update
// it.
func (w *Worker) LastCommandTime() time.Time {
	if v := w.lastCommandTime.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// QueueDepth returns the number of commands currently queued.
func (w *Worker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// IsRunning reports whether a background task is currently active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Append places cmd at the queue tail and ensures exactly one
// background task is running. It is safe to call concurrently with
// the loop and with other Append calls.
func (w *Worker) Append(cmd record.CommandRecord) {
	w.mu.Lock()
	w.queue = append(w.queue, cmd)
	needStart := !w.running && !w.stopped.Load()
	if needStart {
		w.running = true
	}
	w.mu.Unlock()

	if needStart {
		w.stopper.Go(w.loop)
	}
}

// loop repeatedly takes the head command and executes it; on an
// empty queue, or once stopped, it self-parks by clearing running
// and returning. The dispatcher restarts it on the next Append.
func (w *Worker) loop() error {
	for {
		if w.stopped.Load() {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return nil
		}

		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.mu.Unlock()
			return nil
		}
		cmd := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.executeWithRetry(cmd)
	}
}

// Stop requests the worker to terminate: no further commands are
// dequeued, and the background task's cancellation token is signaled.
// Stop is idempotent.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.stopper.Stop()
}

// Dispose stops the worker, releases its connection, and waits
// (bounded) for the background task to finish. It is idempotent and
// safe to call from any state; failures at any step are logged and do
// not prevent later steps.
func (w *Worker) Dispose() {
	w.Stop()

	if err := w.conn.Close(); err != nil {
		log.WithError(err).WithField("session", w.name).Warn("could not close worker connection")
	}

	done := make(chan struct{})
	go func() {
		w.stopper.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.WithField("session", w.name).Warn("timed out waiting for worker background task to finish")
	}

	if w.diags != nil {
		w.diags.Unregister("worker:" + w.name)
	}
}

func (w *Worker) isStopped() bool { return w.stopped.Load() }
