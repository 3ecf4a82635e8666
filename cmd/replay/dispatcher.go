package main

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/a-teece/WorkloadTools/internal/connmgr"
	"github.com/a-teece/WorkloadTools/internal/normalize"
	"github.com/a-teece/WorkloadTools/internal/record"
	"github.com/a-teece/WorkloadTools/internal/util/diag"
	"github.com/a-teece/WorkloadTools/internal/worker"
)

// dispatcher fans trace records out to one worker per session, created
// on first sight and reaped after sitting idle past the configured
// timeout. It stands in for the out-of-scope listener/dispatcher layer
// described in spec.md §2.
type dispatcher struct {
	ctx       context.Context
	dsn       string
	dialect   connmgr.Dialect
	policy    worker.Policy
	diags     *diag.Diagnostics

	mu      sync.Mutex
	workers map[string]*worker.Worker

	fatal chan sessionFailure
}

type sessionFailure struct {
	sessionID string
	err       error
}

func newDispatcher(ctx context.Context, dsn string, dialect connmgr.Dialect, policy worker.Policy, diags *diag.Diagnostics) *dispatcher {
	return &dispatcher{
		ctx:     ctx,
		dsn:     dsn,
		dialect: dialect,
		policy:  policy,
		diags:   diags,
		workers: make(map[string]*worker.Worker),
		fatal:   make(chan sessionFailure, 16),
	}
}

// Dispatch routes a single command record to its session's worker,
// creating the worker if this is the first command seen for it.
func (d *dispatcher) Dispatch(rec record.CommandRecord) {
	d.mu.Lock()
	w, ok := d.workers[rec.SessionID]
	if !ok {
		w = worker.New(d.ctx, rec.SessionID, d.dsn, d.dialect, normalize.Normalize, d.policy, d.diags)
		w.OnFatal = d.onFatal
		d.workers[rec.SessionID] = w
		log.WithField("session", rec.SessionID).Info("started replay worker")
	}
	d.mu.Unlock()

	w.Append(rec)
}

func (d *dispatcher) onFatal(sessionID string, err error) {
	select {
	case d.fatal <- sessionFailure{sessionID: sessionID, err: err}:
	default:
		log.WithField("session", sessionID).Warn("fatal-worker notification channel full, dropping")
	}
}

// drainFatal logs sessions that terminated via StopOnError. It does
// not affect other sessions: failures are local to the worker that
// raised them.
func (d *dispatcher) drainFatal() {
	for {
		select {
		case f := <-d.fatal:
			log.WithError(f.err).WithField("session", f.sessionID).Error("worker stopped on error")
		default:
			return
		}
	}
}

// ReapIdle disposes of workers that have produced no activity within
// the policy's IdleTimeout and currently have nothing queued.
func (d *dispatcher) ReapIdle() {
	if d.policy.IdleTimeout <= 0 {
		return
	}
	now := time.Now()

	d.mu.Lock()
	stale := make(map[string]*worker.Worker)
	for id, w := range d.workers {
		if w.QueueDepth() > 0 || w.IsRunning() {
			continue
		}
		last := w.LastCommandTime()
		if last.IsZero() || now.Sub(last) < d.policy.IdleTimeout {
			continue
		}
		stale[id] = w
	}
	for id := range stale {
		delete(d.workers, id)
	}
	d.mu.Unlock()

	for id, w := range stale {
		w.Dispose()
		log.WithField("session", id).Info("disposed idle replay worker")
	}
}

// WaitAndDisposeAll blocks until every worker's queue has drained, then
// disposes of all of them. Called once the trace input is exhausted.
func (d *dispatcher) WaitAndDisposeAll() {
	d.mu.Lock()
	workers := make([]*worker.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	for _, w := range workers {
		for w.QueueDepth() > 0 || w.IsRunning() {
			time.Sleep(10 * time.Millisecond)
		}
		w.Dispose()
	}

	d.mu.Lock()
	d.workers = make(map[string]*worker.Worker)
	d.mu.Unlock()
}
