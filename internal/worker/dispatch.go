package worker

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/a-teece/WorkloadTools/internal/classify"
	"github.com/a-teece/WorkloadTools/internal/metrics"
	"github.com/a-teece/WorkloadTools/internal/normalize"
	"github.com/a-teece/WorkloadTools/internal/record"
)

// ErrUnknownHandle is returned by executeOnce for an Execute or
// Unprepare whose source handle was never prepared on this worker.
// Such a command is skipped: nothing is sent to the target and it is
// not counted as executed.
var ErrUnknownHandle = errors.New("unknown prepared-statement handle")

// executeWithRetry runs cmd to completion, including the scheduler
// wait, and handles the bounded-retry/tracing/stop-on-error policy
// described in spec.md §4.5. Retries are iterative rather than
// recursive, per design note 9(c), and never re-enter the queue.
func (w *Worker) executeWithRetry(cmd record.CommandRecord) {
	var failRetries, timeoutRetries int

	for {
		start := time.Now()
		err := w.executeOnce(cmd)
		metrics.ExecuteDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())

		if errors.Is(err, ErrUnknownHandle) {
			w.lastCommandTime.Store(time.Now())
			return
		}
		if err == nil {
			w.executedCount.Add(1)
			metrics.CommandsExecuted.WithLabelValues(w.name).Inc()
			w.lastCommandTime.Store(time.Now())
			w.sampleThroughput(cmd.EventSequence)
			return
		}

		outcome := w.classifier.Classify(err)
		switch outcome {
		case classify.OutcomeTimeout:
			if w.policy.RaiseErrorsToTracing {
				w.tracer.Raise(context.Background(), w.name, outcome, cmd.Database, cmd.EventSequence, err.Error(), cmd.Text)
			}
			if w.policy.StopOnError {
				w.fail(cmd, err)
				return
			}
			if timeoutRetries < w.policy.TimeoutRetryMax {
				timeoutRetries++
				metrics.RetriesTotal.WithLabelValues(w.name, "timeout").Inc()
				continue
			}
			w.logCommandError(cmd, err, "timeout retries exhausted, continuing")
			return

		case classify.OutcomeDBError:
			if w.policy.RaiseErrorsToTracing {
				w.tracer.Raise(context.Background(), w.name, outcome, cmd.Database, cmd.EventSequence, err.Error(), cmd.Text)
			}
			if w.policy.StopOnError {
				w.fail(cmd, err)
				return
			}
			if failRetries < w.policy.FailRetryMax {
				failRetries++
				metrics.RetriesTotal.WithLabelValues(w.name, "error").Inc()
				continue
			}
			w.logCommandError(cmd, err, "fail retries exhausted, continuing")
			return

		default: // OutcomeUnclassified
			w.conn.ClearPool()
			if w.policy.StopOnError {
				w.fail(cmd, err)
				return
			}
			w.logCommandError(cmd, err, "unclassified failure, continuing with next command")
			return
		}
	}
}

// fail clears the connection pool and hands the error to OnFatal,
// standing in for the spec's "rethrow": propagation is local to the
// worker, and the host decides whether to keep other workers alive.
func (w *Worker) fail(cmd record.CommandRecord, err error) {
	w.conn.ClearPool()
	w.Stop()
	if w.OnFatal != nil {
		w.OnFatal(w.name, errors.Wrapf(err, "command seq=%d failed", cmd.EventSequence))
	}
}

func (w *Worker) logCommandError(cmd record.CommandRecord, err error, msg string) {
	entry := log.WithFields(log.Fields{
		"session": w.name,
		"seq":     cmd.EventSequence,
		"err":     err,
	})
	switch w.policy.CommandErrorLogLevel {
	case log.ErrorLevel:
		entry.Error(msg)
	case log.InfoLevel:
		entry.Info(msg)
	case log.DebugLevel:
		entry.Debug(msg)
	default:
		entry.Warn(msg)
	}
}

// executeOnce normalizes, schedules, and dispatches a single
// execution attempt for cmd, per the kind table in spec.md §4.4.
func (w *Worker) executeOnce(cmd record.CommandRecord) error {
	norm, err := w.normalizer(cmd.Text)
	if err != nil {
		return err
	}

	w.anchorOnce.Do(func() { w.anchor = time.Now() })
	if cmd.ReplayOffset != nil {
		if err := w.scheduler.Wait(w.stopper, w.anchor, *cmd.ReplayOffset); err != nil {
			return err
		}
	}

	ctx := context.Background()
	if w.policy.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.policy.QueryTimeout)
		defer cancel()
	}

	switch norm.Kind {
	case normalize.ResetConn:
		return w.conn.Reset(ctx, cmd.AppName, cmd.Database, w.isStopped)

	case normalize.ResetConnNonPooled:
		w.conn.ClearPool()
		return nil

	case normalize.Prepare:
		db, err := w.conn.SwitchDatabase(ctx, cmd.AppName, cmd.Database, w.isStopped)
		if err != nil {
			return err
		}
		var handle int64
		if err := db.QueryRowContext(ctx, norm.Text).Scan(&handle); err != nil {
			return err
		}
		// On a successful Prepare for a handle already present, the
		// original behavior silently keeps the old server handle.
		// Whether that is intentional is unclear; replicated here
		// per design note 9(b).
		if _, exists := w.preparedMap[norm.SourceHandleID]; !exists {
			w.preparedMap[norm.SourceHandleID] = handle
		}
		return nil

	case normalize.Execute:
		handle, ok := w.preparedMap[norm.SourceHandleID]
		if !ok {
			metrics.CommandsSkipped.WithLabelValues(w.name).Inc()
			return ErrUnknownHandle
		}
		db, err := w.conn.SwitchDatabase(ctx, cmd.AppName, cmd.Database, w.isStopped)
		if err != nil {
			return err
		}
		return w.runCommand(ctx, db, normalize.Substitute(norm.Text, handle))

	case normalize.Unprepare:
		handle, ok := w.preparedMap[norm.SourceHandleID]
		if !ok {
			metrics.CommandsSkipped.WithLabelValues(w.name).Inc()
			return ErrUnknownHandle
		}
		db, err := w.conn.SwitchDatabase(ctx, cmd.AppName, cmd.Database, w.isStopped)
		if err != nil {
			return err
		}
		err = w.runCommand(ctx, db, normalize.Substitute(norm.Text, handle))
		delete(w.preparedMap, norm.SourceHandleID)
		return err

	default: // normalize.Regular
		db, err := w.conn.SwitchDatabase(ctx, cmd.AppName, cmd.Database, w.isStopped)
		if err != nil {
			return err
		}
		return w.runCommand(ctx, db, norm.Text)
	}
}

// runCommand executes text, draining all result sets when
// ConsumeResults is set and otherwise executing as a non-query.
func (w *Worker) runCommand(ctx context.Context, db *sql.DB, text string) error {
	if !w.policy.ConsumeResults {
		_, err := db.ExecContext(ctx, text)
		return err
	}

	rows, err := db.QueryContext(ctx, text)
	if err != nil {
		return err
	}
	defer rows.Close()
	for {
		for rows.Next() {
			// Discard row contents; replay only needs side effects.
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if !rows.NextResultSet() {
			break
		}
	}
	return rows.Err()
}

// sampleThroughput implements spec.md §4.6: every
// WorkerStatsCommandCount successful commands, compute commands-per-
// second over the interval since the previous sample and log the
// running average.
func (w *Worker) sampleThroughput(lastEventSeq int64) {
	if !w.policy.DisplayWorkerStats || w.policy.WorkerStatsCommandCount <= 0 {
		return
	}
	n := w.executedCount.Load()
	if n%w.policy.WorkerStatsCommandCount != 0 {
		return
	}

	now := time.Now()
	w.statsMu.Lock()
	interval := now.Sub(w.lastSampleTime)
	w.lastSampleTime = now
	cps := float64(w.policy.WorkerStatsCommandCount) / interval.Seconds()
	w.cpsSamples = append(w.cpsSamples, cps)
	sum := 0.0
	for _, v := range w.cpsSamples {
		sum += v
	}
	avg := sum / float64(len(w.cpsSamples))
	w.statsMu.Unlock()

	metrics.ThroughputCommandsPerSecond.WithLabelValues(w.name).Set(cps)
	log.WithFields(log.Fields{
		"session":     w.name,
		"cps":         cps,
		"avg_cps":     avg,
		"queue_depth": w.QueueDepth(),
		"last_seq":    lastEventSeq,
	}).Info("replay throughput")
}
