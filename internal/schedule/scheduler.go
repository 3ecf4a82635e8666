// Package schedule implements the delay scheduler: it converts a
// command's replay offset into a wait against the worker's anchored
// start time, combining coarse sleeping with a short busy-wait tail
// for accuracy.
package schedule

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/a-teece/WorkloadTools/internal/metrics"
)

// Tunable constants. These MUST default to the values below for
// behavioral compatibility with the captured-workload timing model.
const (
	// SleepGranularity is how long each coarse sleep waits.
	SleepGranularity = 25 * time.Millisecond

	// BusyWaitBurst is the number of spin iterations per busy-wait
	// burst during the final approach to the target time.
	BusyWaitBurst = 1000

	// AccuracyWarnThreshold is how far past the target offset a wait
	// may overshoot before an accuracy warning is logged.
	AccuracyWarnThreshold = 100 * time.Millisecond

	// SkipThreshold is how far behind the anchor schedule a worker may
	// fall before it starts skipping waits instead of executing late.
	SkipThreshold = 10 * time.Second

	// SkipWarnEvery is how many consecutive skipped waits occur
	// between "falling behind" warnings.
	SkipWarnEvery = 100
)

// Scheduler tracks the consecutive-skip counter for one worker. A
// Scheduler is not safe for concurrent use; a worker owns exactly one.
type Scheduler struct {
	sessionID          string
	consecutiveSkipped uint64
	now                func() time.Time
}

// New constructs a Scheduler for the named session.
func New(sessionID string) *Scheduler {
	return &Scheduler{sessionID: sessionID, now: time.Now}
}

// ConsecutiveSkipped returns the number of waits skipped in a row
// because replay had fallen more than SkipThreshold behind.
func (s *Scheduler) ConsecutiveSkipped() uint64 {
	return atomic.LoadUint64(&s.consecutiveSkipped)
}

// Wait blocks until anchor+offset, or returns immediately if the
// worker is already at or past that point. It returns ctx.Err() if
// the context is canceled while waiting.
func (s *Scheduler) Wait(ctx context.Context, anchor time.Time, offset time.Duration) error {
	delay := offset - s.now().Sub(anchor)

	if delay > 0 {
		atomic.StoreUint64(&s.consecutiveSkipped, 0)
		start := s.now()

		// Coarse sleep phase: yield the CPU in SleepGranularity
		// increments while more than one increment of slack remains.
		for {
			remaining := delay - s.now().Sub(start)
			if remaining <= SleepGranularity {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(SleepGranularity):
			}
		}

		// Busy-wait tail: short spin bursts close the gap that coarse
		// sleeping's granularity would otherwise leave on the table.
		for s.now().Sub(start) < delay {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			for i := 0; i < BusyWaitBurst; i++ {
				runtime.Gosched()
			}
		}

		if elapsed := s.now().Sub(start); elapsed > delay+AccuracyWarnThreshold {
			metrics.DelayInaccurateTotal.WithLabelValues(s.sessionID).Inc()
			log.WithFields(log.Fields{
				"session": s.sessionID,
				"target":  delay,
				"elapsed": elapsed,
			}).Warn("replay delay exceeded accuracy tolerance")
		}
		return nil
	}

	if delay < -SkipThreshold {
		n := atomic.AddUint64(&s.consecutiveSkipped, 1)
		metrics.DelaySkippedTotal.WithLabelValues(s.sessionID).Inc()
		if n%SkipWarnEvery == 0 {
			log.WithFields(log.Fields{
				"session": s.sessionID,
				"behind":  -delay,
				"count":   n,
			}).Warn("replay falling behind")
		}
		return nil
	}

	// Slightly behind, within the skip threshold: execute immediately
	// without warning or counter changes.
	return nil
}
