// Package classify distinguishes timeout, transient database, and
// fatal errors returned while executing a replayed command, and
// raises out-of-band tracing events in the target database for the
// first two classes.
package classify

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"

	"github.com/a-teece/WorkloadTools/internal/connmgr"
	"github.com/a-teece/WorkloadTools/internal/metrics"
)

// Outcome classifies the result of an execution attempt.
type Outcome int

const (
	// OutcomeOK means the command executed without error.
	OutcomeOK Outcome = iota
	// OutcomeTimeout means the driver reported a timeout code.
	OutcomeTimeout
	// OutcomeDBError means the driver reported a non-timeout database
	// error code.
	OutcomeDBError
	// OutcomeUnclassified means the failure did not carry a
	// recognized database error code.
	OutcomeUnclassified
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeDBError:
		return "error"
	default:
		return "unclassified"
	}
}

// Event-id constants for the out-of-band tracing contract
// (sp_trace_generateevent-equivalent).
const (
	TraceEventTimeout = 82
	TraceEventError   = 83
)

// maxPayloadBytes is the VARBINARY(8000) limit on the tracing
// payload.
const maxPayloadBytes = 8000

// Classifier maps driver errors onto Outcome using a dialect's
// numeric error codes and a configurable timeout-code set. The
// original implementation treats -2 as the sole timeout signal;
// other databases may not reuse that code, so the set is
// configurable but defaults to {-2}.
type Classifier struct {
	dialect      connmgr.Dialect
	timeoutCodes map[int]bool
}

// DefaultTimeoutCodes is the default timeout-code set.
var DefaultTimeoutCodes = []int{-2}

// NewClassifier constructs a Classifier. A nil or empty timeoutCodes
// falls back to DefaultTimeoutCodes.
func NewClassifier(dialect connmgr.Dialect, timeoutCodes []int) *Classifier {
	if len(timeoutCodes) == 0 {
		timeoutCodes = DefaultTimeoutCodes
	}
	set := make(map[int]bool, len(timeoutCodes))
	for _, c := range timeoutCodes {
		set[c] = true
	}
	return &Classifier{dialect: dialect, timeoutCodes: set}
}

// Classify returns the Outcome for err. err must be non-nil.
func (c *Classifier) Classify(err error) Outcome {
	code, ok := c.dialect.ErrorCode(err)
	if !ok {
		return OutcomeUnclassified
	}
	if c.timeoutCodes[code] {
		return OutcomeTimeout
	}
	return OutcomeDBError
}

// Tracer raises out-of-band tracing events from a fresh connection,
// never the worker's own, so a replay-side failure never contaminates
// the session under replay.
type Tracer struct {
	dialect connmgr.Dialect
	dsn     string
}

// NewTracer constructs a Tracer against the same dialect and DSN the
// worker's own connection manager uses.
func NewTracer(dialect connmgr.Dialect, dsn string) *Tracer {
	return &Tracer{dialect: dialect, dsn: dsn}
}

// Raise opens a fresh connection, executes the tracing procedure, and
// pool-clears the connection afterward. Failures of the tracing call
// itself are logged and swallowed, matching the spec's "never
// propagate" requirement for this side channel.
func (t *Tracer) Raise(
	ctx context.Context, sessionID string, outcome Outcome, database string,
	eventSeq int64, errMsg, commandText string,
) {
	eventID := TraceEventError
	if outcome == OutcomeTimeout {
		eventID = TraceEventTimeout
	}

	db, err := t.dialect.Open(ctx, t.dsn, database, "workloadtools-replay-trace")
	if err != nil {
		metrics.TraceEventErrorsTotal.WithLabelValues(sessionID).Inc()
		log.WithError(err).WithField("session", sessionID).
			Warn("could not open connection to raise out-of-band tracing event")
		return
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.WithError(cerr).WithField("session", sessionID).Debug("error closing tracing connection")
		}
	}()

	correlation := uuid.New().String()
	userInfo := truncateRunes(correlation, 128)
	payload, err := buildPayload(database, eventSeq, errMsg, commandText)
	if err != nil {
		metrics.TraceEventErrorsTotal.WithLabelValues(sessionID).Inc()
		log.WithError(err).WithField("session", sessionID).Warn("could not encode tracing payload")
		return
	}

	if err := t.dialect.RaiseTraceEvent(ctx, db, eventID, userInfo, payload); err != nil {
		metrics.TraceEventErrorsTotal.WithLabelValues(sessionID).Inc()
		log.WithError(err).WithField("session", sessionID).Warn("could not raise out-of-band tracing event")
		return
	}

	metrics.TraceEventsTotal.WithLabelValues(sessionID, outcome.String()).Inc()
}

// buildPayload encodes database, event sequence, error message, and
// command text as UTF-16LE, truncated to maxPayloadBytes.
func buildPayload(database string, eventSeq int64, errMsg, commandText string) ([]byte, error) {
	text := composePayloadText(database, eventSeq, errMsg, commandText)
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.String(text)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b := []byte(out)
	if len(b) > maxPayloadBytes {
		// Truncate on a 2-byte boundary to avoid splitting a UTF-16
		// code unit.
		n := maxPayloadBytes
		if n%2 != 0 {
			n--
		}
		b = b[:n]
	}
	return b, nil
}

func composePayloadText(database string, eventSeq int64, errMsg, commandText string) string {
	return "db=" + database +
		" seq=" + strconv.FormatInt(eventSeq, 10) +
		" err=" + errMsg +
		" cmd=" + commandText
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
