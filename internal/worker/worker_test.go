package worker

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/a-teece/WorkloadTools/internal/metrics"
	"github.com/a-teece/WorkloadTools/internal/normalize"
	"github.com/a-teece/WorkloadTools/internal/record"
	"github.com/a-teece/WorkloadTools/internal/util/diag"
)

// recordingDialect backs every worker test. It never touches a real
// database; record logs the statements it is asked to run and
// fails them when failNext is armed, so tests can drive the classifier
// and retry paths deterministically.
type recordingDialect struct {
	mu       sync.Mutex
	executed []string
	failNext int // number of upcoming executions to fail
	failCode int
	failOK   bool
}

func (d *recordingDialect) Name() string { return "recording" }

func (d *recordingDialect) Open(ctx context.Context, dsn, database, appName string) (*sql.DB, error) {
	return sql.OpenDB(recordingConnector{d: d}), nil
}

func (d *recordingDialect) ChangeDatabase(ctx context.Context, db *sql.DB, name string) (bool, error) {
	return true, nil
}

func (d *recordingDialect) RaiseTraceEvent(ctx context.Context, db *sql.DB, eventID int, userInfo string, payload []byte) error {
	_, err := db.ExecContext(ctx, "CALL sp_trace_generateevent(?, ?, ?)", eventID, userInfo, payload)
	return err
}

func (d *recordingDialect) ErrorCode(err error) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failCode, d.failOK
}

func (d *recordingDialect) armFailures(n, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
	d.failCode = code
	d.failOK = true
}

func (d *recordingDialect) record(query string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, query)
	if d.failNext > 0 {
		d.failNext--
		return errors.New("injected failure")
	}
	return nil
}

func (d *recordingDialect) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.executed))
	copy(out, d.executed)
	return out
}

type recordingConnector struct{ d *recordingDialect }

func (c recordingConnector) Connect(context.Context) (driver.Conn, error) {
	return recordingConn{d: c.d}, nil
}
func (c recordingConnector) Driver() driver.Driver { return recordingDriverT{d: c.d} }

type recordingDriverT struct{ d *recordingDialect }

func (rd recordingDriverT) Open(name string) (driver.Conn, error) {
	return recordingConn{d: rd.d}, nil
}

type recordingConn struct{ d *recordingDialect }

func (c recordingConn) Prepare(query string) (driver.Stmt, error) {
	return recordingStmt{d: c.d, query: query}, nil
}
func (c recordingConn) Close() error              { return nil }
func (c recordingConn) Begin() (driver.Tx, error) { return nil, errors.New("not implemented") }

type recordingStmt struct {
	d     *recordingDialect
	query string
}

func (s recordingStmt) Close() error  { return nil }
func (s recordingStmt) NumInput() int { return -1 }
func (s recordingStmt) Exec(args []driver.Value) (driver.Result, error) {
	if err := s.d.record(s.query); err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}
func (s recordingStmt) Query(args []driver.Value) (driver.Rows, error) {
	if err := s.d.record(s.query); err != nil {
		return nil, err
	}
	return &singleRow{}, nil
}

// singleRow yields one int64 column with value 1, then io.EOF,
// enough to satisfy the Prepare kind's QueryRowContext(...).Scan.
type singleRow struct{ done bool }

func (*singleRow) Columns() []string { return []string{"handle"} }
func (*singleRow) Close() error      { return nil }
func (r *singleRow) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

func newTestWorker(t *testing.T, dialect *recordingDialect, policy Policy) *Worker {
	t.Helper()
	diags := diag.New()
	w := New(context.Background(), "sess-"+t.Name(), "dsn", dialect, normalize.Normalize, policy, diags)
	return w
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestWorkerExecutesRegularCommand(t *testing.T) {
	d := &recordingDialect{}
	w := newTestWorker(t, d, DefaultPolicy())
	w.Append(record.CommandRecord{Text: "SELECT 1", EventSequence: 1})

	waitFor(t, time.Second, func() bool { return w.ExecutedCount() == 1 })
	require.Equal(t, []string{"SELECT 1"}, d.snapshot())
}

func TestWorkerPrepareExecuteUnprepare(t *testing.T) {
	d := &recordingDialect{}
	w := newTestWorker(t, d, DefaultPolicy())

	w.Append(record.CommandRecord{Text: "{prepare:7}PREP X", EventSequence: 1})
	w.Append(record.CommandRecord{Text: "{execute:7}EXEC § params", EventSequence: 2})
	w.Append(record.CommandRecord{Text: "{unprepare:7}UNPREP §", EventSequence: 3})

	waitFor(t, time.Second, func() bool { return w.ExecutedCount() == 3 })

	_, stillPrepared := w.preparedMap[7]
	require.False(t, stillPrepared)
}

func TestWorkerExecuteWithUnknownHandleIsSkippedNotFailed(t *testing.T) {
	d := &recordingDialect{}
	w := newTestWorker(t, d, DefaultPolicy())

	w.Append(record.CommandRecord{Text: "{execute:99}EXEC § params", EventSequence: 1})
	w.Append(record.CommandRecord{Text: "SELECT 2", EventSequence: 2})

	waitFor(t, time.Second, func() bool { return w.ExecutedCount() == 1 })
	require.Equal(t, []string{"SELECT 2"}, d.snapshot())
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	d := &recordingDialect{}
	d.armFailures(2, 999)
	policy := DefaultPolicy()
	policy.FailRetryMax = 3
	w := newTestWorker(t, d, policy)

	w.Append(record.CommandRecord{Text: "SELECT 1", EventSequence: 1})
	waitFor(t, time.Second, func() bool { return w.ExecutedCount() == 1 })
	require.Len(t, d.snapshot(), 3)
}

func TestWorkerRaisesTracingEventOnTimeout(t *testing.T) {
	d := &recordingDialect{}
	d.armFailures(1, -2) // default timeout-code set is {-2}
	policy := DefaultPolicy()
	policy.RaiseErrorsToTracing = true
	policy.TimeoutRetryMax = 0
	w := newTestWorker(t, d, policy)

	sessionID := w.Name()
	before := testutil.ToFloat64(metrics.TraceEventsTotal.WithLabelValues(sessionID, "timeout"))

	w.Append(record.CommandRecord{Text: "SELECT 1", EventSequence: 1})
	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(metrics.TraceEventsTotal.WithLabelValues(sessionID, "timeout")) == before+1
	})

	found := false
	for _, q := range d.snapshot() {
		if strings.Contains(q, "sp_trace_generateevent") {
			found = true
		}
	}
	require.True(t, found, "expected a tracing call to have executed against the dialect")
}

func TestWorkerStopOnErrorStopsWorker(t *testing.T) {
	d := &recordingDialect{}
	d.armFailures(1, 999)
	policy := DefaultPolicy()
	policy.StopOnError = true

	var gotErr error
	var mu sync.Mutex
	w := newTestWorker(t, d, policy)
	w.OnFatal = func(sessionID string, err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	}

	w.Append(record.CommandRecord{Text: "SELECT 1", EventSequence: 1})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	})

	w.Append(record.CommandRecord{Text: "SELECT 2", EventSequence: 2})
	time.Sleep(20 * time.Millisecond)
	require.Len(t, d.snapshot(), 1)
}

func TestWorkerAppendRestartsAfterQueueDrains(t *testing.T) {
	d := &recordingDialect{}
	w := newTestWorker(t, d, DefaultPolicy())

	w.Append(record.CommandRecord{Text: "SELECT 1", EventSequence: 1})
	waitFor(t, time.Second, func() bool { return w.ExecutedCount() == 1 })
	waitFor(t, time.Second, func() bool { return !w.IsRunning() })

	w.Append(record.CommandRecord{Text: "SELECT 2", EventSequence: 2})
	waitFor(t, time.Second, func() bool { return w.ExecutedCount() == 2 })
}

func TestWorkerDispose(t *testing.T) {
	d := &recordingDialect{}
	w := newTestWorker(t, d, DefaultPolicy())
	w.Append(record.CommandRecord{Text: "SELECT 1", EventSequence: 1})
	waitFor(t, time.Second, func() bool { return w.ExecutedCount() == 1 })
	w.Dispose()
	require.True(t, w.isStopped())
}
