// Package connmgr lazily opens, repairs, closes, and pool-purges a
// worker's single database connection, grounded on the teacher's
// internal/util/stdpool/my.go (OpenMySQLAsTarget): database/sql,
// connection-string assembly, and a ping-retry loop guarding startup.
package connmgr

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/a-teece/WorkloadTools/internal/metrics"
)

// DefaultAppName is used when MimicApplicationName is disabled or the
// command carries no application name.
const DefaultAppName = "workloadtools-replay"

// ConnectingPollInterval is how often Ensure polls while a connection
// is being established, per spec.
const ConnectingPollInterval = 5 * time.Millisecond

// Dialect adapts a concrete database/sql driver to the connection
// manager's needs: opening a connection against a given database and
// application name, classifying driver errors into numeric codes, and
// switching the live connection's current database when the dialect
// supports it.
type Dialect interface {
	// Name identifies the dialect for logging.
	Name() string

	// Open opens a new connection to database on dsn, attaching
	// appName as the connection's application-name attribute when the
	// dialect supports one.
	Open(ctx context.Context, dsn, database, appName string) (*sql.DB, error)

	// ChangeDatabase attempts to switch db's current database without
	// reconnecting. ok is false when the dialect has no such
	// operation (e.g. PostgreSQL), in which case the caller must
	// reconnect instead.
	ChangeDatabase(ctx context.Context, db *sql.DB, name string) (ok bool, err error)

	// ErrorCode extracts the driver's numeric error code from err, if
	// the error originated from the database.
	ErrorCode(err error) (code int, ok bool)

	// RaiseTraceEvent executes a dialect-appropriate out-of-band
	// tracing call against db, standing in for sp_trace_generateevent:
	// each dialect speaks its own procedure-invocation syntax and
	// placeholder style, so this cannot be a single query string
	// shared across dialects.
	RaiseTraceEvent(ctx context.Context, db *sql.DB, eventID int, userInfo string, payload []byte) error
}

// Manager owns the single connection belonging to one worker. It is
// not safe for concurrent use by more than one goroutine at a time,
// except that Close may race with the owning worker's loop during
// disposal.
type Manager struct {
	dialect     Dialect
	dsn         string
	databaseMap map[string]string
	mimicApp    bool
	sessionID   string

	mu          sync.Mutex
	conn        *sql.DB
	connDB      string
	currentDB   string
	mimicedApp  string
}

// New constructs a Manager. databaseMap may be nil.
func New(sessionID string, dialect Dialect, dsn string, databaseMap map[string]string, mimicAppName bool) *Manager {
	return &Manager{
		dialect:     dialect,
		dsn:         dsn,
		databaseMap: databaseMap,
		mimicApp:    mimicAppName,
		sessionID:   sessionID,
	}
}

// targetDatabase translates a source-side database name through the
// configured database map.
func (m *Manager) targetDatabase(source string) string {
	if m.databaseMap != nil {
		if mapped, ok := m.databaseMap[source]; ok {
			return mapped
		}
	}
	return source
}

// Ensure returns a live connection, opening or repairing one as
// needed. stopped is polled while the connection stabilizes so that
// Stop() causes Ensure to return promptly.
func (m *Manager) Ensure(ctx context.Context, appName, database string, stopped func() bool) (*sql.DB, error) {
	target := m.targetDatabase(database)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		if err := conn.PingContext(ctx); err == nil {
			return conn, nil
		}
		// Broken connection: drop it and fall through to reopen.
		m.ClearPool()
	}

	app := DefaultAppName
	if m.mimicApp && appName != "" {
		app = appName
	}

	db, err := m.dialect.Open(ctx, m.dsn, target, app)
	if err != nil {
		return nil, errors.Wrap(err, "could not open target connection")
	}

	for {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		if stopped() {
			_ = db.Close()
			return nil, errors.New("worker stopped while connection was stabilizing")
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(ConnectingPollInterval):
		}
	}

	m.mu.Lock()
	m.conn = db
	m.connDB = target
	m.currentDB = target
	m.mimicedApp = app
	m.mu.Unlock()

	metrics.ConnectionsOpened.WithLabelValues(m.sessionID).Inc()
	log.WithFields(log.Fields{"session": m.sessionID, "dialect": m.dialect.Name(), "database": target}).
		Debug("opened target connection")
	return db, nil
}

// SwitchDatabase translates source through the database map and, if
// it differs from the connection's current database, issues a
// change-database operation (or reconnects, for dialects that cannot
// change database on a live connection).
func (m *Manager) SwitchDatabase(ctx context.Context, appName, source string, stopped func() bool) (*sql.DB, error) {
	target := m.targetDatabase(source)

	m.mu.Lock()
	conn := m.conn
	current := m.currentDB
	m.mu.Unlock()

	if conn == nil {
		return m.Ensure(ctx, appName, source, stopped)
	}
	if target == "" || target == current {
		return conn, nil
	}

	ok, err := m.dialect.ChangeDatabase(ctx, conn, target)
	if err != nil {
		return nil, errors.Wrap(err, "could not switch target database")
	}
	if ok {
		m.mu.Lock()
		m.currentDB = target
		m.mu.Unlock()
		return conn, nil
	}

	// Dialect cannot change database in place: reconnect against the
	// new database, preserving the mimicked application name.
	m.ClearPool()
	return m.Ensure(ctx, appName, source, stopped)
}

// Reset closes the current connection and immediately opens a new
// one against the same database, for the ResetConn command kind.
func (m *Manager) Reset(ctx context.Context, appName, database string, stopped func() bool) error {
	m.ClearPool()
	_, err := m.Ensure(ctx, appName, database, stopped)
	return err
}

// ClearPool purges the current connection, swallowing close errors.
// It is safe to call when there is no active connection.
func (m *Manager) ClearPool() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.currentDB = ""
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		log.WithError(err).WithField("session", m.sessionID).Debug("error closing target connection")
	}
	metrics.ConnectionsCleared.WithLabelValues(m.sessionID).Inc()
}

// Close releases the manager's connection. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ErrorCode delegates to the configured dialect.
func (m *Manager) ErrorCode(err error) (int, bool) {
	return m.dialect.ErrorCode(err)
}

// Dialect exposes the underlying dialect, e.g. so the tracer can open
// its own fresh connection with the same driver.
func (m *Manager) Dialect() Dialect { return m.dialect }

// DSN exposes the manager's connection string.
func (m *Manager) DSN() string { return m.dsn }
