package connmgr

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pkg/errors"
)

// PostgresDialect targets a PostgreSQL-family server. It is grounded
// on the teacher's live Postgres/CockroachDB source path
// (internal/types, internal/source/cdc/resolver.go,
// internal/source/logical/serial_events.go), which drives the
// database through jackc/pgx/v5 rather than lib/pq; lib/pq appears in
// the teacher only as a blank import in the legacy root-package files
// this repository deletes (see DESIGN.md). Unlike MySQL, Postgres
// binds a database at connect time, so ChangeDatabase always reports
// unsupported and the connection manager reconnects instead.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

// Name implements Dialect.
func (PostgresDialect) Name() string { return "postgres" }

// Open implements Dialect. appName maps directly onto Postgres's
// native application_name connection parameter. The "pgx" driver name
// is registered by the blank import of jackc/pgx/v5/stdlib above.
func (PostgresDialect) Open(ctx context.Context, dsn, database, appName string) (*sql.DB, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid postgres dsn")
	}
	if database != "" {
		u.Path = "/" + database
	}
	q := u.Query()
	if appName != "" {
		q.Set("application_name", appName)
	}
	u.RawQuery = q.Encode()

	db, err := sql.Open("pgx", u.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// ChangeDatabase implements Dialect. Postgres has no live
// database-switch operation.
func (PostgresDialect) ChangeDatabase(ctx context.Context, db *sql.DB, name string) (bool, error) {
	return false, nil
}

// RaiseTraceEvent implements Dialect. Postgres procedures are invoked
// with CALL, and pgx requires positional $N placeholders rather than
// the '?' style MySQL's driver accepts.
func (PostgresDialect) RaiseTraceEvent(ctx context.Context, db *sql.DB, eventID int, userInfo string, payload []byte) error {
	_, err := db.ExecContext(ctx, "CALL sp_trace_generateevent($1, $2, $3)", eventID, userInfo, payload)
	return errors.WithStack(err)
}

// ErrorCode implements Dialect, translating a PostgreSQL SQLSTATE
// (pgconn.PgError.Code, a 5-character string) into a numeric code.
// The statement-timeout class ("57014": query_canceled) maps to -2 to
// line up with the classifier's default timeout-code configuration.
func (PostgresDialect) ErrorCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return -2, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		if code == "57014" {
			return -2, true
		}
		return sqlStateToInt(code), true
	}
	return 0, false
}

// sqlStateToInt packs a 5-character SQLSTATE into an integer so the
// classifier can work with a single numeric scheme regardless of
// dialect. The mapping only needs to be stable, not reversible.
func sqlStateToInt(code string) int {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0
	}
	n, err := strconv.ParseInt(fmt.Sprintf("1%s", digitsOnly(code)), 10, 64)
	if err != nil {
		return 0
	}
	return int(n)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteRune('0' + rune(r%10))
		}
	}
	return b.String()
}
