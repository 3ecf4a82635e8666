package connmgr

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// MySQLDialect targets a MySQL-family server. It is grounded directly
// on the teacher's internal/util/stdpool/my.go (OpenMySQLAsTarget):
// database/sql with the go-sql-driver/mysql driver, sql_mode=ansi so
// double-quoted identifiers behave, and a connect-time ping.
type MySQLDialect struct{}

var _ Dialect = MySQLDialect{}

// Name implements Dialect.
func (MySQLDialect) Name() string { return "mysql" }

// Open implements Dialect. appName is attached via the driver's
// ConnectionAttributes extension, which the MySQL wire protocol
// surfaces to performance_schema.session_connect_attrs.
func (MySQLDialect) Open(ctx context.Context, dsn, database, appName string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mysql dsn")
	}
	cfg = cfg.Clone()
	if database != "" {
		cfg.DBName = database
	}
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	cfg.Params["sql_mode"] = "ansi"
	if appName != "" {
		if cfg.ConnectionAttributes != "" {
			cfg.ConnectionAttributes += ","
		}
		cfg.ConnectionAttributes += fmt.Sprintf("program_name:%s", appName)
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// Each worker owns exactly one logical connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// ChangeDatabase implements Dialect using a plain USE statement.
func (MySQLDialect) ChangeDatabase(ctx context.Context, db *sql.DB, name string) (bool, error) {
	_, err := db.ExecContext(ctx, "USE "+mysqlQuoteIdent(name))
	if err != nil {
		return true, errors.WithStack(err)
	}
	return true, nil
}

func mysqlQuoteIdent(name string) string {
	return "`" + name + "`"
}

// RaiseTraceEvent implements Dialect. MySQL has no EXEC statement;
// stored procedures are invoked with CALL, and the driver translates
// '?' placeholders directly, so no rewriting is needed.
func (MySQLDialect) RaiseTraceEvent(ctx context.Context, db *sql.DB, eventID int, userInfo string, payload []byte) error {
	_, err := db.ExecContext(ctx, "CALL sp_trace_generateevent(?, ?, ?)", eventID, userInfo, payload)
	return errors.WithStack(err)
}

// ErrorCode implements Dialect. MySQL errors carry a numeric code in
// *mysql.MySQLError.Number; broken connections and context deadlines
// map to the conventional timeout code -2.
func (MySQLDialect) ErrorCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return -2, true
	}
	if errors.Is(err, sqldriver.ErrBadConn) {
		return -2, true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return int(myErr.Number), true
	}
	return 0, false
}
