package nvs

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// traceConnector opens sqlite3 connections whose statements are logged.
// BLOB arguments are logged by length only: the image holds the Wi-Fi
// password.
type traceConnector struct {
	dsn    string
	logger *slog.Logger
}

type traceConn struct {
	conn   driver.Conn
	logger *slog.Logger
}

type traceStmt struct {
	stmt   driver.Stmt
	query  string
	logger *slog.Logger
}

func newTraceConnector(dsn string, logger *slog.Logger) driver.Connector {
	return &traceConnector{dsn: dsn, logger: logger}
}

func (c *traceConnector) Connect(context.Context) (driver.Conn, error) {
	conn, err := (&sqlite3.SQLiteDriver{}).Open(c.dsn)
	if err != nil {
		return nil, err
	}
	return &traceConn{conn: conn, logger: c.logger}, nil
}

func (c *traceConnector) Driver() driver.Driver { return traceDriver{} }

type traceDriver struct{}

func (traceDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("nvs: trace driver is only usable through sql.OpenDB")
}

func (c *traceConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *traceConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		stmt driver.Stmt
		err  error
	)
	if p, ok := c.conn.(driver.ConnPrepareContext); ok {
		stmt, err = p.PrepareContext(ctx, query)
	} else {
		stmt, err = c.conn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &traceStmt{stmt: stmt, query: query, logger: c.logger}, nil
}

// ExecContext passes direct execution through so multi-statement scripts
// run in full.
func (c *traceConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	e, ok := c.conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	c.logger.Debug("sql", "op", "exec", "sql", query, "args", namedArgs(args))
	return e.ExecContext(ctx, query, args)
}

func (c *traceConn) Close() error { return c.conn.Close() }

func (c *traceConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *traceConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.logger.Debug("sql", "op", "begin")
	if b, ok := c.conn.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	//nolint:staticcheck // SA1019: fallback for connections without BeginTx
	return c.conn.Begin()
}

func (s *traceStmt) Close() error  { return s.stmt.Close() }
func (s *traceStmt) NumInput() int { return s.stmt.NumInput() }

func (s *traceStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.log("exec", valueArgs(args))
	//nolint:staticcheck // SA1019: required by driver.Stmt
	return s.stmt.Exec(args)
}

func (s *traceStmt) Query(args []driver.Value) (driver.Rows, error) {
	s.log("query", valueArgs(args))
	//nolint:staticcheck // SA1019: required by driver.Stmt
	return s.stmt.Query(args)
}

func (s *traceStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	s.log("exec", namedArgs(args))
	if e, ok := s.stmt.(driver.StmtExecContext); ok {
		return e.ExecContext(ctx, args)
	}
	//nolint:staticcheck // SA1019: fallback for statements without ExecContext
	return s.stmt.Exec(plainValues(args))
}

func (s *traceStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	s.log("query", namedArgs(args))
	if q, ok := s.stmt.(driver.StmtQueryContext); ok {
		return q.QueryContext(ctx, args)
	}
	//nolint:staticcheck // SA1019: fallback for statements without QueryContext
	return s.stmt.Query(plainValues(args))
}

func (s *traceStmt) log(op string, args []string) {
	s.logger.Debug("sql", "op", op, "sql", s.query, "args", args)
}

func valueArgs(args []driver.Value) []string {
	out := make([]string, len(args))
	for i, v := range args {
		out[i] = formatArg(v)
	}
	return out
}

func namedArgs(args []driver.NamedValue) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = formatArg(a.Value)
		if a.Name != "" {
			out[i] = a.Name + "=" + out[i]
		}
	}
	return out
}

func plainValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i := range args {
		out[i] = args[i].Value
	}
	return out
}

func formatArg(v driver.Value) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("<blob %d bytes>", len(t))
	default:
		return fmt.Sprint(t)
	}
}
