package xmysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// DBHandler answers one statement sent through the in-test driver. Selects
// return cols and rows; writes return res.
type DBHandler func(query string, args []driver.NamedValue) (cols []string, rows [][]driver.Value, res driver.Result, err error)

type testConnector struct {
	mu    sync.Mutex
	h     DBHandler
	calls []string
}

func (c *testConnector) Connect(context.Context) (driver.Conn, error) { return &testConn{c: c}, nil }
func (c *testConnector) Driver() driver.Driver                        { return testDriver{} }

func (c *testConnector) handle(query string, args []driver.NamedValue) ([]string, [][]driver.Value, driver.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, query)
	c.mu.Unlock()
	return c.h(query, args)
}

// Calls returns every statement the driver received.
func (c *testConnector) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type testDriver struct{}

func (testDriver) Open(name string) (driver.Conn, error) {
	return nil, errors.New("testDriver.Open should not be called; use sql.OpenDB with connector")
}

type testConn struct{ c *testConnector }

func (c *testConn) Prepare(string) (driver.Stmt, error) { return nil, driver.ErrSkip }
func (c *testConn) Close() error                        { return nil }
func (c *testConn) Begin() (driver.Tx, error)           { return nil, driver.ErrSkip }

func (c *testConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	cols, data, _, err := c.c.handle(query, args)
	if err != nil {
		return nil, err
	}
	return &testRows{cols: cols, data: data}, nil
}

func (c *testConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	_, _, res, err := c.c.handle(query, args)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = testResult{}
	}
	return res, nil
}

type testRows struct {
	cols []string
	data [][]driver.Value
	i    int
}

func (r *testRows) Columns() []string { return append([]string(nil), r.cols...) }
func (r *testRows) Close() error      { return nil }
func (r *testRows) Next(dest []driver.Value) error {
	if r.i >= len(r.data) {
		return io.EOF
	}
	row := r.data[r.i]
	for i := range dest {
		if i < len(row) {
			dest[i] = row[i]
		} else {
			dest[i] = nil
		}
	}
	r.i++
	return nil
}

type testResult struct {
	lastID int64
	rows   int64
}

func (r testResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r testResult) RowsAffected() (int64, error) { return r.rows, nil }

// logLine is one call made on recordLogger.
type logLine struct {
	level string
	msg   string
	kv    map[string]any
}

type recordLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordLogger) add(level, msg string, kv []interface{}) {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	l.mu.Lock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, kv: m})
	l.mu.Unlock()
}

func (l *recordLogger) Infow(msg string, kv ...interface{})  { l.add("info", msg, kv) }
func (l *recordLogger) Warnw(msg string, kv ...interface{})  { l.add("warn", msg, kv) }
func (l *recordLogger) Errorw(msg string, kv ...interface{}) { l.add("error", msg, kv) }

func (l *recordLogger) at(level string) []logLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logLine
	for _, ln := range l.lines {
		if ln.level == level {
			out = append(out, ln)
		}
	}
	return out
}

// newTestClient creates a Client backed by the in-memory test driver.
func newTestClient(t *testing.T, h DBHandler) (*Client, *testConnector, *recordLogger) {
	t.Helper()
	conn := &testConnector{h: h}
	db := sql.OpenDB(conn)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	rec := &recordLogger{}
	return NewClient(db, WithLogger(rec)), conn, rec
}

// rowsOf is a DBHandler serving a fixed result set.
func rowsOf(cols []string, rows ...[]driver.Value) DBHandler {
	return func(string, []driver.NamedValue) ([]string, [][]driver.Value, driver.Result, error) {
		return cols, rows, nil, nil
	}
}

func argValues(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}
