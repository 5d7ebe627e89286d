package xmysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

// ErrNotTable is returned, before any network I/O, when a query targets a
// type that was never passed to Table.
var ErrNotTable = xerrors.New("xmysql: not a mapped table")

// Client executes statements against a connection pool and hydrates select
// results into table types. Safe for concurrent use.
type Client struct {
	db      *sql.DB
	dialect Dialect
	log     Logger
	mapper  *Mapper

	// last pool WaitCount already reported as enqueue events
	waits atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default go-log logger.
func WithLogger(l Logger) Option { return func(c *Client) { c.log = l } }

// WithDialect sets placeholder and identifier quoting rules. Open derives it
// from the driver name; NewClient defaults to MySQL.
func WithDialect(d Dialect) Option { return func(c *Client) { c.dialect = d } }

// NewClient wraps an existing pool. Pool events are only reported for pools
// created by Open.
func NewClient(db *sql.DB, opts ...Option) *Client {
	c := &Client{db: db, dialect: MySQL, log: log, mapper: getMapper()}
	for _, o := range opts {
		o(c)
	}
	c.log = safeLogger{l: c.log}
	c.waits.Store(db.Stats().WaitCount)
	return c
}

// Open validates cfg, creates the pool and applies the pool limits. The pool
// connects lazily; use Ping to fail fast.
func Open(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Log.Level != "" {
		if err := logging.SetLogLevel("xmysql", cfg.Log.Level); err != nil {
			return nil, xerrors.Errorf("xmysql: log level: %w", err)
		}
	}
	dsn, err := cfg.FormatDSN()
	if err != nil {
		return nil, err
	}

	c := &Client{dialect: DialectFor(cfg.driverName()), log: log, mapper: getMapper()}
	for _, o := range opts {
		o(c)
	}
	c.log = safeLogger{l: c.log}

	connector, err := c.connector(cfg.driverName(), dsn)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(&eventConnector{Connector: connector, log: c.log})
	cfg.Pool.apply(db)
	c.db = db
	return c, nil
}

func (c *Client) connector(driverName, dsn string) (driver.Connector, error) {
	if driverName != "mysql" {
		return connectorFor(driverName, dsn)
	}
	installDriverLogger()
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Errorf("xmysql: parse dsn: %w", err)
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, xerrors.Errorf("xmysql: mysql connector: %w", err)
	}
	return conn, nil
}

// DB returns the underlying pool.
func (c *Client) DB() *sql.DB { return c.db }

// Dialect returns the placeholder and quoting rules in use.
func (c *Client) Dialect() Dialect { return c.dialect }

// Ping verifies a connection to the database is still alive.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// Stats returns pool statistics.
func (c *Client) Stats() sql.DBStats { return c.db.Stats() }

// Close closes the pool.
func (c *Client) Close() error { return c.db.Close() }

// Query runs a select statement and hydrates every row into a new T using
// the columns registered for T. T must have been passed to Table.
//
// Example:
//
//	users, err := xmysql.Query[User](ctx, client, xmysql.Statement{
//	    SQL:    "SELECT id, name FROM users WHERE age > ?",
//	    Values: []any{18},
//	})
func Query[T any](ctx context.Context, c *Client, stmt Statement) (out []T, err error) {
	query, args, err := c.prepare(stmt, reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	done := c.begin(KindSelect, query)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, done(err)
	}
	// Propagate rows.Close() error if nothing else failed.
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			out, err = nil, cerr
		}
	}()

	out, err = hydrateAll[T](c.mapper, rows)
	if err != nil {
		return nil, done(err)
	}
	done(nil)
	return out, nil
}

// Exec runs an insert, update or delete statement. table must carry the
// table marker; the statement is not executed otherwise.
func (c *Client) Exec(ctx context.Context, kind QueryKind, stmt Statement, table reflect.Type) (*Result, error) {
	if kind == KindSelect {
		return nil, xerrors.New("xmysql: Exec cannot run a select; use Query")
	}
	query, args, err := c.prepare(stmt, table)
	if err != nil {
		return nil, err
	}
	done := c.begin(kind, query)

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, done(err)
	}
	done(nil)
	return newResult(res), nil
}

func (c *Client) prepare(stmt Statement, table reflect.Type) (string, []any, error) {
	if !IsTable(table) {
		return "", nil, xerrors.Errorf("%s: %w", typeName(table), ErrNotTable)
	}
	return c.dialect.Expand(stmt)
}

// begin starts timing one round trip. The returned func must be called
// exactly once; it logs, records metrics and hands err back unchanged.
func (c *Client) begin(kind QueryKind, query string) func(error) error {
	start := time.Now()
	return func(err error) error {
		ClientMeasures.Duration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
		if n := c.claimWaits(); n > 0 {
			ClientMeasures.PoolEvents.WithLabelValues("enqueue").Add(float64(n))
			c.log.Warnw("waited for a free connection", "tag", "enqueue", "waits", n, "sql", query)
		}
		if err != nil {
			ClientMeasures.Queries.WithLabelValues(kind.String(), "error").Inc()
			c.log.Errorw("query failed", "tag", "executor", "kind", kind, "sql", query,
				"error", err.Error(), "trace", fmt.Sprintf("%+v", err))
			return err
		}
		ClientMeasures.Queries.WithLabelValues(kind.String(), "ok").Inc()
		c.log.Infow("query", "tag", "executor", "kind", kind, "sql", query)
		return nil
	}
}

func typeName(rt reflect.Type) string {
	if rt == nil {
		return "<nil>"
	}
	return rt.String()
}
