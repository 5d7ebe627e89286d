package xmysql

import (
	"reflect"
	"sync/atomic"

	"golang.org/x/xerrors"
)

// ErrNoSource is returned when a query value runs for an owner type that has
// no source defined.
var ErrNoSource = xerrors.New("xmysql: query declared on a type without a source")

// ErrNoConn is returned when a source has no connection to run on.
var ErrNoConn = xerrors.New("xmysql: source has no connection")

// Source is the data-source record of an owner type: the connection its
// query values run on and the table they target by default.
type Source struct {
	Table reflect.Type

	conn atomic.Pointer[Client]
}

// Conn returns the current connection. It may be nil.
func (s *Source) Conn() *Client { return s.conn.Load() }

// SetConn replaces the connection used by later calls. Concurrent callers
// race; the last write wins.
func (s *Source) SetConn(c *Client) { s.conn.Store(c) }

// DefineSource records the connection and default table for owner type O,
// replacing any earlier source.
//
//	type UserDAO struct{}
//
//	func init() {
//	    xmysql.DefineSource[UserDAO](client, xmysql.TypeOf[User]())
//	}
func DefineSource[O any](conn *Client, table reflect.Type) *Source {
	s := &Source{Table: table}
	s.conn.Store(conn)
	sources.Define(reflect.TypeFor[O](), s)
	return s
}

// SourceOf returns the source defined for O.
func SourceOf[O any]() (*Source, bool) {
	return sources.Get(reflect.TypeFor[O]())
}

// resolve picks the connection for one call. A non-nil override is stored
// into the source first.
func resolve[O any](override *Client) (*Source, *Client, error) {
	src, ok := SourceOf[O]()
	if !ok {
		return nil, nil, xerrors.Errorf("%s: %w", reflect.TypeFor[O](), ErrNoSource)
	}
	if override != nil {
		src.SetConn(override)
		return src, override, nil
	}
	conn := src.Conn()
	if conn == nil {
		return nil, nil, xerrors.Errorf("%s: %w", reflect.TypeFor[O](), ErrNoConn)
	}
	return src, conn, nil
}
