package xmysql

import (
	"context"
	"reflect"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

var (
	// ErrUnsafeWhere is returned when a Select declared with Wheres is
	// called without a Where as its first argument.
	ErrUnsafeWhere = xerrors.New("xmysql: dynamic where needs a Where value")

	// ErrMissingKey is returned by UpdateRow when the row lacks a where key.
	ErrMissingKey = xerrors.New("xmysql: row is missing a where key")
)

// Call is the descriptor recorded for every declared query value.
type Call struct {
	Name      string
	Kind      QueryKind
	SQL       string
	Wheres    bool         // select: first argument is a Where appended to SQL
	OnlyOne   bool         // select: first row or nil
	Filtered  bool         // select: result passes through a filter
	Table     reflect.Type // overrides the source table
	TableName string       // InsertRows / UpdateRow target
	Keys      []string     // InsertRows column keys, UpdateRow where keys
}

// Calls lists the query values declared on owner type O, sorted by name.
func Calls[O any]() []Call {
	owner := reflect.TypeFor[O]()
	var out []Call
	calls.Range(func(k callKey, c *Call) bool {
		if k.owner == owner {
			out = append(out, *c)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func declare[O any](c *Call) *Call {
	if c.Name == "" {
		c.Name = string(c.Kind) + " " + c.SQL
	}
	calls.Define(callKey{owner: reflect.TypeFor[O](), name: c.Name}, c)
	return c
}

// SelectOptions configures a select query value.
type SelectOptions struct {
	Name string
	SQL  string
	// Wheres makes the first call argument a Where whose SQL is appended to
	// SQL and whose args are bound after the remaining call arguments.
	Wheres bool
}

// SelectQuery is a declared select on owner O hydrating table T and
// returning R.
type SelectQuery[O, T, R any] struct {
	call  *Call
	shape func([]T) R
}

func newSelect[O, T, R any](opts SelectOptions, onlyOne, filtered bool, shape func([]T) R) *SelectQuery[O, T, R] {
	c := declare[O](&Call{
		Name:     opts.Name,
		Kind:     KindSelect,
		SQL:      opts.SQL,
		Wheres:   opts.Wheres,
		OnlyOne:  onlyOne,
		Filtered: filtered,
		Table:    reflect.TypeFor[T](),
	})
	return &SelectQuery[O, T, R]{call: c, shape: shape}
}

// Select declares a query returning every row as a T.
//
//	var activeUsers = xmysql.Select[UserDAO, User](xmysql.SelectOptions{
//	    SQL: "SELECT id, name FROM users WHERE active = ?",
//	})
//
//	users, err := activeUsers.Call(ctx, true)
func Select[O, T any](opts SelectOptions) *SelectQuery[O, T, []T] {
	return newSelect[O, T](opts, false, false, func(rows []T) []T { return rows })
}

// SelectOne declares a query returning the first row, or nil when the
// result is empty.
func SelectOne[O, T any](opts SelectOptions) *SelectQuery[O, T, *T] {
	return newSelect[O, T](opts, true, false, firstRow[T])
}

// SelectMap declares a query whose rows are reshaped by filter.
func SelectMap[O, T, R any](opts SelectOptions, filter func([]T) R) *SelectQuery[O, T, R] {
	return newSelect[O, T](opts, false, true, filter)
}

// SelectOneMap declares a query whose first row (or nil) is reshaped by
// filter.
func SelectOneMap[O, T, R any](opts SelectOptions, filter func(*T) R) *SelectQuery[O, T, R] {
	return newSelect[O, T](opts, true, true, func(rows []T) R { return filter(firstRow(rows)) })
}

func firstRow[T any](rows []T) *T {
	if len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

// Descriptor returns a copy of the recorded call descriptor.
func (q *SelectQuery[O, T, R]) Descriptor() Call { return *q.call }

// Call runs the query on the source connection of O. Every argument is a
// bind value.
func (q *SelectQuery[O, T, R]) Call(ctx context.Context, args ...any) (R, error) {
	return q.run(ctx, nil, args)
}

// CallWith stores conn into the source of O and runs the query on it.
func (q *SelectQuery[O, T, R]) CallWith(ctx context.Context, conn *Client, args ...any) (R, error) {
	if conn == nil {
		var zero R
		return zero, ErrNoConn
	}
	return q.run(ctx, conn, args)
}

func (q *SelectQuery[O, T, R]) run(ctx context.Context, override *Client, args []any) (R, error) {
	var zero R
	_, conn, err := resolve[O](override)
	if err != nil {
		return zero, err
	}
	stmt, err := q.statement(args)
	if err != nil {
		return zero, err
	}
	rows, err := Query[T](ctx, conn, stmt)
	if err != nil {
		return zero, err
	}
	return q.shape(rows), nil
}

func (q *SelectQuery[O, T, R]) statement(args []any) (Statement, error) {
	if !q.call.Wheres {
		return Statement{SQL: q.call.SQL, Values: args}, nil
	}
	if len(args) == 0 {
		return Statement{}, xerrors.Errorf("%s: %w", q.call.Name, ErrUnsafeWhere)
	}
	w, ok := args[0].(Where)
	if !ok {
		return Statement{}, xerrors.Errorf("%s: got %T: %w", q.call.Name, args[0], ErrUnsafeWhere)
	}
	sql := q.call.SQL
	if w.SQL != "" {
		sql = strings.TrimRight(sql, " ") + " " + w.SQL
	}
	values := append(append([]any(nil), args[1:]...), w.Args...)
	return Statement{SQL: sql, Values: values}, nil
}

// ModifyQuery is a declared insert, update or delete on owner O.
type ModifyQuery[O any] struct {
	call  *Call
	build func(args []any) (Statement, error)
}

func newModify[O any](c *Call, build func(args []any) (Statement, error)) *ModifyQuery[O] {
	if build == nil {
		sql := c.SQL
		build = func(args []any) (Statement, error) { return Statement{SQL: sql, Values: args}, nil }
	}
	return &ModifyQuery[O]{call: declare[O](c), build: build}
}

// Insert declares a raw insert; call arguments bind to its `?` markers.
func Insert[O any](sql string) *ModifyQuery[O] {
	return newModify[O](&Call{Kind: KindInsert, SQL: sql}, nil)
}

// Update declares a raw update.
func Update[O any](sql string) *ModifyQuery[O] {
	return newModify[O](&Call{Kind: KindUpdate, SQL: sql}, nil)
}

// Delete declares a raw delete.
func Delete[O any](sql string) *ModifyQuery[O] {
	return newModify[O](&Call{Kind: KindDelete, SQL: sql}, nil)
}

// InsertOptions configures a bulk insert built from rows.
type InsertOptions struct {
	Name  string
	Table string   // target table, written into the SQL as is
	Keys  []string // column list; each row contributes its values in this order
	// Mapped overrides the source table for the table check.
	Mapped reflect.Type
}

// InsertRows declares a multi-row insert. Its single call argument is a
// slice of structs or of map[string]any; keys missing from a row are
// inserted as NULL.
//
//	var addUsers = xmysql.InsertRows[UserDAO](xmysql.InsertOptions{
//	    Table: "users",
//	    Keys:  []string{"name", "email"},
//	})
//
//	res, err := addUsers.Call(ctx, []User{{Name: "a"}, {Name: "b"}})
func InsertRows[O any](opts InsertOptions) *ModifyQuery[O] {
	keys := append([]string(nil), opts.Keys...)
	c := &Call{
		Name:      opts.Name,
		Kind:      KindInsert,
		SQL:       "INSERT INTO " + opts.Table + " (??) VALUES ?",
		Table:     opts.Mapped,
		TableName: opts.Table,
		Keys:      keys,
	}
	sql := c.SQL
	return newModify[O](c, func(args []any) (Statement, error) {
		if len(args) != 1 {
			return Statement{}, xerrors.Errorf("xmysql: insert %s: want 1 argument, got %d", opts.Table, len(args))
		}
		rows, err := insertValues(keys, args[0])
		if err != nil {
			return Statement{}, xerrors.Errorf("xmysql: insert %s: %w", opts.Table, err)
		}
		return Statement{SQL: sql, Values: []any{keys, rows}}, nil
	})
}

func insertValues(keys []string, arg any) ([][]any, error) {
	if len(keys) == 0 {
		return nil, xerrors.New("no keys")
	}
	rv := reflect.ValueOf(arg)
	if !isSliceOrArray(rv) {
		return nil, xerrors.Errorf("rows must be a slice, got %T", arg)
	}
	if rv.Len() == 0 {
		return nil, xerrors.New("no rows")
	}
	out := make([][]any, rv.Len())
	for i := range out {
		row, err := rowValues(rv.Index(i).Interface())
		if err != nil {
			return nil, xerrors.Errorf("row %d: %w", i, err)
		}
		vals := make([]any, len(keys))
		for j, k := range keys {
			vals[j], _ = row.lookup(k)
		}
		out[i] = vals
	}
	return out, nil
}

// UpdateOptions configures an update built from one row.
type UpdateOptions struct {
	Name   string
	Table  string
	Wheres []string // keys moved from the row into the WHERE clause
	Mapped reflect.Type
}

// UpdateRow declares an update whose single call argument is a struct or
// map. The where keys are split off into `WHERE k = ?` conditions; every
// other key is SET. The argument itself is never modified.
func UpdateRow[O any](opts UpdateOptions) *ModifyQuery[O] {
	wheres := append([]string(nil), opts.Wheres...)
	conds := make([]string, len(wheres))
	for i := range conds {
		conds[i] = "?? = ?"
	}
	c := &Call{
		Name:      opts.Name,
		Kind:      KindUpdate,
		SQL:       "UPDATE " + opts.Table + " SET ? WHERE " + strings.Join(conds, " AND "),
		Table:     opts.Mapped,
		TableName: opts.Table,
		Keys:      wheres,
	}
	sql := c.SQL
	return newModify[O](c, func(args []any) (Statement, error) {
		if len(args) != 1 {
			return Statement{}, xerrors.Errorf("xmysql: update %s: want 1 argument, got %d", opts.Table, len(args))
		}
		set, binds, err := splitUpdate(wheres, args[0])
		if err != nil {
			return Statement{}, xerrors.Errorf("xmysql: update %s: %w", opts.Table, err)
		}
		return Statement{SQL: sql, Values: append([]any{set}, binds...)}, nil
	})
}

// splitUpdate returns a new SET map without the where keys and the where
// bindings as k1, v1, k2, v2.
func splitUpdate(wheres []string, arg any) (Values, []any, error) {
	if len(wheres) == 0 {
		return nil, nil, xerrors.New("no where keys")
	}
	row, err := rowValues(arg)
	if err != nil {
		return nil, nil, err
	}
	set := make(Values, len(row))
	for k, v := range row {
		set[k] = v
	}
	binds := make([]any, 0, 2*len(wheres))
	for _, w := range wheres {
		v, ok := row.lookup(w)
		if !ok {
			return nil, nil, xerrors.Errorf("%q: %w", w, ErrMissingKey)
		}
		binds = append(binds, w, v)
		for k := range set {
			if strings.EqualFold(k, w) {
				delete(set, k)
			}
		}
	}
	if len(set) == 0 {
		return nil, nil, xerrors.New("nothing to set")
	}
	return set, binds, nil
}

// Descriptor returns a copy of the recorded call descriptor.
func (q *ModifyQuery[O]) Descriptor() Call { return *q.call }

// Call runs the statement on the source connection of O.
func (q *ModifyQuery[O]) Call(ctx context.Context, args ...any) (*Result, error) {
	return q.run(ctx, nil, args)
}

// CallWith stores conn into the source of O and runs the statement on it.
func (q *ModifyQuery[O]) CallWith(ctx context.Context, conn *Client, args ...any) (*Result, error) {
	if conn == nil {
		return nil, ErrNoConn
	}
	return q.run(ctx, conn, args)
}

func (q *ModifyQuery[O]) run(ctx context.Context, override *Client, args []any) (*Result, error) {
	src, conn, err := resolve[O](override)
	if err != nil {
		return nil, err
	}
	stmt, err := q.build(args)
	if err != nil {
		return nil, err
	}
	table := q.call.Table
	if table == nil {
		table = src.Table
	}
	return conn.Exec(ctx, q.call.Kind, stmt, table)
}
