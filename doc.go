/*
Package xmysql is a declarative table-mapping layer over database/sql. A Go
type declares itself a table, its fields carry column metadata, and queries
are declared once as values bound to an owner type instead of being written
as row-mapping code.

# Overview

Metadata lives in process-wide registries keyed by reflect.Type, so mapped
types carry no bookkeeping fields of their own:

	type User struct {
	    ID      int64          `db:"id,int"`
	    Name    string         `db:"name,string"`
	    Active  bool           `db:"active,boolean"`
	    Profile map[string]any `db:"profile,object"`
	}

	type UserDAO struct{}

	var (
	    byID    = xmysql.SelectOne[UserDAO, User](xmysql.SelectOptions{SQL: "SELECT * FROM users WHERE id = ?"})
	    addRows = xmysql.InsertRows[UserDAO](xmysql.InsertOptions{Table: "users", Keys: []string{"name", "active"}})
	    save    = xmysql.UpdateRow[UserDAO](xmysql.UpdateOptions{Table: "users", Wheres: []string{"id"}})
	)

	func init() {
	    xmysql.Table[User]()
	    xmysql.Column[User]("created_at", xmysql.As(xmysql.ColDate), xmysql.Output("Created"))
	}

	client, err := xmysql.Open(cfg)
	xmysql.DefineSource[UserDAO](client, xmysql.TypeOf[User]())
	u, err := byID.Call(ctx, 42)

# Columns

Every column registered for a table type is applied to every hydrated row,
in declaration order. Columns come from `db:"name[,kind][,inline]"` tags when
Table is called and from explicit Column calls. Declaring a column twice
replaces the earlier definition. The kind selects the conversion of the raw
driver value: auto (passthrough), int, float, string, boolean, date, object
(JSON) and null. A column missing from the result set takes its Default when
the kind is explicit.

# Statements

Statement templates use `??` for identifiers and `?` for values. A `?`
bound to Values or a map expands to `col` = ? pairs, a slice of slices to
row tuples and a flat slice to a value list. Everything is bound as a
parameter; no value is ever written into the SQL text. Placeholders are
rewritten for drivers that do not use `?`.

Selects declared with Wheres take a Where built by WhereEq, WhereRaw or
Where.And as their first argument.

# Errors

  - ErrNotTable: the target type was never passed to Table. No I/O happens.
  - ErrNoSource, ErrNoConn: the owner type has no source or connection.
  - ErrUnsafeWhere, ErrMissingKey: bad arguments to a declared query.
  - ErrConvert: a value could not be converted to its column kind.
  - Driver errors are logged once and returned unchanged.

# Drivers

MySQL through github.com/go-sql-driver/mysql is built in. Import
github.com/go-mizu/xmysql/drivers/all to also register pgx and sqlite.
*/
package xmysql
