// format.go
package xmysql

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/xerrors"
)

// Placeholder selects the positional parameter style for a target database.
//
// Common choices:
//   - PlaceholderQuestion   → "?"           (MySQL, SQLite, DuckDB, ClickHouse)
//   - PlaceholderDollar     → "$1, $2, …"  (PostgreSQL)
//   - PlaceholderAtP        → "@p1, @p2…"  (SQL Server)
//   - PlaceholderColonNum   → ":1, :2, …"  (Oracle)
type Placeholder int

const (
	PlaceholderQuestion Placeholder = iota
	PlaceholderDollar
	PlaceholderAtP
	PlaceholderColonNum
)

// ErrNotEnoughArgs is returned when a template has more `?`/`??` markers
// than bind values.
var ErrNotEnoughArgs = xerrors.New("xmysql: expand: not enough values for placeholders")

// ErrNilParams is returned when a row value is a nil pointer or nil.
var ErrNilParams = xerrors.New("xmysql: row: nil params")

// ErrUnsupportedArg is returned when a row value is not a struct or
// map[string]any.
var ErrUnsupportedArg = xerrors.New("xmysql: row: params must be struct or map[string]any")

// ErrDuplicateKeyTag is returned when two struct fields (including embedded)
// resolve to the same logical key (case-insensitive), e.g. via db:"name".
var ErrDuplicateKeyTag = xerrors.New("xmysql: row: duplicate key from struct tags/fields")

// Values is a column → value assignment list. As a `?` value it expands to
// `col1` = ?, `col2` = ? in key order.
type Values map[string]any

func (v Values) keys() []string {
	ks := make([]string, 0, len(v))
	for k := range v {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// Dialect controls placeholder rewriting and identifier quoting.
type Dialect struct {
	Placeholder Placeholder
	Quote       byte // identifier quote character
}

// MySQL is the default dialect: `?` placeholders and backtick identifiers.
var MySQL = Dialect{Placeholder: PlaceholderQuestion, Quote: '`'}

// DialectFor picks a Dialect based on a driver name string.
//
// Examples:
//
//	d := xmysql.DialectFor("pgx")       // => $1 placeholders, "ident"
//	d := xmysql.DialectFor("sqlserver") // => @p1 placeholders, "ident"
//	d := xmysql.DialectFor("mysql")     // => ? placeholders, `ident`
func DialectFor(driverName string) Dialect {
	switch strings.ToLower(driverName) {
	case "pgx", "postgres", "postgresql", "lib/pq", "pg":
		return Dialect{Placeholder: PlaceholderDollar, Quote: '"'}
	case "sqlserver", "mssql":
		return Dialect{Placeholder: PlaceholderAtP, Quote: '"'}
	case "godror", "oracle", "goracle":
		return Dialect{Placeholder: PlaceholderColonNum, Quote: '"'}
	case "sqlite", "sqlite3":
		return Dialect{Placeholder: PlaceholderQuestion, Quote: '"'}
	default:
		return MySQL
	}
}

// QuoteIdent quotes an identifier. Dotted names are quoted per segment, so
// "db.users" becomes `db`.`users`.
func (d Dialect) QuoteIdent(name string) string {
	q := string(d.Quote)
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// Expand resolves `??` and `?` markers against stmt.Values and rewrites the
// result to d's placeholder style.
//
//   - `??` takes a string or []string and inlines quoted identifiers.
//   - `?` with Values or map[string]any → `a` = ?, `b` = ? (sorted keys).
//   - `?` with a slice of slices ([][]any) → (?, ?), (?, ?) row tuples.
//   - `?` with any other slice/array → ?, ?, ? (empty becomes NULL).
//   - `?` with anything else (including []byte) → a single ?.
//
// Values left over after the last marker are passed through unchanged.
// Markers inside quoted strings and comments are ignored.
//
// Example:
//
//	sql, args, _ := xmysql.MySQL.Expand(xmysql.Statement{
//	    SQL:    "INSERT INTO users (??) VALUES ?",
//	    Values: []any{[]string{"a", "b"}, [][]any{{1, 2}, {3, 4}}},
//	})
//	// sql  => INSERT INTO users (`a`, `b`) VALUES (?, ?), (?, ?)
//	// args => [1 2 3 4]
func (d Dialect) Expand(stmt Statement) (string, []any, error) {
	query, values := stmt.SQL, stmt.Values
	var b strings.Builder
	b.Grow(len(query) + 16)
	args := make([]any, 0, len(values))
	next := 0

	i := 0
	for i < len(query) {
		r, w := utf8.DecodeRuneInString(query[i:])
		switch r {
		case '\'':
			j, err := skipSingleQuoted(query, i+w)
			if err != nil {
				return "", nil, err
			}
			b.WriteString(query[i:j])
			i = j
			continue
		case '"':
			j, err := skipDoubleQuoted(query, i+w, d.Quote == '`')
			if err != nil {
				return "", nil, err
			}
			b.WriteString(query[i:j])
			i = j
			continue
		case '`':
			j, err := skipBacktickQuoted(query, i+w)
			if err != nil {
				return "", nil, err
			}
			b.WriteString(query[i:j])
			i = j
			continue
		case '-':
			if hasPrefix(query[i:], "--") {
				j := skipLineComment(query, i+2)
				b.WriteString(query[i:j])
				i = j
				continue
			}
		case '/':
			if hasPrefix(query[i:], "/*") {
				j, err := skipBlockComment(query, i+2)
				if err != nil {
					return "", nil, err
				}
				b.WriteString(query[i:j])
				i = j
				continue
			}
		case '$':
			if j, ok, err := skipDollarQuoted(query, i); err != nil {
				return "", nil, err
			} else if ok {
				b.WriteString(query[i:j])
				i = j
				continue
			}
		case '?':
			if next >= len(values) {
				return "", nil, xerrors.Errorf("%q: %w", query, ErrNotEnoughArgs)
			}
			v := values[next]
			next++
			if hasPrefix(query[i:], "??") {
				if err := d.writeIdents(&b, v); err != nil {
					return "", nil, err
				}
				i += 2
				continue
			}
			args = d.writeValue(&b, v, args)
			i += w
			continue
		}
		b.WriteString(query[i : i+w])
		i += w
	}
	args = append(args, values[next:]...)
	return rewritePlaceholders(b.String(), d.Placeholder), args, nil
}

func (d Dialect) writeIdents(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case string:
		b.WriteString(d.QuoteIdent(x))
	case []string:
		if len(x) == 0 {
			return xerrors.New("xmysql: expand: empty identifier list for ??")
		}
		for i, s := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.QuoteIdent(s))
		}
	default:
		return xerrors.Errorf("xmysql: expand: ?? needs a string or []string, got %T", v)
	}
	return nil
}

func (d Dialect) writeValue(b *strings.Builder, v any, args []any) []any {
	switch x := v.(type) {
	case Values:
		return d.writeAssignments(b, x, args)
	case map[string]any:
		return d.writeAssignments(b, Values(x), args)
	}

	rv := reflect.ValueOf(v)
	if !isSliceOrArray(rv) {
		b.WriteByte('?')
		return append(args, v)
	}
	n := rv.Len()
	if n == 0 {
		b.WriteString("NULL")
		return args
	}
	nested := isSliceOrArray(reflect.ValueOf(rv.Index(0).Interface()))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		el := rv.Index(i).Interface()
		if !nested {
			b.WriteByte('?')
			args = append(args, el)
			continue
		}
		row := reflect.ValueOf(el)
		if !isSliceOrArray(row) {
			b.WriteString("(?)")
			args = append(args, el)
			continue
		}
		b.WriteByte('(')
		for j := 0; j < row.Len(); j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('?')
			args = append(args, row.Index(j).Interface())
		}
		b.WriteByte(')')
	}
	return args
}

func (d Dialect) writeAssignments(b *strings.Builder, v Values, args []any) []any {
	for i, k := range v.keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(k))
		b.WriteString(" = ?")
		args = append(args, v[k])
	}
	return args
}

// Where is a parameterised condition appended to a Select declared with
// Wheres.
type Where struct {
	SQL  string
	Args []any
}

// WhereRaw wraps a condition fragment and its bind values.
func WhereRaw(sql string, args ...any) Where { return Where{SQL: sql, Args: args} }

// WhereEq builds `a` = ? AND `b` = ? from v, in key order.
func WhereEq(v Values) Where {
	var w Where
	for i, k := range v.keys() {
		if i > 0 {
			w.SQL += " AND "
		}
		w.SQL += "?? = ?"
		w.Args = append(w.Args, k, v[k])
	}
	return w
}

// And joins two conditions.
func (w Where) And(o Where) Where {
	switch {
	case w.SQL == "":
		return o
	case o.SQL == "":
		return w
	}
	return Where{
		SQL:  "(" + w.SQL + ") AND (" + o.SQL + ")",
		Args: append(append([]any(nil), w.Args...), o.Args...),
	}
}

func rewritePlaceholders(query string, ph Placeholder) string {
	if ph == PlaceholderQuestion {
		return query
	}
	out := make([]byte, 0, len(query)+16)
	i, arg := 0, 1

	for i < len(query) {
		r, w := utf8.DecodeRuneInString(query[i:])
		switch r {
		case '\'':
			j, _ := skipSingleQuoted(query, i+w)
			out = append(out, query[i:j]...)
			i = j
			continue
		case '"':
			j, _ := skipDoubleQuoted(query, i+w, false)
			out = append(out, query[i:j]...)
			i = j
			continue
		case '`':
			j, _ := skipBacktickQuoted(query, i+w)
			out = append(out, query[i:j]...)
			i = j
			continue
		case '-':
			if hasPrefix(query[i:], "--") {
				j := skipLineComment(query, i+2)
				out = append(out, query[i:j]...)
				i = j
				continue
			}
		case '/':
			if hasPrefix(query[i:], "/*") {
				j, _ := skipBlockComment(query, i+2)
				out = append(out, query[i:j]...)
				i = j
				continue
			}
		case '$':
			if j, ok, _ := skipDollarQuoted(query, i); ok {
				out = append(out, query[i:j]...)
				i = j
				continue
			}
		case '?':
			switch ph {
			case PlaceholderDollar:
				out = append(out, '$')
				out = strconv.AppendInt(out, int64(arg), 10)
			case PlaceholderAtP:
				out = append(out, '@', 'p')
				out = strconv.AppendInt(out, int64(arg), 10)
			case PlaceholderColonNum:
				out = append(out, ':')
				out = strconv.AppendInt(out, int64(arg), 10)
			default:
				out = append(out, '?')
			}
			arg++
			i += w
			continue
		}
		out = append(out, query[i:i+w]...)
		i += w
	}
	return string(out)
}

func skipSingleQuoted(s string, i int) (int, error) {
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		i += w
		if r == '\\' && i < len(s) {
			i++
			continue
		}
		if r == '\'' {
			if i < len(s) && s[i] == '\'' {
				i++
				continue
			}
			return i, nil
		}
	}
	return 0, xerrors.New("xmysql: unterminated single-quoted string")
}

// skipDoubleQuoted skips a "..." run. When backslash is set the run is a
// MySQL string literal and \ escapes the next byte.
func skipDoubleQuoted(s string, i int, backslash bool) (int, error) {
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		i += w
		if backslash && r == '\\' && i < len(s) {
			i++
			continue
		}
		if r == '"' {
			if i < len(s) && s[i] == '"' {
				i++
				continue
			}
			return i, nil
		}
	}
	return 0, xerrors.New("xmysql: unterminated double-quoted string")
}

func skipBacktickQuoted(s string, i int) (int, error) {
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		i += w
		if r == '`' {
			if i < len(s) && s[i] == '`' {
				i++
				continue
			}
			return i, nil
		}
	}
	return 0, xerrors.New("xmysql: unterminated backtick-quoted identifier")
}

func skipLineComment(s string, i int) int {
	for i < len(s) {
		if s[i] == '\n' {
			return i + 1
		}
		i++
	}
	return i
}

func skipBlockComment(s string, i int) (int, error) {
	for i < len(s)-1 {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2, nil
		}
		i++
	}
	return 0, xerrors.New("xmysql: unterminated block comment")
}

// skipDollarQuoted handles $$...$$ and $tag$...$tag$ (PostgreSQL).
func skipDollarQuoted(s string, i int) (int, bool, error) {
	if s[i] != '$' {
		return 0, false, nil
	}
	j := i + 1
	for j < len(s) && s[j] != '$' && isTagChar(rune(s[j])) {
		j++
	}
	if j >= len(s) || s[j] != '$' {
		return 0, false, nil
	}
	tag := s[i : j+1]
	k := j + 1
	idx := strings.Index(s[k:], tag)
	if idx < 0 {
		return 0, true, xerrors.New("xmysql: unterminated dollar-quoted string")
	}
	return k + idx + len(tag), true, nil
}

func isTagChar(r rune) bool      { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }

// rowValues flattens one input row into Values. It accepts a struct (db
// tags or field names), a pointer to one, or a map with string keys. Keys
// keep their declared case.
func rowValues(params any) (Values, error) {
	rv := reflect.ValueOf(params)
	if !rv.IsValid() {
		return nil, ErrNilParams
	}
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, ErrNilParams
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, ErrUnsupportedArg
		}
		m := make(Values, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return m, nil
	case reflect.Struct:
		m := make(Values)
		if err := addStructFields(m, make(map[string]struct{}), rv); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, ErrUnsupportedArg
	}
}

// lookup finds name exactly, then case-insensitively.
func (v Values) lookup(name string) (any, bool) {
	if x, ok := v[name]; ok {
		return x, true
	}
	for k, x := range v {
		if strings.EqualFold(k, name) {
			return x, true
		}
	}
	return nil, false
}

func addStructFields(dst Values, seen map[string]struct{}, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)

		if f.PkgPath != "" && !f.Anonymous {
			continue
		}

		// Embedded types: follow pointer chains; skip if nil; flatten fields.
		if f.Anonymous {
			ft := f.Type
			fv := v.Field(i)

			isNil := false
			for ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					isNil = true
					break
				}
				ft = ft.Elem()
				fv = fv.Elem()
			}
			if !isNil && ft.Kind() == reflect.Struct {
				if err := addStructFields(dst, seen, fv); err != nil {
					return err
				}
				continue
			}
			if f.PkgPath != "" {
				continue
			}
		}

		name, _, _, omit := parseTag(f.Tag.Get("db"))
		if omit {
			continue
		}
		if name == "" {
			name = f.Name
		}
		key := strings.ToLower(name)
		if _, exists := seen[key]; exists {
			return xerrors.Errorf("%q: %w", key, ErrDuplicateKeyTag)
		}
		seen[key] = struct{}{}
		dst[name] = v.Field(i).Interface()
	}
	return nil
}

func isSliceOrArray(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Slice:
		return v.Type().Elem().Kind() != reflect.Uint8 // []byte → scalar
	case reflect.Array:
		return true
	default:
		return false
	}
}
