package xmysql

import (
	"reflect"
	"strconv"
	"sync"

	"golang.org/x/xerrors"
)

// ColumnKind selects how a raw driver value is converted before it is
// assigned to a struct field.
type ColumnKind uint8

const (
	ColAuto   ColumnKind = iota // passthrough
	ColInt                      // numeric coercion, truncated for integer fields
	ColString                   // string coercion
	ColBool                     // truthiness
	ColDate                     // parse into time.Time
	ColFloat                    // numeric coercion
	ColNull                     // always the zero value
	ColObject                   // JSON decode
)

var kindNames = [...]string{
	ColAuto:   "auto",
	ColInt:    "int",
	ColString: "string",
	ColBool:   "boolean",
	ColDate:   "date",
	ColFloat:  "float",
	ColNull:   "null",
	ColObject: "object",
}

func (k ColumnKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseColumnKind maps the names used in `db` tags ("int", "boolean", ...)
// to a ColumnKind. "bool" and "json" are accepted as aliases.
func ParseColumnKind(s string) (ColumnKind, error) {
	switch toLowerAscii(s) {
	case "", "auto":
		return ColAuto, nil
	case "int":
		return ColInt, nil
	case "string":
		return ColString, nil
	case "boolean", "bool":
		return ColBool, nil
	case "date":
		return ColDate, nil
	case "float":
		return ColFloat, nil
	case "null":
		return ColNull, nil
	case "object", "json":
		return ColObject, nil
	}
	return ColAuto, xerrors.Errorf("xmysql: unknown column kind %q", s)
}

// ColumnDef describes how one result-set column becomes a struct field.
type ColumnDef struct {
	Field   string     // result-set column name
	Output  string     // struct field name or its db tag name
	Kind    ColumnKind // conversion
	Default any        // used when the column is missing; ignored for ColAuto
}

// ColumnOption adjusts a ColumnDef built by Column.
type ColumnOption func(*ColumnDef)

// As sets the conversion kind.
func As(k ColumnKind) ColumnOption { return func(c *ColumnDef) { c.Kind = k } }

// Output renames the destination field.
func Output(name string) ColumnOption { return func(c *ColumnDef) { c.Output = name } }

// Default sets the value used when the column is absent from a result set.
func Default(v any) ColumnOption { return func(c *ColumnDef) { c.Default = v } }

// Column registers a column for table type T. Without options the column is
// passed through unconverted into the field of the same name.
//
// Declaring the same field twice replaces the earlier definition and keeps
// its position.
func Column[T any](field string, opts ...ColumnOption) {
	rt := reflect.TypeFor[T]()
	def := ColumnDef{Field: field, Output: field, Kind: ColAuto}
	for _, o := range opts {
		o(&def)
	}
	if def.Kind == ColAuto {
		def.Default = nil
	} else if def.Default == nil {
		def.Default = zeroFor(rt, def.Output)
	}
	columnsFor(rt).put(def)
}

// Columns returns a copy of the column definitions registered for T in
// declaration order.
func Columns[T any]() []ColumnDef {
	return columnsOf(reflect.TypeFor[T]())
}

func columnsOf(rt reflect.Type) []ColumnDef {
	set, ok := columns.Get(derefPtr(rt))
	if !ok {
		return nil
	}
	return set.list()
}

func columnsFor(rt reflect.Type) *columnSet {
	return columns.GetOrDefine(derefPtr(rt), &columnSet{})
}

type columnSet struct {
	mu       sync.RWMutex
	defs     []ColumnDef
	explicit map[string]bool // fields declared through Column
	gen      uint64          // bumped on every change; part of the plan cache key
}

// put declares def through Column. It replaces any earlier definition of
// the same field, tag-derived or not.
func (s *columnSet) put(def ColumnDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.explicit == nil {
		s.explicit = make(map[string]bool)
	}
	s.explicit[toLowerAscii(def.Field)] = true
	s.replace(def)
}

// putTag declares a tag-derived def unless Column already declared the field.
func (s *columnSet) putTag(def ColumnDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.explicit[toLowerAscii(def.Field)] {
		return
	}
	s.replace(def)
}

func (s *columnSet) replace(def ColumnDef) {
	s.gen++
	key := toLowerAscii(def.Field)
	for i := range s.defs {
		if toLowerAscii(s.defs[i].Field) == key {
			s.defs[i] = def
			return
		}
	}
	s.defs = append(s.defs, def)
}

func (s *columnSet) list() []ColumnDef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ColumnDef(nil), s.defs...)
}

func (s *columnSet) snapshot() ([]ColumnDef, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ColumnDef(nil), s.defs...), s.gen
}

// tagColumns collects the columns declared through `db` tags on rt,
// following embedded and ,inline structs.
func tagColumns(rt reflect.Type) []ColumnDef {
	var out []ColumnDef
	var walk func(t reflect.Type, forceInline bool)
	walk = func(t reflect.Type, forceInline bool) {
		t = derefPtr(t)
		if t.Kind() != reflect.Struct {
			return
		}
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if sf.PkgPath != "" && !sf.Anonymous {
				continue
			}
			tag := sf.Tag.Get("db")
			name, inline, kind, omit := parseTag(tag)
			if omit {
				continue
			}
			if inline || (sf.Anonymous && (forceInline || tag == "")) {
				if isStruct(sf.Type) {
					walk(sf.Type, inline)
					continue
				}
			}
			if tag == "" || sf.PkgPath != "" {
				continue
			}
			if name == "" {
				name = sf.Name
			}
			def := ColumnDef{Field: name, Output: name, Kind: kind}
			if kind != ColAuto {
				def.Default = reflect.Zero(sf.Type).Interface()
			}
			out = append(out, def)
		}
	}
	walk(rt, false)
	return out
}

// parseTag supports: "-", "col", ",inline", "col,inline", "col,int",
// "col,inline,date". Unknown options are ignored.
func parseTag(tag string) (name string, inline bool, kind ColumnKind, omit bool) {
	if tag == "-" {
		return "", false, ColAuto, true
	}
	if tag == "" {
		return "", false, ColAuto, false
	}
	start, first := 0, true
	for i := 0; i <= len(tag); i++ {
		if i == len(tag) || tag[i] == ',' {
			part := tag[start:i]
			switch {
			case part == "inline":
				inline = true
			case first:
				name = part
			case part != "":
				if k, err := ParseColumnKind(part); err == nil {
					kind = k
				}
			}
			first = false
			start = i + 1
		}
	}
	return name, inline, kind, false
}

func zeroFor(rt reflect.Type, output string) any {
	if !isStruct(rt) {
		return nil
	}
	fp, ok := getMapper().structIndex(derefPtr(rt)).byName[toLowerAscii(output)]
	if !ok {
		return nil
	}
	return reflect.Zero(fieldTypeByPath(derefPtr(rt), fp)).Interface()
}
