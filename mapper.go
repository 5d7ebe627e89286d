package xmysql

import (
	"database/sql"
	"hash/fnv"
	"reflect"
	"sync"

	"golang.org/x/xerrors"
)

// Mapper owns the hydration caches. Use the package-level lazy getter
// (getMapper) or create your own in tests.
type Mapper struct {
	planCache        sync.Map // key: planKey -> *plan   (per (T, column-set, column defs))
	structIndexCache sync.Map // key: reflect.Type -> *fieldIndex (per T)
}

func NewMapper() *Mapper { return &Mapper{} }

// --- package-level lazy global mapper (used by Query) ---

var (
	mapper     *Mapper
	mapperOnce sync.Once
)

func getMapper() *Mapper {
	mapperOnce.Do(func() { mapper = NewMapper() })
	return mapper
}

// hydrateAll reads every remaining row into a new T, filling only the
// columns registered for T.
func hydrateAll[T any](m *Mapper, rows *sql.Rows) ([]T, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, xerrors.New("xmysql: query returned zero columns")
	}

	// Normalize & hash columns
	h := fnv.New64a()
	for i := range cols {
		cols[i] = normalizeColAscii(cols[i])
		_, _ = h.Write([]byte(cols[i]))
		_, _ = h.Write([]byte{0})
	}

	rt := reflect.TypeOf((*T)(nil)).Elem()
	pl, err := m.getPlan(rt, cols, h.Sum64())
	if err != nil {
		return nil, err
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var out []T
	for rows.Next() {
		for i := range vals {
			vals[i] = nil
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rv := reflect.New(rt) // *T
		if err := pl.fill(rv.Elem(), vals); err != nil {
			return nil, err
		}
		out = append(out, rv.Elem().Interface().(T))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------- Planning & caches ----------------

type planKey struct {
	rt    reflect.Type
	hash  uint64 // FNV-1a of normalized columns
	ncols int
	gen   uint64 // column registry generation for rt
}

type plan struct {
	rt    reflect.Type
	steps []step // one per registered column
}

type step struct {
	def   ColumnDef
	col   int   // index into the result set, -1 when absent
	fpath []int // destination field
}

func (m *Mapper) getPlan(rt reflect.Type, cols []string, colHash uint64) (*plan, error) {
	if !isStruct(rt) || rt.Kind() == reflect.Pointer {
		return nil, xerrors.Errorf("xmysql: cannot hydrate rows into %s; use a struct", rt)
	}
	defs, gen := columnsFor(rt).snapshot()

	key := planKey{rt: rt, hash: colHash, ncols: len(cols), gen: gen}
	if v, ok := m.planCache.Load(key); ok {
		return v.(*plan), nil
	}

	byCol := make(map[string]int, len(cols))
	for i, c := range cols {
		if _, dup := byCol[c]; !dup {
			byCol[c] = i
		}
	}

	indexer := m.structIndex(rt)
	p := &plan{rt: rt, steps: make([]step, 0, len(defs))}
	for _, d := range defs {
		fp, ok := indexer.byName[toLowerAscii(d.Output)]
		if !ok {
			return nil, xerrors.Errorf("xmysql: column %q: %s has no field %q", d.Field, rt, d.Output)
		}
		st := step{def: d, col: -1, fpath: fp}
		if i, ok := byCol[normalizeColAscii(d.Field)]; ok {
			st.col = i
		}
		p.steps = append(p.steps, st)
	}

	m.planCache.Store(key, p)
	return p, nil
}

func (p *plan) fill(root reflect.Value, vals []any) error {
	for _, st := range p.steps {
		dst := fieldByPathAlloc(root, st.fpath)
		if st.col < 0 {
			if st.def.Kind != ColAuto && st.def.Default != nil {
				if err := assign(dst, st.def.Default); err != nil {
					return xerrors.Errorf("xmysql: column %q default: %w", st.def.Field, err)
				}
				continue
			}
			if err := setColumn(dst, st.def.Kind, nil); err != nil {
				return xerrors.Errorf("xmysql: column %q: %w", st.def.Field, err)
			}
			continue
		}
		if err := setColumn(dst, st.def.Kind, vals[st.col]); err != nil {
			return xerrors.Errorf("xmysql: column %q: %w", st.def.Field, err)
		}
	}
	return nil
}

type fieldIndex struct {
	byName map[string][]int // lower-case name -> index path
}

func (m *Mapper) structIndex(rt reflect.Type) *fieldIndex {
	if v, ok := m.structIndexCache.Load(rt); ok {
		return v.(*fieldIndex)
	}
	fi := buildStructIndex(rt)
	m.structIndexCache.Store(rt, &fi)
	return &fi
}

// ---------------- Struct indexing & tags ----------------

// buildStructIndex maps both the db tag name and the Go field name of every
// exported field to its index path. Tag names win over field names.
func buildStructIndex(rt reflect.Type) fieldIndex {
	idx := fieldIndex{byName: make(map[string][]int)}
	seen := make(map[string]struct{})
	type named struct {
		lc   string
		path []int
	}
	var fieldNames []named

	var walk func(t reflect.Type, base []int, forceInline bool)
	walk = func(t reflect.Type, base []int, forceInline bool) {
		t = derefPtr(t)
		if t.Kind() != reflect.Struct {
			return
		}
		n := t.NumField()
		for i := 0; i < n; i++ {
			sf := t.Field(i)
			if sf.PkgPath != "" && !sf.Anonymous { // unexported, non-anonymous
				continue
			}
			tag := sf.Tag.Get("db")
			name, inline, _, omit := parseTag(tag)
			if omit {
				continue
			}
			ft := sf.Type
			path := append(append([]int(nil), base...), i)

			if inline || (sf.Anonymous && (forceInline || tag == "")) {
				if isStruct(ft) {
					walk(ft, path, inline)
					continue
				}
			}
			if sf.PkgPath != "" {
				continue
			}
			if name != "" {
				lc := toLowerAscii(name)
				if _, ok := seen[lc]; !ok {
					idx.byName[lc] = path
					seen[lc] = struct{}{}
				}
			}
			fieldNames = append(fieldNames, named{toLowerAscii(sf.Name), path})
		}
	}
	walk(rt, nil, false)

	for _, fn := range fieldNames {
		if _, ok := seen[fn.lc]; !ok {
			idx.byName[fn.lc] = fn.path
			seen[fn.lc] = struct{}{}
		}
	}
	return idx
}

// ---------------- Type helpers ----------------

func isStruct(t reflect.Type) bool { return derefPtr(t).Kind() == reflect.Struct }

func derefPtr(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

func fieldTypeByPath(root reflect.Type, fpath []int) reflect.Type {
	t := root
	for _, i := range fpath {
		t = derefPtr(t)
		t = t.Field(i).Type
	}
	return t
}

// fieldByPathAlloc walks fpath, allocating nil embedded pointers so the
// final field is addressable. The final field itself is left as is.
func fieldByPathAlloc(root reflect.Value, fpath []int) reflect.Value {
	v := root
	for _, i := range fpath {
		if v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

// ---------------- Column normalization (ASCII fast-path) ----------------

func normalizeColAscii(s string) string {
	if l := len(s); l >= 2 {
		switch s[0] {
		case '"':
			if s[l-1] == '"' {
				s = s[1 : l-1]
			}
		case '`':
			if s[l-1] == '`' {
				s = s[1 : l-1]
			}
		case '[':
			if s[l-1] == ']' {
				s = s[1 : l-1]
			}
		}
	}
	return toLowerAscii(s)
}

func toLowerAscii(s string) string {
	var need bool
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			need = true
			break
		}
	}
	if !need {
		return s
	}
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c = c + ('a' - 'A')
		}
		b[i] = c
	}
	return string(b)
}
