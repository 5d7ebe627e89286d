package xmysql

import (
	"reflect"
	"sync"
)

// Registry associates metadata of one kind with a target identity without
// the target having to declare storage for it. Every instance of a type
// shares the single record kept for that type.
//
// Safe for concurrent use.
type Registry[K comparable, V any] struct {
	name string
	m    sync.Map // K -> V
}

// NewRegistry returns an empty registry. The name only shows up in logs.
func NewRegistry[K comparable, V any](name string) *Registry[K, V] {
	return &Registry[K, V]{name: name}
}

// Name returns the metadata kind this registry holds.
func (r *Registry[K, V]) Name() string { return r.name }

// Define stores v for target, overwriting any previous value.
func (r *Registry[K, V]) Define(target K, v V) {
	r.m.Store(target, v)
}

// Get returns the value stored for target. ok is false when nothing has been
// defined; Get never panics on a missing target.
func (r *Registry[K, V]) Get(target K) (v V, ok bool) {
	got, ok := r.m.Load(target)
	if !ok {
		return v, false
	}
	return got.(V), true
}

// GetOrDefine returns the value stored for target. If there is none, def is
// stored and returned.
func (r *Registry[K, V]) GetOrDefine(target K, def V) V {
	got, _ := r.m.LoadOrStore(target, def)
	return got.(V)
}

// Range calls fn for every entry until fn returns false.
func (r *Registry[K, V]) Range(fn func(target K, v V) bool) {
	r.m.Range(func(k, v any) bool { return fn(k.(K), v.(V)) })
}

type tableMarker struct{}

// callKey identifies a declared query: the owner type plus the call name.
type callKey struct {
	owner reflect.Type
	name  string
}

// Process-wide metadata, one registry per kind.
var (
	tables  = NewRegistry[reflect.Type, tableMarker]("xmysql.table")
	columns = NewRegistry[reflect.Type, *columnSet]("xmysql.column")
	calls   = NewRegistry[callKey, *Call]("xmysql.call")
	sources = NewRegistry[reflect.Type, *Source]("xmysql.source")
)

// Table marks T as a mapped table. Exported fields carrying a `db` tag are
// registered as columns in declaration order; see Column for explicit
// registration. A field declared through Column keeps that definition
// whether Table runs before or after it. Calling Table again for the same
// type is harmless.
//
//	type User struct {
//	    ID      int64     `db:"id,int"`
//	    Name    string    `db:"name"`
//	    Created time.Time `db:"created_at,date"`
//	}
//
//	func init() { xmysql.Table[User]() }
func Table[T any]() {
	rt := reflect.TypeFor[T]()
	tables.Define(rt, tableMarker{})
	for _, c := range tagColumns(rt) {
		columnsFor(rt).putTag(c)
	}
}

// IsTable reports whether rt carries the table marker.
func IsTable(rt reflect.Type) bool {
	if rt == nil {
		return false
	}
	_, ok := tables.Get(derefPtr(rt))
	return ok
}

// TypeOf is shorthand for reflect.TypeFor, for use in Source and options.
func TypeOf[T any]() reflect.Type { return reflect.TypeFor[T]() }
