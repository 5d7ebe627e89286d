package xmysql

import (
	"database/sql"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// ErrConvert matches every *ConvertError through errors.Is.
var ErrConvert = xerrors.New("xmysql: convert")

// ConvertError reports a driver value that could not be converted to a
// column kind or assigned to its destination field.
type ConvertError struct {
	Kind  ColumnKind
	Value any
	Err   error
}

func (e *ConvertError) Error() string {
	return "xmysql: convert " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *ConvertError) Unwrap() error { return e.Err }

func (e *ConvertError) Is(target error) bool { return target == ErrConvert }

// Convert applies the conversion for kind to a raw driver value:
//
//	auto    passthrough
//	boolean truthiness: nil, false, 0, NaN and "" are false
//	int     float64; NaN for nil and non-numeric input
//	float   same as int
//	string  string form; "" for nil
//	date    time.Time; nil stays nil
//	object  JSON decoded into any
//	null    nil, whatever the input
//
// Driver text ([]byte) that holds a number is treated as that number by the
// boolean conversion, so a tinyint 0 read over the text protocol is false.
// Hydration skips the float64 step of int when the field is an integer.
func Convert(kind ColumnKind, v any) (any, error) {
	switch kind {
	case ColAuto:
		return v, nil
	case ColBool:
		return truthy(v), nil
	case ColInt, ColFloat:
		return toNumber(v), nil
	case ColString:
		return toString(v), nil
	case ColDate:
		if v == nil {
			return nil, nil
		}
		return toTime(v)
	case ColObject:
		var out any
		if err := decodeJSON(v, &out); err != nil {
			return nil, err
		}
		return out, nil
	case ColNull:
		return nil, nil
	}
	return v, nil
}

// setColumn converts v per kind and stores it into dst. Integer values
// bypass the float64 form of the int kind so typed fields keep every digit.
func setColumn(dst reflect.Value, kind ColumnKind, v any) error {
	if kind == ColInt && dst.Kind() != reflect.Interface {
		if n, ok := exactInt(v); ok {
			return assign(dst, n)
		}
	}
	if kind == ColObject && v != nil {
		if dst.Kind() == reflect.Interface {
			out, err := Convert(kind, v)
			if err != nil {
				return err
			}
			return assign(dst, out)
		}
		ptr := reflect.New(dst.Type())
		if err := decodeJSON(v, ptr.Interface()); err != nil {
			return err
		}
		dst.Set(ptr.Elem())
		return nil
	}
	out, err := Convert(kind, v)
	if err != nil {
		return err
	}
	return assign(dst, out)
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// assign stores v into dst with the loose coercions a row mapper needs:
// numbers from driver text, bool from truthiness, NaN leaving integer fields
// untouched, and nil resetting to the zero value. Scanners see NaN as NULL.
func assign(dst reflect.Value, v any) error {
	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		if isNaN(v) {
			v = nil
		}
		return dst.Addr().Interface().(sql.Scanner).Scan(v)
	}
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	dt := dst.Type()
	switch dt.Kind() {
	case reflect.Pointer:
		if isNaN(v) && isIntegerKind(dt.Elem().Kind()) {
			dst.Set(reflect.Zero(dt))
			return nil
		}
		elem := reflect.New(dt.Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Interface:
		rv := reflect.ValueOf(v)
		if b, ok := v.([]byte); ok {
			rv = reflect.ValueOf(append([]byte(nil), b...))
		}
		if !rv.Type().AssignableTo(dt) {
			return &ConvertError{Kind: ColAuto, Value: v, Err: xerrors.Errorf("cannot assign %T to %s", v, dt)}
		}
		dst.Set(rv)
		return nil
	case reflect.Bool:
		dst.SetBool(truthy(v))
		return nil
	case reflect.String:
		dst.SetString(toString(v))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return setInteger(dst, v)
	case reflect.Float32, reflect.Float64:
		dst.SetFloat(toNumber(v))
		return nil
	}
	if dt == timeType {
		t, err := toTime(v)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}
	if dt.Kind() == reflect.Slice && dt.Elem().Kind() == reflect.Uint8 {
		switch x := v.(type) {
		case []byte:
			dst.SetBytes(append([]byte(nil), x...))
			return nil
		case string:
			dst.SetBytes([]byte(x))
			return nil
		}
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(dt) {
		dst.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(dt) {
		dst.Set(rv.Convert(dt))
		return nil
	}
	return &ConvertError{Kind: ColAuto, Value: v, Err: xerrors.Errorf("cannot assign %T to %s", v, dt)}
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return isIntKind(k)
}

func isNaN(v any) bool {
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

// exactInt returns v as an int64 or uint64 when it is an integer value or
// decimal integer text.
func exactInt(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return parseInt(x)
	case []byte:
		return parseInt(string(x))
	case bool, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	}
	return nil, false
}

func parseInt(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, true
	}
	return nil, false
}

// setInteger stores v into an integer field. Exact integers are stored as
// is; anything else goes through its float64 form, truncated. Values the
// field cannot hold are a *ConvertError.
func setInteger(dst reflect.Value, v any) error {
	n, ok := exactInt(v)
	if !ok {
		f := toNumber(v)
		if math.IsNaN(f) {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		f = math.Trunc(f)
		switch {
		case f >= -(1<<63) && f < 1<<63:
			n = int64(f)
		case f >= 0 && f < 1<<64:
			n = uint64(f)
		default:
			return overflow(dst, v)
		}
	}
	signed := isIntKind(dst.Kind())
	switch x := n.(type) {
	case int64:
		if signed {
			if dst.OverflowInt(x) {
				return overflow(dst, v)
			}
			dst.SetInt(x)
			return nil
		}
		if x < 0 || dst.OverflowUint(uint64(x)) {
			return overflow(dst, v)
		}
		dst.SetUint(uint64(x))
	case uint64:
		if signed {
			if x > math.MaxInt64 || dst.OverflowInt(int64(x)) {
				return overflow(dst, v)
			}
			dst.SetInt(int64(x))
			return nil
		}
		if dst.OverflowUint(x) {
			return overflow(dst, v)
		}
		dst.SetUint(x)
	}
	return nil
}

func overflow(dst reflect.Value, v any) error {
	return &ConvertError{Kind: ColInt, Value: v, Err: xerrors.Errorf("%v overflows %s", v, dst.Type())}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []byte:
		if len(x) == 0 {
			return false
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64); err == nil {
			return f != 0
		}
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f != 0 && !math.IsNaN(f)
	case reflect.String:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func toNumber(v any) float64 {
	switch x := v.(type) {
	case nil:
		return math.NaN()
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		return parseNumber(x)
	case []byte:
		return parseNumber(string(x))
	case time.Time:
		return float64(x.UnixMilli())
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return parseNumber(rv.String())
	}
	return math.NaN()
}

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.String:
		return rv.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

func toTime(v any) (time.Time, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x, nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		f := toNumber(v)
		if math.IsNaN(f) {
			return time.Time{}, &ConvertError{Kind: ColDate, Value: v, Err: xerrors.Errorf("cannot parse %T as date", v)}
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ConvertError{Kind: ColDate, Value: v, Err: xerrors.Errorf("cannot parse %q as date", s)}
}

func decodeJSON(v any, out any) error {
	var data []byte
	switch x := v.(type) {
	case nil:
		data = []byte("null")
	case []byte:
		data = x
	case string:
		data = []byte(x)
	default:
		// Already structured; round-trip so out receives its own shape.
		b, err := json.Marshal(x)
		if err != nil {
			return &ConvertError{Kind: ColObject, Value: v, Err: err}
		}
		data = b
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ConvertError{Kind: ColObject, Value: v, Err: err}
	}
	return nil
}
