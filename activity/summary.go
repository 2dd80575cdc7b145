package activity

import (
	"reflect"

	"github.com/godamri/helix-activity/audit"
)

// bulkFields are large array fields reduced to "<name>Count".
var bulkFields = []string{"stock", "moves", "models"}

// scalarFields are copied verbatim when they hold a scalar.
var scalarFields = []string{"status", "kind", "total", "action", "date", "details", "userEmail", "userName"}

// Summarize reduces payload to a digest safe to store in an audit record.
// Any payload that is not a string-keyed map yields an empty Summary.
func Summarize(payload any) (out audit.Summary) {
	out = audit.Summary{}
	defer func() {
		if recover() != nil {
			out = audit.Summary{}
		}
	}()

	v := reflect.ValueOf(payload)
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return out
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return out
	}

	for _, name := range bulkFields {
		f := field(v, name)
		if !f.IsValid() {
			continue
		}
		if f.Kind() == reflect.Array || (f.Kind() == reflect.Slice && !f.IsNil()) {
			out[name+"Count"] = f.Len()
		}
	}
	for _, name := range scalarFields {
		f := field(v, name)
		if f.IsValid() && isScalar(f) {
			out[name] = f.Interface()
		}
	}
	return out
}

// field looks up key in the map m, unwrapping interface values.
func field(m reflect.Value, key string) reflect.Value {
	f := m.MapIndex(reflect.ValueOf(key).Convert(m.Type().Key()))
	for f.IsValid() && f.Kind() == reflect.Interface {
		if f.IsNil() {
			return reflect.Value{}
		}
		f = f.Elem()
	}
	return f
}

func isScalar(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
