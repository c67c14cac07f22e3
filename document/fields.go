package document

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Fields holds the top-level fields of a document, never including "_id".
// Values are JSON-compatible.
type Fields map[string]any

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Apply returns a copy of f with changed merged in and cleared removed.
func (f Fields) Apply(changed Fields, cleared []string) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(changed))
	}
	for k, v := range changed {
		out[k] = cloneValue(v)
	}
	for _, k := range cleared {
		delete(out, k)
	}
	return out
}

// Get resolves a dotted path such as "author.name".
func (f Fields) Get(path string) (any, bool) {
	var cur any = map[string]any(f)
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Fields:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two field maps hold the same keys with Equal values.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		ov, ok := other[k]
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}

// Diff returns the fields of next that differ from prev and the keys of prev
// that next no longer has.
func Diff(prev, next Fields) (changed Fields, cleared []string) {
	changed = Fields{}
	for k, v := range next {
		if pv, ok := prev[k]; !ok || !Equal(pv, v) {
			changed[k] = v
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			cleared = append(cleared, k)
		}
	}
	sort.Strings(cleared)
	return changed, cleared
}

// ChangedKeys returns every key whose value differs between prev and next,
// including keys present on only one side. The result is sorted.
func ChangedKeys(prev, next Fields) []string {
	changed, cleared := Diff(prev, next)
	keys := append(changed.Keys(), cleared...)
	sort.Strings(keys)
	return keys
}

// Equal compares two JSON-compatible values after normalization: numbers of
// any Go type compare as float64, slices and maps compare deeply. NaN is
// never equal to anything, itself included. A nil value is not the same as
// a missing key; callers handle presence.
func Equal(a, b any) bool {
	return equalNormalized(Normalize(a), Normalize(b))
}

func equalNormalized(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalNormalized(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !equalNormalized(xv, yv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// Normalize converts v into the shape encoding/json produces when decoding
// into any: float64 numbers, []any, map[string]any.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case ID:
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case Fields:
		return Normalize(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	}

	// Structs and other values: round-trip through JSON.
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case Fields:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
