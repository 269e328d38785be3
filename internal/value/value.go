// Package value models context documents as a closed set of JSON-like kinds
// so that field lookups and comparisons never branch on raw interface{}.
package value

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a sealed interface; only the types in this package implement it.
type Value interface {
	Kind() Kind
	value()
}

// Absent is the result of looking up a path that does not exist.
type Absent struct{}

// Null is an explicit JSON null.
type Null struct{}

// Bool is a boolean.
type Bool bool

// Number is any numeric value, normalised to float64.
type Number float64

// String is a string.
type String string

// Array is an ordered list of values.
type Array []Value

// Object maps keys to values.
type Object map[string]Value

func (Absent) Kind() Kind { return KindAbsent }
func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Number) Kind() Kind { return KindNumber }
func (String) Kind() Kind { return KindString }
func (Array) Kind() Kind  { return KindArray }
func (Object) Kind() Kind { return KindObject }

func (Absent) value() {}
func (Null) value()   {}
func (Bool) value()   {}
func (Number) value() {}
func (String) value() {}
func (Array) value()  {}
func (Object) value() {}

// IsAbsent reports whether v is missing.
func IsAbsent(v Value) bool {
	return v == nil || v.Kind() == KindAbsent
}

// From converts a Go value (as produced by encoding/json or yaml.v3, or
// built by hand) into a Value. Types it does not know are round-tripped
// through encoding/json; anything that still fails becomes Null.
func From(x any) Value {
	switch v := x.(type) {
	case nil:
		return Null{}
	case Value:
		return v
	case bool:
		return Bool(v)
	case string:
		return String(v)
	case float64:
		return Number(v)
	case float32:
		return Number(v)
	case int:
		return Number(v)
	case int8:
		return Number(v)
	case int16:
		return Number(v)
	case int32:
		return Number(v)
	case int64:
		return Number(v)
	case uint:
		return Number(v)
	case uint8:
		return Number(v)
	case uint16:
		return Number(v)
	case uint32:
		return Number(v)
	case uint64:
		return Number(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return String(v.String())
		}
		return Number(f)
	case time.Time:
		return Number(v.UnixMilli())
	case time.Duration:
		return Number(v.Milliseconds())
	case map[string]any:
		obj := make(Object, len(v))
		for k, e := range v {
			obj[k] = From(e)
		}
		return obj
	case map[string]string:
		obj := make(Object, len(v))
		for k, e := range v {
			obj[k] = String(e)
		}
		return obj
	case []any:
		arr := make(Array, len(v))
		for i, e := range v {
			arr[i] = From(e)
		}
		return arr
	case []string:
		arr := make(Array, len(v))
		for i, e := range v {
			arr[i] = String(e)
		}
		return arr
	case []float64:
		arr := make(Array, len(v))
		for i, e := range v {
			arr[i] = Number(e)
		}
		return arr
	case []int:
		arr := make(Array, len(v))
		for i, e := range v {
			arr[i] = Number(e)
		}
		return arr
	default:
		return fromJSON(x)
	}
}

func fromJSON(x any) Value {
	data, err := json.Marshal(x)
	if err != nil {
		return Null{}
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return Null{}
	}
	return From(generic)
}

// Interface converts v back into plain Go values (map[string]any, []any,
// float64, string, bool, nil). Absent becomes nil.
func Interface(v Value) any {
	switch x := v.(type) {
	case Bool:
		return bool(x)
	case Number:
		return float64(x)
	case String:
		return string(x)
	case Array:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Interface(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Interface(e)
		}
		return out
	default:
		return nil
	}
}

// Lookup walks a dot path (device.battery.level, history.0.data) from root.
// Numeric segments index arrays. Any missing step yields Absent.
func Lookup(root Value, path string) Value {
	if path == "" {
		return Absent{}
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return Absent{}
		}
		switch node := cur.(type) {
		case Object:
			next, ok := node[seg]
			if !ok {
				return Absent{}
			}
			cur = next
		case Array:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return Absent{}
			}
			cur = node[idx]
		default:
			return Absent{}
		}
	}
	if cur == nil {
		return Absent{}
	}
	return cur
}

// Equal is deep equality. Absent equals nothing, not even Absent.
func Equal(a, b Value) bool {
	if IsAbsent(a) || IsAbsent(b) {
		return false
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Null:
		return true
	case Bool:
		return x == b.(Bool)
	case Number:
		return x == b.(Number)
	case String:
		return x == b.(String)
	case Array:
		y := b.(Array)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Object:
		y := b.(Object)
		if len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two numbers or two strings. ok is false for any other pair.
func Compare(a, b Value) (cmp int, ok bool) {
	switch x := a.(type) {
	case Number:
		y, isNum := b.(Number)
		if !isNum || math.IsNaN(float64(x)) || math.IsNaN(float64(y)) {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case String:
		y, isStr := b.(String)
		if !isStr {
			return 0, false
		}
		return strings.Compare(string(x), string(y)), true
	}
	return 0, false
}

// Keys returns the object's keys in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
