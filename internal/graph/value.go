package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind enumerates the property value variants supported by the graph.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the scalar, list and map property types that
// entities and relations may carry. The zero Value is null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int wraps an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List wraps a list of values.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map wraps a string-keyed map of values.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// FromAny converts a native Go value into a Value. Supported inputs are nil,
// the scalar types, json.Number, []any, map[string]any and Value itself.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q", t.String())
		}
		return Float(f), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			items = append(items, ev)
		}
		return List(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			m[k] = ev
		}
		return Map(m), nil
	default:
		return Null(), fmt.Errorf("unsupported property value type %T", v)
	}
}

// MustFromAny converts like FromAny and panics on unsupported input. Intended
// for literals in tests and configuration defaults.
func MustFromAny(v any) Value {
	val, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Kind reports the variant held by the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// StringVal returns the string payload.
func (v Value) StringVal() (string, bool) { return v.s, v.kind == KindString }

// IntVal returns the integer payload.
func (v Value) IntVal() (int64, bool) { return v.i, v.kind == KindInt }

// FloatVal returns the float payload.
func (v Value) FloatVal() (float64, bool) { return v.f, v.kind == KindFloat }

// BoolVal returns the boolean payload.
func (v Value) BoolVal() (bool, bool) { return v.b, v.kind == KindBool }

// ListVal returns the list payload.
func (v Value) ListVal() ([]Value, bool) { return v.list, v.kind == KindList }

// MapVal returns the map payload.
func (v Value) MapVal() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// AsFloat returns a numeric value as float64, coercing ints.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// Interface returns the value as a native Go value (any).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders the value for logs and canonical round-trips. Scalar values
// render to their canonical string form.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList, KindMap:
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return ""
	}
}

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Key returns a deterministic string usable as a map key for indexing.
// Map values serialise with sorted keys.
func (v Value) Key() string {
	switch v.kind {
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			sb.WriteString(v.m[k].Key())
		}
		sb.WriteByte('}')
		return sb.String()
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.Key()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return v.kind.String() + ":" + v.String()
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler. Numbers decode to int when they
// have no fractional part.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (any, error) {
	return v.Interface(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}
