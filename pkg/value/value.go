// Package value provides the tagged union used for loosely typed data such as
// world state entries and memory attributes.
//
// A Value is one of a fixed set of kinds: null, bool, int, float, string,
// list or map. Untyped input (decoded JSON, API payloads) is converted with
// FromAny, which rejects anything outside that set, so the rest of the engine
// never switches on arbitrary interface{} values.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalid is returned for input outside the supported value kinds. The
// types package exposes the same sentinel as types.ErrValidation.
var ErrInvalid = errors.New("validation error")

// MaxDepth bounds the nesting of lists and maps accepted by FromAny.
const MaxDepth = 32

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an immutable tagged union. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a bool value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list value holding a copy of items.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Map returns a map value holding a copy of m.
func Map(m map[string]Value) Value {
	return Value{kind: KindMap, m: CloneMap(m)}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer held by v.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the number held by v. Integers are widened.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns a copy of the list held by v.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// AsMap returns a copy of the map held by v.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return CloneMap(v.m), true
}

// Equal reports deep equality. Ints and floats are distinct kinds.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
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
		return MapsEqual(v.m, o.m)
	}
	return false
}

// ToAny converts v back into plain Go values (nil, bool, int64, float64,
// string, []interface{}, map[string]interface{}).
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.ToAny()
		}
		return out
	}
	return nil
}

// String renders v as compact JSON.
func (v Value) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

// FromAny validates and converts an untyped value. Unsupported types, NaN or
// infinite floats and nesting deeper than MaxDepth fail with
// ErrInvalid.
func FromAny(x interface{}) (Value, error) {
	return fromAny(x, 0)
}

func fromAny(x interface{}, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, invalidf("value nested deeper than %d", MaxDepth)
	}
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Value{}, invalidf("integer %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, invalidf("integer %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case float32:
		return checkFloat(float64(t))
	case float64:
		return checkFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, invalidf("invalid number %q", t.String())
		}
		return checkFloat(f)
	case string:
		return String(t), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Value{kind: KindList, list: items}, nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := fromAny(item, depth+1)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]interface{}:
		m, err := mapFromAny(t, depth+1)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindMap, m: m}, nil
	case map[string]Value:
		return Map(t), nil
	}
	return Value{}, invalidf("unsupported value type %T", x)
}

func checkFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, invalidf("non-finite number")
	}
	return Float(f), nil
}

// MapFromAny converts an untyped mapping, validating every entry.
func MapFromAny(m map[string]interface{}) (map[string]Value, error) {
	return mapFromAny(m, 0)
}

func mapFromAny(m map[string]interface{}, depth int) (map[string]Value, error) {
	out := make(map[string]Value, len(m))
	for k, item := range m {
		if k == "" {
			return nil, invalidf("empty key")
		}
		v, err := fromAny(item, depth)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MapToAny converts a value map into plain Go values.
func MapToAny(m map[string]Value) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.ToAny()
	}
	return out
}

// CloneMap returns a shallow copy of m. Values are immutable, so a shallow
// copy is independent of the original. A nil map stays nil.
func CloneMap(m map[string]Value) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MapsEqual reports whether two value maps hold the same entries.
func MapsEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		// Keep a fractional part so the value decodes back as a float.
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1e15 {
			return []byte(fmt.Sprintf("%.1f", v.f)), nil
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("marshal value: unknown kind %d", v.kind)
}

// UnmarshalJSON implements json.Unmarshaler. Integral JSON numbers decode as
// ints, everything else with a fraction or exponent as floats.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(normalizeNumbers(raw))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// normalizeNumbers keeps json.Number for integers and converts numbers with a
// fraction or exponent to float64, so 1.0 stays a float.
func normalizeNumbers(x interface{}) interface{} {
	switch t := x.(type) {
	case json.Number:
		s := t.String()
		if bytes.ContainsAny([]byte(s), ".eE") {
			f, err := t.Float64()
			if err != nil {
				return t
			}
			return f
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	}
	return x
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
