package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValueKind discriminates the payload carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

var ErrUnsupportedValue = errors.New("unsupported payload value")

// Value is an opaque span payload: null, bool, number, string, an ordered
// list of values, or a string-keyed map of values. The zero Value is null.
// Values are immutable; accessors hand out copies of lists and maps.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

func Int(n int64) Value { return Value{kind: KindNumber, n: float64(n)} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

func Map(entries map[string]Value) Value {
	m := make(map[string]Value, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Value{kind: KindMap, m: m}
}

// FromAny converts decoded JSON/YAML style Go values into a Value.
func FromAny(in any) (Value, error) {
	switch v := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q: %v", ErrUnsupportedValue, v.String(), err)
		}
		return Number(f), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return Number(float64(v)), nil
	case uint8:
		return Number(float64(v)), nil
	case uint16:
		return Number(float64(v)), nil
	case uint32:
		return Number(float64(v)), nil
	case uint64:
		return Number(float64(v)), nil
	case time.Time:
		return String(v.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		items := make([]Value, len(v))
		for i, item := range v {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = converted
		}
		return Value{kind: KindList, list: items}, nil
	case []string:
		items := make([]Value, len(v))
		for i, item := range v {
			items[i] = String(item)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(v))
		for key, item := range v {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", key, err)
			}
			m[key] = converted
		}
		return Value{kind: KindMap, m: m}, nil
	case map[string]string:
		m := make(map[string]Value, len(v))
		for key, item := range v {
			m[key] = String(item)
		}
		return Value{kind: KindMap, m: m}, nil
	case map[any]any:
		m := make(map[string]Value, len(v))
		for key, item := range v {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %v: %w", key, err)
			}
			m[fmt.Sprint(key)] = converted
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, in)
	}
}

// MustValue is FromAny for literals known to be valid; it panics otherwise.
func MustValue(in any) Value {
	v, err := FromAny(in)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return append([]Value(nil), v.list...), true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	m := make(map[string]Value, len(v.m))
	for k, item := range v.m {
		m[k] = item
	}
	return m, true
}

// Len reports the number of list items or map entries.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	default:
		return 0
	}
}

// IsScalar reports whether v is null, bool, number or string.
func (v Value) IsScalar() bool {
	return v.kind != KindList && v.kind != KindMap
}

// Any converts v back into plain Go values (nil, bool, float64, string,
// []any, map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep logical equality. Map key order never matters, NaN
// equals NaN and -0 equals 0.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		if math.IsNaN(v.n) || math.IsNaN(other.n) {
			return math.IsNaN(v.n) && math.IsNaN(other.n)
		}
		return v.n == other.n
	case KindString:
		return v.s == other.s
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(other.m) {
			return false
		}
		for k, item := range v.m {
			otherItem, ok := other.m[k]
			if !ok || !item.Equal(otherItem) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Transform rebuilds v, passing every string leaf through fn. Map keys are kept.
func (v Value) Transform(fn func(string) string) Value {
	switch v.kind {
	case KindString:
		return String(fn(v.s))
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Transform(fn)
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			m[k] = item.Transform(fn)
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// String renders v as canonical JSON.
func (v Value) String() string {
	var buf bytes.Buffer
	if err := v.writeCanonical(&buf); err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return buf.String()
}

// writeCanonical writes v as JSON with map keys sorted and numbers in their
// shortest round-trip form, so equal values always produce equal bytes.
func (v Value) writeCanonical(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("%w: non-finite number %v", ErrUnsupportedValue, v.n)
		}
		buf.WriteString(formatNumber(v.n))
	case KindString:
		encoded, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := v.m[k].writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: kind %d", ErrUnsupportedValue, v.kind)
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeCanonical(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return fmt.Errorf("decode payload value: %w", err)
	}
	converted, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	return v.Any(), nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode payload value: %w", err)
	}
	converted, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

// formatNumber renders n in shortest round-trip form with -0 folded into 0.
func formatNumber(n float64) string {
	if n == 0 {
		n = 0
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}
