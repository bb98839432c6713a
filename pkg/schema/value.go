package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	}
	return "unknown"
}

// Value is an immutable structured value: null, bool, number, string,
// sequence or mapping. Step config, mappings, inputs and outputs all travel
// as Values so the mapper and the evaluator never reflect over arbitrary data.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	seq  []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int wraps an integer as a number.
func Int(n int) Value { return Value{kind: KindNumber, n: float64(n)} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Sequence builds a sequence from items. The slice is copied.
func Sequence(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindSequence, seq: cp}
}

// Mapping builds a mapping from fields. The map is copied.
func Mapping(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindMapping, m: cp}
}

// EmptyMapping returns a mapping with no fields.
func EmptyMapping() Value { return Value{kind: KindMapping, m: map[string]Value{}} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and true when v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number and true when v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string and true when v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Len returns the element count of a sequence or mapping, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindSequence:
		return len(v.seq)
	case KindMapping:
		return len(v.m)
	}
	return 0
}

// Items returns a copy of the sequence elements, nil for non-sequences.
func (v Value) Items() []Value {
	if v.kind != KindSequence {
		return nil
	}
	cp := make([]Value, len(v.seq))
	copy(cp, v.seq)
	return cp
}

// Index returns the i-th element of a sequence. Negative indexes count from the end.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindSequence {
		return Null(), false
	}
	if i < 0 {
		i += len(v.seq)
	}
	if i < 0 || i >= len(v.seq) {
		return Null(), false
	}
	return v.seq[i], true
}

// Get returns the field of a mapping.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Null(), false
	}
	f, ok := v.m[key]
	return f, ok
}

// Keys returns the mapping keys in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindMapping {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a copy of the mapping fields, nil for non-mappings.
func (v Value) Fields() map[string]Value {
	if v.kind != KindMapping {
		return nil
	}
	cp := make(map[string]Value, len(v.m))
	for k, f := range v.m {
		cp[k] = f
	}
	return cp
}

// With returns a mapping equal to v with key set to val.
// A non-mapping receiver is treated as an empty mapping.
func (v Value) With(key string, val Value) Value {
	fields := v.Fields()
	if fields == nil {
		fields = make(map[string]Value, 1)
	}
	fields[key] = val
	return Value{kind: KindMapping, m: fields}
}

// Merge overlays the fields of other onto v. Non-mapping operands are ignored;
// when v is not a mapping the result is other.
func (v Value) Merge(other Value) Value {
	if other.kind != KindMapping {
		return v
	}
	if v.kind != KindMapping {
		return other
	}
	fields := v.Fields()
	for k, f := range other.m {
		fields[k] = f
	}
	return Value{kind: KindMapping, m: fields}
}

// Truthy reports the value's truthiness: false, null, 0, "" and empty
// collections are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return v.s != ""
	case KindSequence:
		return len(v.seq) > 0
	case KindMapping:
		return len(v.m) > 0
	}
	return false
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindSequence:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, f := range v.m {
			of, ok := o.m[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// maxExactInt is the largest integer a float64 holds without loss.
const maxExactInt = 1 << 53

// Native converts v into plain Go data (nil, bool, int, float64, string,
// []any, map[string]any). Integral numbers become int so expression engines
// compare them as integers.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if v.n == math.Trunc(v.n) && math.Abs(v.n) < maxExactInt {
			return int(v.n)
		}
		return v.n
	case KindString:
		return v.s
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Native()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, f := range v.m {
			out[k] = f.Native()
		}
		return out
	}
	return nil
}

// NativeMap returns Native() for mappings and an empty map otherwise.
func (v Value) NativeMap() map[string]any {
	if m, ok := v.Native().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// FromNative converts decoded JSON/YAML data or engine results into a Value.
// Unknown types are round-tripped through encoding/json.
func FromNative(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case *Value:
		if t == nil {
			return Null()
		}
		return *t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case *big.Int:
		f, _ := new(big.Float).SetInt(t).Float64()
		return Number(f)
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return String(string(t))
		}
		return Number(f)
	case json.RawMessage:
		var out Value
		if err := json.Unmarshal(t, &out); err != nil {
			return String(string(t))
		}
		return out
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromNative(item)
		}
		return Value{kind: KindSequence, seq: items}
	case []Value:
		return Sequence(t...)
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return Value{kind: KindSequence, seq: items}
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, f := range t {
			fields[k] = FromNative(f)
		}
		return Value{kind: KindMapping, m: fields}
	case map[string]Value:
		return Mapping(t)
	case map[string]string:
		fields := make(map[string]Value, len(t))
		for k, f := range t {
			fields[k] = String(f)
		}
		return Value{kind: KindMapping, m: fields}
	case map[any]any:
		fields := make(map[string]Value, len(t))
		for k, f := range t {
			fields[fmt.Sprint(k)] = FromNative(f)
		}
		return Value{kind: KindMapping, m: fields}
	}
	return fromReflect(x)
}

func fromReflect(x any) Value {
	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null()
	}
	data, err := json.Marshal(x)
	if err != nil {
		return String(fmt.Sprint(x))
	}
	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		return String(string(data))
	}
	return out
}

// MarshalJSON encodes v as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.n) || math.IsInf(v.n, 0)) {
		return nil, fmt.Errorf("value: cannot encode non-finite number %v", v.n)
	}
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes any JSON document into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	*v = FromNative(x)
	return nil
}

// UnmarshalYAML decodes any YAML node into v.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var x any
	if err := node.Decode(&x); err != nil {
		return err
	}
	*v = FromNative(x)
	return nil
}

// String renders v as compact JSON.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

// Text renders strings raw and everything else as compact JSON.
func (v Value) Text() string {
	if v.kind == KindString {
		return v.s
	}
	if v.kind == KindNull {
		return ""
	}
	return v.String()
}
