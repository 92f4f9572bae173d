// Package triple holds the types shared by every storage layer: the
// unified property value, the triple itself, and the keys used to address
// node and edge property bags. Every layer above the dictionary works in
// terms of these types instead of keeping its own parallel copies.
package triple

import (
	"fmt"
	"sort"
)

// Kind identifies which arm of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

// Value is the property-bag value sum type: null, bool, integer, float,
// string, bytes, list-of-value, or map-of-string->value. Exactly one of
// the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	List  []Value
	Map   map[string]Value
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func List(v ...Value) Value      { return Value{Kind: KindList, List: v} }
func Map(m map[string]Value) Value {
	return Value{Kind: KindMap, Map: m}
}

// IsNull reports whether v is the null value (the zero Value is null).
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal does a deep structural comparison, used by index diffing
// (old-vs-new property value) and by round-trip tests.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, mv := range v.Map {
			ov, ok := o.Map[k]
			if !ok || !mv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.Bytes))
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.List))
	case KindMap:
		return fmt.Sprintf("map(%d)", len(v.Map))
	}
	return "?"
}

// Bag is a property bag: missing (nil) is distinct from empty (non-nil,
// zero-length) per the data model.
type Bag map[string]Value

// Clone returns a copy of the bag's top-level map, so setting or
// deleting keys on the copy leaves b unchanged. List, Map and Bytes
// values inside are not copied and still share storage with b.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// IndexKey returns a deterministic string encoding of v suitable for use
// as a map key, used by the property value index to key on
// (propertyName, value) pairs. Two equal values always produce the same
// key; the encoding itself is not meant to be human-readable.
func (v Value) IndexKey() string {
	switch v.Kind {
	case KindNull:
		return "n:"
	case KindBool:
		if v.Bool {
			return "b:1"
		}
		return "b:0"
	case KindInt:
		return "i:" + fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return "f:" + fmt.Sprintf("%g", v.Float)
	case KindString:
		return "s:" + v.Str
	case KindBytes:
		return "y:" + string(v.Bytes)
	case KindList:
		out := "l:["
		for i, e := range v.List {
			if i > 0 {
				out += ","
			}
			out += e.IndexKey()
		}
		return out + "]"
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "m:{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += k + "=" + v.Map[k].IndexKey()
		}
		return out + "}"
	}
	return "?:"
}

// LabelsKey is the reserved property key whose value is a list of label
// strings, maintained in parallel by the label index.
const LabelsKey = "labels"

// Labels extracts the `labels` property as a string slice, or nil if
// absent or malformed.
func (b Bag) Labels() []string {
	v, ok := b[LabelsKey]
	if !ok || v.Kind != KindList {
		return nil
	}
	out := make([]string, 0, len(v.List))
	for _, e := range v.List {
		if e.Kind == KindString {
			out = append(out, e.Str)
		}
	}
	return out
}
