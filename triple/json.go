package triple

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// kindNames/parseKind give Value's JSON encoding a stable textual tag
// instead of the raw Kind byte, so the on-disk property-bag encoding
// (used by the WAL's SetNodeProps/SetEdgeProps payloads and by the
// property store's disk pages) stays readable and forward-compatible.
var kindNames = [...]string{"null", "bool", "int", "float", "string", "bytes", "list", "map"}

func (k Kind) marshalName() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "null"
}

func parseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("triple: unknown value kind %q", s)
}

type wireValue struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes Value as {"k":<kind>,"v":<payload>} with the
// payload shape depending on kind.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{K: v.Kind.marshalName()}
	var raw interface{}
	switch v.Kind {
	case KindNull:
		return json.Marshal(w)
	case KindBool:
		raw = v.Bool
	case KindInt:
		raw = v.Int
	case KindFloat:
		raw = v.Float
	case KindString:
		raw = v.Str
	case KindBytes:
		raw = v.Bytes
	case KindList:
		raw = v.List
	case KindMap:
		raw = v.Map
	default:
		return nil, fmt.Errorf("triple: invalid value kind %d", v.Kind)
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	w.V = payload
	return json.Marshal(w)
}

// UnmarshalJSON decodes the MarshalJSON encoding.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := parseKind(w.K)
	if err != nil {
		return err
	}
	*v = Value{Kind: kind}
	switch kind {
	case KindNull:
		return nil
	case KindBool:
		return json.Unmarshal(w.V, &v.Bool)
	case KindInt:
		return json.Unmarshal(w.V, &v.Int)
	case KindFloat:
		return json.Unmarshal(w.V, &v.Float)
	case KindString:
		return json.Unmarshal(w.V, &v.Str)
	case KindBytes:
		return json.Unmarshal(w.V, &v.Bytes)
	case KindList:
		return json.Unmarshal(w.V, &v.List)
	case KindMap:
		return json.Unmarshal(w.V, &v.Map)
	}
	return nil
}

// MarshalBag encodes a Bag to JSON bytes, distinguishing a nil (missing)
// bag from an empty one: nil marshals to the JSON literal null.
func MarshalBag(b Bag) ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]Value(b))
}

// UnmarshalBag decodes MarshalBag's output. A JSON null decodes to a nil
// Bag (missing), distinct from `{}` which decodes to a non-nil empty Bag.
func UnmarshalBag(data []byte) (Bag, error) {
	if string(data) == "null" {
		return nil, nil
	}
	var m map[string]Value
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]Value{}
	}
	return Bag(m), nil
}
