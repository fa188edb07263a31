package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is an encoded, immutable state value. The bytes are compact JSON and
// are written into checkpoints verbatim so restored values are byte-for-byte
// identical to what was committed.
type Value []byte

// Null is the encoded JSON null.
var Null = Value("null")

// Encode converts v into a Value. Pre-encoded input (Value or
// json.RawMessage) is validated and normalized to compact form.
func Encode(v any) (Value, error) {
	switch t := v.(type) {
	case Value:
		return Encode(json.RawMessage(t))
	case json.RawMessage:
		if t == nil {
			return Null, nil
		}
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("state: encode value: %w", err)
		}
		return Value(data), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state: encode value: %w", err)
	}
	return Value(data), nil
}

// MustEncode is like Encode but panics on error. Intended for tests and
// static values.
func MustEncode(v any) Value {
	value, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return value
}

// Decode unmarshals the value into the given pointer.
func (v Value) Decode(into any) error {
	if len(v) == 0 {
		return nil
	}
	if err := json.Unmarshal(v, into); err != nil {
		return fmt.Errorf("state: decode value: %w", err)
	}
	return nil
}

// Interface decodes the value into generic Go types (maps, slices, float64,
// string, bool, nil).
func (v Value) Interface() (any, error) {
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsNull reports whether the value is empty or JSON null.
func (v Value) IsNull() bool {
	return len(v) == 0 || bytes.Equal(v, Null)
}

// Equal reports whether two values have identical encodings.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v, other)
}

// Clone returns a copy that does not share the underlying array.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	return append(Value(nil), v...)
}

func (v Value) String() string {
	return string(v)
}

// MarshalJSON writes the encoded bytes unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return Null, nil
	}
	return v, nil
}

// UnmarshalJSON stores a copy of the raw bytes.
func (v *Value) UnmarshalJSON(data []byte) error {
	if v == nil {
		return fmt.Errorf("state: UnmarshalJSON on nil pointer")
	}
	*v = append((*v)[:0], data...)
	return nil
}
