package stepflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes checkpoints for a backend. Implementations must
// round-trip state values byte-for-byte.
type Codec interface {
	Name() string
	Marshal(cp *Checkpoint) ([]byte, error)
	Unmarshal(data []byte, cp *Checkpoint) error
}

// JSONCodec encodes checkpoints as compact JSON
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(cp *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, cp *Checkpoint) error {
	if err := json.Unmarshal(data, cp); err != nil {
		return fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return nil
}

// MsgpackCodec encodes checkpoints as MessagePack. Struct fields use their
// json tag names and map keys are sorted so output is deterministic.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(cp *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(cp); err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, cp *Checkpoint) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(cp); err != nil {
		return fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return nil
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint codec %q", name)
	}
}
