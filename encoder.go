package shelfq

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for task data and result serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using JSON.
// It uses standard library for encoding and sonic for decoding.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library. Values that are
// already JSON (json.RawMessage) pass through; nil encodes to nothing.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return x, nil
	}
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic. Empty input leaves v untouched.
func (*JSONEncoder) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, v)
}

// Decode is a typed helper handlers use to read their payload.
func Decode[T any](payload []byte) (T, error) {
	var v T
	err := (&JSONEncoder{}).Decode(payload, &v)
	return v, err
}
