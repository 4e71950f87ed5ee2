package jobs

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for payload and result serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using JSON.
// It uses standard library for encoding and sonic for decoding.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// encodeValue passes raw bytes through untouched and encodes anything else.
func encodeValue(enc Encoder, v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return enc.Encode(v)
	}
}

// encodeResult encodes a handler return value for storage as JSON result data.
// Output that is not valid JSON, for example from a custom Encoder, is stored
// as a JSON string.
func encodeResult(enc Encoder, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if data, err = enc.Encode(v); err != nil {
			return nil, err
		}
	}
	if len(data) > 0 && !json.Valid(data) {
		return json.Marshal(string(data))
	}
	return data, nil
}
