package txn

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Transcoder turns application values into document bodies and back. The
// transaction layer never looks inside the bytes it produces.
type Transcoder interface {
	Encode(value interface{}) ([]byte, error)
	Decode(body []byte, out interface{}) error
}

// JSONTranscoder encodes values with encoding/json.
type JSONTranscoder struct{}

func (JSONTranscoder) Encode(value interface{}) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func (JSONTranscoder) Decode(body []byte, out interface{}) error {
	return json.Unmarshal(body, out)
}

// RawBinaryTranscoder passes []byte through untouched.
type RawBinaryTranscoder struct{}

var errNotBinary = errors.New("raw binary transcoder only handles []byte")

func (RawBinaryTranscoder) Encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case *[]byte:
		return *v, nil
	default:
		return nil, fmt.Errorf("%w: got %T", errNotBinary, value)
	}
}

func (RawBinaryTranscoder) Decode(body []byte, out interface{}) error {
	p, ok := out.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: got %T", errNotBinary, out)
	}
	*p = append((*p)[:0], body...)
	return nil
}
