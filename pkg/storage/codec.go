package storage

import (
	"bytes"
	"encoding/gob"
)

// EncodeGob serializes v for storage in the embedded key-value store or in
// a local event queue record.
func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeGob deserializes a value produced by EncodeGob into v.
func DecodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
