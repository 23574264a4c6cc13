package api

import (
	"encoding/json"
	"fmt"
)

// Encode turns a Go value into the JSON form stored in history.
// json.RawMessage and []byte holding JSON pass through unchanged; nil
// encodes to an empty payload.
func Encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Decode unmarshals a stored payload into out. An empty payload leaves out
// untouched.
func Decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
