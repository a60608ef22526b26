package serial

import (
	"bytes"
	"encoding/json"
)

// JSONIdentity is the handshake token of the JSON serializer. It is the
// codec picked by the shipped interpreter preludes.
const JSONIdentity = "json"

// JSONSerializer encodes payloads as compact JSON. Integral numbers
// decode as int64 and all other numbers as float64, so integer values
// round-trip exactly.
type JSONSerializer struct{}

func init() {
	Register(JSONSerializer{})
}

// Identity returns "json"
func (JSONSerializer) Identity() string { return JSONIdentity }

// Encode encodes a value as JSON
func (s JSONSerializer) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Identity: s.Identity(), Err: err}
	}
	return data, nil
}

// Decode decodes a JSON value
func (s JSONSerializer) Decode(data []byte) (interface{}, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Identity: s.Identity(), Err: err}
	}
	return normalizeNumbers(v), nil
}

// normalizeNumbers converts json.Number leaves to int64 when integral,
// float64 otherwise, so values compare naturally in host code.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	default:
		return v
	}
}
