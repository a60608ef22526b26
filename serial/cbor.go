package serial

import (
	cborlib "github.com/fxamacker/cbor/v2"
)

// CBORIdentity is the handshake token of the CBOR serializer, used by
// Go peers and any prelude that prefers a binary interior codec.
const CBORIdentity = "cbor"

// CBORSerializer encodes payloads as deterministic CBOR.
type CBORSerializer struct {
	enc cborlib.EncMode
	dec cborlib.DecMode
}

func init() {
	Register(NewCBORSerializer())
}

// NewCBORSerializer creates a CBOR serializer with core-deterministic
// encoding and string-keyed map decoding.
func NewCBORSerializer() CBORSerializer {
	enc, err := cborlib.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cborlib.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return CBORSerializer{enc: enc, dec: dec}
}

// Identity returns "cbor"
func (CBORSerializer) Identity() string { return CBORIdentity }

// Encode encodes a value as CBOR
func (s CBORSerializer) Encode(v interface{}) ([]byte, error) {
	data, err := s.enc.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Identity: s.Identity(), Err: err}
	}
	return data, nil
}

// Decode decodes a CBOR value
func (s CBORSerializer) Decode(data []byte) (interface{}, error) {
	var v interface{}
	if err := s.dec.Unmarshal(data, &v); err != nil {
		return nil, &DecodeError{Identity: s.Identity(), Err: err}
	}
	return normalizeCBOR(v), nil
}

// normalizeCBOR rewrites interface-keyed maps (the fxamacker default
// for untyped decoding) into string-keyed maps and widens integers to
// int64, matching the JSON serializer's value model.
func normalizeCBOR(v interface{}) interface{} {
	switch t := v.(type) {
	case uint64:
		return int64(t)
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				m[ks] = normalizeCBOR(val)
			}
		}
		return m
	case map[string]interface{}:
		for k := range t {
			t[k] = normalizeCBOR(t[k])
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = normalizeCBOR(t[i])
		}
		return t
	default:
		return v
	}
}
