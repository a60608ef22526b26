// Package peer implements the peer side of the frame protocol for
// peers written in Go, plus the handshake metadata shared with the
// host-side spawner.
package peer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Hello is the first protocol payload a peer emits after its dispatch
// loop starts: a RETURN frame at depth 0 whose payload is always JSON,
// independent of the session serializer, so the host can read it before
// the serializer identity is known.
type Hello struct {
	Lang       string `json:"lang"`
	Serializer string `json:"serializer"`
	Sentinel   string `json:"sentinel"`
	Version    int    `json:"version"`
}

// helloSchema validates the handshake object (JSON Schema Draft-7).
const helloSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["lang", "serializer", "sentinel", "version"],
	"properties": {
		"lang":       {"type": "string", "minLength": 1},
		"serializer": {"type": "string", "minLength": 1},
		"sentinel":   {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
		"version":    {"type": "integer", "minimum": 1}
	}
}`

var helloSchemaLoader = gojsonschema.NewStringLoader(helloSchema)

// ValidateHello parses and validates a handshake payload.
func ValidateHello(data []byte) (*Hello, error) {
	result, err := gojsonschema.Validate(helloSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("hello is not valid JSON: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("hello failed schema validation: %s", strings.Join(details, "; "))
	}

	var hello Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("hello unmarshal: %w", err)
	}
	return &hello, nil
}

// EncodeHello serializes a handshake object.
func EncodeHello(h *Hello) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("hello marshal: %w", err)
	}
	return data, nil
}
