// Package serial implements the interior payload codecs of the frame
// protocol. The peer picks a serializer identity at handshake; both
// sides must resolve the same identity to compatible codecs.
package serial

import (
	"fmt"
	"sort"
	"sync"
)

// Serializer encodes and decodes the value payloads carried inside
// base-64 frame lines.
type Serializer interface {
	// Identity returns the opaque token exchanged at handshake.
	Identity() string
	// Encode encodes a value. Unsupported values return *EncodeError.
	Encode(v interface{}) ([]byte, error)
	// Decode decodes a value. Malformed input returns *DecodeError.
	Decode(data []byte) (interface{}, error)
}

// EncodeError marks a value the serializer cannot represent.
type EncodeError struct {
	Identity string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%s encode: %v", e.Identity, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError marks payload bytes the serializer cannot interpret.
type DecodeError struct {
	Identity string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode: %v", e.Identity, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Serializer)
)

// Register installs a serializer under its identity token.
// Re-registration replaces the prior entry.
func Register(s Serializer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Identity()] = s
}

// Lookup resolves a serializer identity announced by a peer.
func Lookup(identity string) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if s, ok := registry[identity]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown serializer identity %q (known: %v)", identity, identitiesLocked())
}

// Identities lists the registered serializer identity tokens.
func Identities() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return identitiesLocked()
}

func identitiesLocked() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EncodeCall encodes a CALL payload: a two-element tuple of function
// name and argument list.
func EncodeCall(s Serializer, name string, args []interface{}) ([]byte, error) {
	if args == nil {
		args = []interface{}{}
	}
	return s.Encode([]interface{}{name, args})
}

// DecodeCall decodes a CALL payload back into (name, args).
func DecodeCall(s Serializer, data []byte) (string, []interface{}, error) {
	v, err := s.Decode(data)
	if err != nil {
		return "", nil, err
	}
	tuple, ok := v.([]interface{})
	if !ok || len(tuple) != 2 {
		return "", nil, &DecodeError{Identity: s.Identity(), Err: fmt.Errorf("call payload is not a (name, args) pair: %T", v)}
	}
	name, ok := tuple[0].(string)
	if !ok {
		return "", nil, &DecodeError{Identity: s.Identity(), Err: fmt.Errorf("call name is not a string: %T", tuple[0])}
	}
	args, err := asList(tuple[1])
	if err != nil {
		return "", nil, &DecodeError{Identity: s.Identity(), Err: err}
	}
	return name, args, nil
}

func asList(v interface{}) ([]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if list, ok := v.([]interface{}); ok {
		return list, nil
	}
	return nil, fmt.Errorf("call args are not a list: %T", v)
}
