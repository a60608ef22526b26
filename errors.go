// Package replbond bridges a host program with interpreter child
// processes, enabling bidirectional remote evaluation over a
// newline-framed, re-entrant request/response protocol spoken on the
// child's stdin/stdout.
package replbond

import "fmt"

// SideLocal and SideRemote identify which end of the bond failed to
// serialize a value or exception.
const (
	SideLocal  = "local"
	SideRemote = "remote"
)

// SerializationFailureLocal is the degradation marker sent to the peer
// when the host cannot encode a call-in result or exception.
const SerializationFailureLocal = "SerializationException:local"

// SpawnError represents a launch or handshake failure. No Bond exists
// after a SpawnError; the child, if it ever started, has been reaped.
type SpawnError struct {
	Message string
	Tail    string // recent interpreter chatter, for diagnostics
	Err     error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("spawn failed: %s", e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Tail != "" {
		msg = fmt.Sprintf("%s (last output: %q)", msg, e.Tail)
	}
	return msg
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminatedError means the session is Closed: after BYE, a fatal I/O
// error, a recv timeout, or child death. Every further operation on the
// Bond returns a TerminatedError.
type TerminatedError struct {
	Reason string
	Err    error
}

func (e *TerminatedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session terminated: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session terminated: %s", e.Reason)
}

func (e *TerminatedError) Unwrap() error { return e.Err }

// RemoteError carries a peer-side exception raised during an EVAL,
// EVAL_BLOCK or CALL. Data is the structured exception object under
// transparent exceptions, the printable message otherwise. The session
// stays usable after a RemoteError.
type RemoteError struct {
	Depth int
	Data  interface{}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote exception: %v", e.Data)
}

// SerializationError means encoding or decoding of a value or exception
// failed. Side distinguishes where: SideLocal for the host's own
// serializer, SideRemote when the peer reported the failure. The
// session stays usable.
type SerializationError struct {
	Side    string
	Message string
	Err     error
}

func (e *SerializationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("serialization failed (side=%s): %s", e.Side, e.Message)
	}
	return fmt.Sprintf("serialization failed (side=%s): %v", e.Side, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ExportError is a local, pre-wire registration failure: an invalid or
// reserved name, a collision, or a handler whose name cannot be
// introspected. No protocol frame has been consumed.
type ExportError struct {
	Name   string
	Reason string
}

func (e *ExportError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("cannot export %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("cannot export: %s", e.Reason)
}
