package wire

import "fmt"

// Protocol version spoken by both sides. Carried in the peer hello.
const ProtocolVersion = 1

// Code represents the type of a protocol frame
type Code uint8

const (
	CodeEval Code = iota
	CodeEvalBlock
	CodeCall
	CodeExport
	CodeReturn
	CodeExcept
	CodeError
	CodeBye
	CodeOutput
	CodeStderr
)

// wireTags maps codes to their ASCII wire tags. The tag set is fixed;
// a line whose first field is not one of these is interpreter chatter.
var wireTags = map[Code]string{
	CodeEval:      "EVAL",
	CodeEvalBlock: "EVAL_BLOCK",
	CodeCall:      "CALL",
	CodeExport:    "EXPORT",
	CodeReturn:    "RETURN",
	CodeExcept:    "EXCEPT",
	CodeError:     "ERROR",
	CodeBye:       "BYE",
	CodeOutput:    "OUTPUT",
	CodeStderr:    "STDERR",
}

var tagCodes = func() map[string]Code {
	m := make(map[string]Code, len(wireTags))
	for code, tag := range wireTags {
		m[tag] = code
	}
	return m
}()

// String returns the wire tag for the code
func (c Code) String() string {
	if tag, ok := wireTags[c]; ok {
		return tag
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
}

// ParseCode maps a wire tag back to its Code.
// Returns false for any tag outside the protocol.
func ParseCode(tag string) (Code, bool) {
	code, ok := tagCodes[tag]
	return code, ok
}

// IsTerminal reports whether the code can end an outstanding request.
func (c Code) IsTerminal() bool {
	switch c {
	case CodeReturn, CodeExcept, CodeError, CodeBye:
		return true
	default:
		return false
	}
}

// IsRequest reports whether the code opens a new dispatch on the receiver.
func (c Code) IsRequest() bool {
	switch c {
	case CodeEval, CodeEvalBlock, CodeCall, CodeExport:
		return true
	default:
		return false
	}
}

// Frame is one protocol line: (code, depth, payload).
// Depth is the sender's re-entrancy level; Payload is the raw byte blob
// whose interior encoding belongs to the session serializer (or, for
// OUTPUT/STDERR frames, the captured stream bytes themselves).
type Frame struct {
	Code    Code
	Depth   int
	Payload []byte
}

func newFrame(code Code, depth int, payload []byte) *Frame {
	return &Frame{Code: code, Depth: depth, Payload: payload}
}

// NewEval creates an EVAL request frame
func NewEval(depth int, payload []byte) *Frame {
	return newFrame(CodeEval, depth, payload)
}

// NewEvalBlock creates an EVAL_BLOCK request frame
func NewEvalBlock(depth int, payload []byte) *Frame {
	return newFrame(CodeEvalBlock, depth, payload)
}

// NewCall creates a CALL frame (host→peer invocation or peer→host call-in)
func NewCall(depth int, payload []byte) *Frame {
	return newFrame(CodeCall, depth, payload)
}

// NewExport creates an EXPORT request frame
func NewExport(depth int, payload []byte) *Frame {
	return newFrame(CodeExport, depth, payload)
}

// NewReturn creates a RETURN terminal frame
func NewReturn(depth int, payload []byte) *Frame {
	return newFrame(CodeReturn, depth, payload)
}

// NewExcept creates an EXCEPT frame carrying a serialized exception
func NewExcept(depth int, payload []byte) *Frame {
	return newFrame(CodeExcept, depth, payload)
}

// NewError creates an ERROR terminal frame
func NewError(depth int, payload []byte) *Frame {
	return newFrame(CodeError, depth, payload)
}

// NewBye creates a BYE frame
func NewBye() *Frame {
	return newFrame(CodeBye, 0, nil)
}

// NewOutput creates an OUTPUT side-channel frame carrying raw stream bytes
func NewOutput(depth int, chunk []byte) *Frame {
	return newFrame(CodeOutput, depth, chunk)
}

// NewStderr creates a STDERR side-channel frame carrying raw stream bytes
func NewStderr(depth int, chunk []byte) *Frame {
	return newFrame(CodeStderr, depth, chunk)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s depth=%d payload=%dB", f.Code, f.Depth, len(f.Payload))
}
