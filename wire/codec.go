package wire

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
)

// CodecError represents a line that does not match the frame grammar.
// The Channel treats such lines as interpreter chatter rather than a
// protocol violation; the reason is kept for diagnostics.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec error: %s", e.Reason)
}

// EncodeLine encodes a frame as a single LF-terminated ASCII line:
//
//	CODE SP DEPTH SP PAYLOAD LF
//
// The payload is base-64; an empty payload drops the third field
// entirely so no trailing space is emitted.
func EncodeLine(f *Frame) []byte {
	tag := f.Code.String()
	depth := strconv.Itoa(f.Depth)

	if len(f.Payload) == 0 {
		line := make([]byte, 0, len(tag)+1+len(depth)+1)
		line = append(line, tag...)
		line = append(line, ' ')
		line = append(line, depth...)
		line = append(line, '\n')
		return line
	}

	enc := base64.StdEncoding
	line := make([]byte, 0, len(tag)+1+len(depth)+1+enc.EncodedLen(len(f.Payload))+1)
	line = append(line, tag...)
	line = append(line, ' ')
	line = append(line, depth...)
	line = append(line, ' ')
	payloadOff := len(line)
	line = line[:payloadOff+enc.EncodedLen(len(f.Payload))]
	enc.Encode(line[payloadOff:], f.Payload)
	line = append(line, '\n')
	return line
}

// DecodeLine decodes one line (without the trailing LF) into a frame.
// Both the two-field form (empty payload) and the three-field form are
// accepted. Unknown codes, malformed depth, and malformed base-64 all
// return a *CodecError.
func DecodeLine(line []byte) (*Frame, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, &CodecError{Reason: "empty line"}
	}

	fields := bytes.SplitN(line, []byte{' '}, 3)
	if len(fields) < 2 {
		return nil, &CodecError{Reason: "missing depth field"}
	}

	code, ok := ParseCode(string(fields[0]))
	if !ok {
		return nil, &CodecError{Reason: fmt.Sprintf("unknown code %q", fields[0])}
	}

	depth, err := strconv.Atoi(string(fields[1]))
	if err != nil || depth < 0 {
		return nil, &CodecError{Reason: fmt.Sprintf("bad depth %q", fields[1])}
	}

	var payload []byte
	if len(fields) == 3 && len(fields[2]) > 0 {
		payload = make([]byte, base64.StdEncoding.DecodedLen(len(fields[2])))
		n, err := base64.StdEncoding.Decode(payload, fields[2])
		if err != nil {
			return nil, &CodecError{Reason: fmt.Sprintf("bad base64 payload: %v", err)}
		}
		payload = payload[:n]
	}

	return &Frame{Code: code, Depth: depth, Payload: payload}, nil
}
