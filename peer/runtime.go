package peer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/machinefabric/replbond-go/serial"
	"github.com/machinefabric/replbond-go/wire"
)

// Thunk is an exported host function as seen from peer code.
type Thunk func(args []interface{}) (interface{}, error)

// Evaluator is the language backend a Runtime drives. Implementations
// hold one persistent global scope for the life of the session.
type Evaluator interface {
	// Eval evaluates a source expression and returns its value.
	Eval(src string) (interface{}, error)
	// Exec executes source statements for side effect.
	Exec(src string) error
	// Call invokes a named function defined in the global scope.
	Call(name string, args []interface{}) (interface{}, error)
	// Define installs a thunk under a name in the global scope.
	Define(name string, fn Thunk) error
	// SetOutput redirects the scope's stdout and stderr.
	SetOutput(stdout, stderr io.Writer)
}

// HostCallError is raised in peer code when an exported host function
// terminated with an exception. Data carries the structured exception
// object under transparent exceptions, the message string otherwise.
type HostCallError struct {
	Data interface{}
}

func (e *HostCallError) Error() string {
	if s, ok := e.Data.(string); ok {
		return s
	}
	return fmt.Sprintf("host call failed: %v", e.Data)
}

// RaisedError is an exception raised by peer code that carries an
// explicit structured form for transparent propagation to the host.
type RaisedError struct {
	Message string
	Data    interface{}
}

func (e *RaisedError) Error() string { return e.Message }

// errShutdown unwinds the dispatch stack after a BYE frame.
var errShutdown = errors.New("session terminated")

// DefaultSentinel is the reserved name guarding the runtime's own
// namespace. Peers may override it; the host learns it from the hello.
const DefaultSentinel = "__GOBOND"

// Runtime implements the peer side of the re-entrant dialogue: a
// dispatch loop that serves EVAL/EVAL_BLOCK/CALL/EXPORT requests and,
// while an exported host function is being awaited, recursively serves
// further requests at the nested depth.
type Runtime struct {
	ev          Evaluator
	ser         serial.Serializer
	lang        string
	sentinel    string
	transExcept bool
	limits      wire.Limits

	depth  int
	reader *bufio.Reader
	writer io.Writer
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLang sets the language token announced in the hello.
func WithLang(lang string) RuntimeOption {
	return func(rt *Runtime) { rt.lang = lang }
}

// WithSentinel overrides the reserved sentinel name.
func WithSentinel(sentinel string) RuntimeOption {
	return func(rt *Runtime) { rt.sentinel = sentinel }
}

// WithSerializer picks the session serializer the runtime announces.
func WithSerializer(s serial.Serializer) RuntimeOption {
	return func(rt *Runtime) { rt.ser = s }
}

// WithTransparentExceptions controls whether peer exceptions propagate
// structurally or as message strings.
func WithTransparentExceptions(trans bool) RuntimeOption {
	return func(rt *Runtime) { rt.transExcept = trans }
}

// NewRuntime creates a peer runtime over the given evaluator.
func NewRuntime(ev Evaluator, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		ev:          ev,
		ser:         serial.JSONSerializer{},
		lang:        "go",
		sentinel:    DefaultSentinel,
		transExcept: true,
		limits:      wire.DefaultLimits(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Run speaks the protocol on the given streams until BYE or EOF. The
// first frame sent is the hello RETURN at depth 0; from then on the
// runtime is strictly reactive.
func (rt *Runtime) Run(r io.Reader, w io.Writer) error {
	rt.reader = bufio.NewReaderSize(r, 64*1024)
	rt.writer = w

	rt.ev.SetOutput(
		&streamEmitter{rt: rt, code: wire.CodeOutput},
		&streamEmitter{rt: rt, code: wire.CodeStderr},
	)

	hello, err := EncodeHello(&Hello{
		Lang:       rt.lang,
		Serializer: rt.ser.Identity(),
		Sentinel:   rt.sentinel,
		Version:    wire.ProtocolVersion,
	})
	if err != nil {
		return err
	}
	if err := rt.sendFrame(wire.NewReturn(0, hello)); err != nil {
		return err
	}

	for {
		f, err := rt.recvFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch {
		case f.Code.IsRequest():
			if err := rt.dispatch(f); err != nil {
				if errors.Is(err, errShutdown) {
					return nil
				}
				return err
			}
		case f.Code == wire.CodeBye:
			rt.sendFrame(wire.NewBye())
			return nil
		default:
			if err := rt.protocolError(f.Depth, fmt.Errorf("unexpected frame %s at top level", f.Code)); err != nil {
				return err
			}
		}
	}
}

// Depth returns the current dispatch nesting level.
func (rt *Runtime) Depth() int { return rt.depth }

// CallHost invokes an exported host function while serving a request:
// it sends a CALL frame one level deeper and runs a nested recv loop
// until the matching terminal, recursively serving any request frames
// that arrive in between.
func (rt *Runtime) CallHost(name string, args []interface{}) (interface{}, error) {
	payload, err := serial.EncodeCall(rt.ser, name, args)
	if err != nil {
		return nil, err
	}
	if err := rt.sendFrame(wire.NewCall(rt.depth, payload)); err != nil {
		return nil, err
	}

	for {
		f, err := rt.recvFrame()
		if err != nil {
			return nil, err
		}

		switch {
		case f.Code == wire.CodeReturn:
			v, err := rt.ser.Decode(f.Payload)
			if err != nil {
				return nil, err
			}
			return v, nil
		case f.Code == wire.CodeExcept:
			data, err := rt.ser.Decode(f.Payload)
			if err != nil {
				data = string(f.Payload)
			}
			return nil, &HostCallError{Data: data}
		case f.Code.IsRequest():
			if err := rt.dispatch(f); err != nil {
				return nil, err
			}
		case f.Code == wire.CodeBye:
			rt.sendFrame(wire.NewBye())
			return nil, errShutdown
		default:
			return nil, fmt.Errorf("unexpected frame %s while awaiting call result", f.Code)
		}
	}
}

// dispatch serves one request frame and always answers it with exactly
// one terminal frame, keeping the depth loop balanced.
func (rt *Runtime) dispatch(f *wire.Frame) error {
	rt.depth++
	defer func() { rt.depth-- }()

	switch f.Code {
	case wire.CodeEval:
		src, err := rt.decodeSource(f.Payload)
		if err != nil {
			return rt.protocolError(f.Depth, err)
		}
		if strings.TrimSpace(src) == rt.sentinel {
			return rt.execError(f.Depth, fmt.Errorf("name %q is reserved", rt.sentinel))
		}
		v, err := rt.ev.Eval(src)
		if err != nil {
			return rt.execError(f.Depth, err)
		}
		return rt.returnValue(f.Depth, v)

	case wire.CodeEvalBlock:
		src, err := rt.decodeSource(f.Payload)
		if err != nil {
			return rt.protocolError(f.Depth, err)
		}
		if err := rt.ev.Exec(src); err != nil {
			return rt.execError(f.Depth, err)
		}
		return rt.returnValue(f.Depth, nil)

	case wire.CodeCall:
		name, args, err := serial.DecodeCall(rt.ser, f.Payload)
		if err != nil {
			return rt.protocolError(f.Depth, err)
		}
		if name == "repl_depth" {
			return rt.returnValue(f.Depth, rt.depth)
		}
		v, err := rt.ev.Call(name, args)
		if err != nil {
			return rt.execError(f.Depth, err)
		}
		return rt.returnValue(f.Depth, v)

	case wire.CodeExport:
		name, err := rt.decodeSource(f.Payload)
		if err != nil {
			return rt.protocolError(f.Depth, err)
		}
		if name == rt.sentinel {
			return rt.protocolError(f.Depth, fmt.Errorf("cannot export reserved name %q", name))
		}
		exported := name
		thunk := func(args []interface{}) (interface{}, error) {
			return rt.CallHost(exported, args)
		}
		if err := rt.ev.Define(name, thunk); err != nil {
			return rt.execError(f.Depth, err)
		}
		return rt.returnValue(f.Depth, nil)
	}

	return rt.protocolError(f.Depth, fmt.Errorf("unhandled request %s", f.Code))
}

// returnValue answers with RETURN, degrading to a terminal EXCEPT when
// the session serializer cannot represent the value.
func (rt *Runtime) returnValue(depth int, v interface{}) error {
	payload, err := rt.ser.Encode(v)
	if err != nil {
		var encErr *serial.EncodeError
		if errors.As(err, &encErr) {
			return rt.serializationError(depth, err)
		}
		return err
	}
	return rt.sendFrame(wire.NewReturn(depth, payload))
}

// execError answers with a terminal ERROR carrying the exception in
// its transparent or opaque form.
func (rt *Runtime) execError(depth int, cause error) error {
	if errors.Is(cause, errShutdown) {
		return errShutdown
	}
	data := rt.exceptionData(cause)
	payload, err := rt.ser.Encode(data)
	if err != nil {
		return rt.serializationError(depth, err)
	}
	return rt.sendFrame(wire.NewError(depth, payload))
}

// serializationError answers with a terminal EXCEPT: the peer failed to
// serialize a value or exception. The payload carries the message as a
// plain serialized string, which cannot itself fail.
func (rt *Runtime) serializationError(depth int, cause error) error {
	payload, err := rt.ser.Encode(cause.Error())
	if err != nil {
		payload = []byte(cause.Error())
	}
	return rt.sendFrame(wire.NewExcept(depth, payload))
}

// protocolError answers with a terminal ERROR carrying a plain message.
func (rt *Runtime) protocolError(depth int, cause error) error {
	payload, err := rt.ser.Encode(cause.Error())
	if err != nil {
		payload = []byte(cause.Error())
	}
	return rt.sendFrame(wire.NewError(depth, payload))
}

// exceptionData picks the wire form of a peer exception.
func (rt *Runtime) exceptionData(cause error) interface{} {
	if !rt.transExcept {
		return cause.Error()
	}
	var raised *RaisedError
	if errors.As(cause, &raised) && raised.Data != nil {
		return raised.Data
	}
	var hostErr *HostCallError
	if errors.As(cause, &hostErr) {
		return hostErr.Data
	}
	return map[string]interface{}{
		"type":    reflect.TypeOf(cause).String(),
		"message": cause.Error(),
	}
}

// decodeSource decodes a payload expected to hold a single string.
func (rt *Runtime) decodeSource(payload []byte) (string, error) {
	v, err := rt.ser.Decode(payload)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("payload is not a string: %T", v)
	}
	return s, nil
}

func (rt *Runtime) sendFrame(f *wire.Frame) error {
	line := wire.EncodeLine(f)
	if len(line) > rt.limits.MaxLine {
		return fmt.Errorf("encoded frame length %d exceeds max line %d", len(line), rt.limits.MaxLine)
	}
	if _, err := rt.writer.Write(line); err != nil {
		return fmt.Errorf("peer write: %w", err)
	}
	return nil
}

// recvFrame reads lines until one decodes as a frame. The host never
// emits chatter, so a malformed line is answered with ERROR and
// skipped.
func (rt *Runtime) recvFrame() (*wire.Frame, error) {
	for {
		line, err := rt.reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 && errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			if err != nil {
				return nil, io.EOF
			}
			continue
		}
		f, derr := wire.DecodeLine(line)
		if derr != nil {
			if perr := rt.protocolError(0, derr); perr != nil {
				return nil, perr
			}
			continue
		}
		return f, nil
	}
}

// streamEmitter turns evaluator output writes into OUTPUT/STDERR
// side-channel frames at the current depth.
type streamEmitter struct {
	rt   *Runtime
	code wire.Code
}

func (e *streamEmitter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	f := &wire.Frame{Code: e.code, Depth: e.rt.depth, Payload: chunk}
	if err := e.rt.sendFrame(f); err != nil {
		return 0, err
	}
	return len(p), nil
}
