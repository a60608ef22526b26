package replbond

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/machinefabric/replbond-go/serial"
	"github.com/machinefabric/replbond-go/wire"
)

// Bond is one active session: the host driver plus one peer speaking
// the frame protocol at the far end of a byte stream, usually a child
// interpreter process. A Bond is single-threaded cooperative: it must
// be used by at most one goroutine at a time, and the driver owns the
// conversation except while a call-in is being served.
type Bond struct {
	id   uuid.UUID
	lang string

	ch    *wire.Channel
	cmd   *exec.Cmd
	ptmx  *os.File
	stdin io.Closer
	rdEnd *os.File

	ser      serial.Serializer
	trans    bool
	exports  *exportsRegistry
	sentinel string

	depth  int
	closed bool

	logger hclog.Logger
}

// ID returns the session identifier used in log records.
func (b *Bond) ID() string { return b.id.String() }

// Lang returns the peer language announced at handshake.
func (b *Bond) Lang() string { return b.lang }

// Serializer returns the serializer identity chosen at handshake.
func (b *Bond) Serializer() string { return b.ser.Identity() }

// Eval evaluates a source expression in the peer and returns its value.
func (b *Bond) Eval(src string) (interface{}, error) {
	payload, err := b.encode(src)
	if err != nil {
		return nil, err
	}
	return b.roundTrip(wire.NewEval(b.depth, payload), false)
}

// EvalBlock executes source statements in the peer's global scope.
// Definitions persist for the life of the Bond.
func (b *Bond) EvalBlock(src string) error {
	payload, err := b.encode(src)
	if err != nil {
		return err
	}
	_, err = b.roundTrip(wire.NewEvalBlock(b.depth, payload), true)
	return err
}

// Call invokes a function defined in the peer with the given arguments.
func (b *Bond) Call(name string, args ...interface{}) (interface{}, error) {
	payload, err := serial.EncodeCall(b.ser, name, args)
	if err != nil {
		return nil, &SerializationError{Side: SideLocal, Err: err}
	}
	return b.roundTrip(wire.NewCall(b.depth, payload), false)
}

// Callable returns a closure invoking the named peer function.
func (b *Bond) Callable(name string) func(args ...interface{}) (interface{}, error) {
	return func(args ...interface{}) (interface{}, error) {
		return b.Call(name, args...)
	}
}

// ReplDepth reports the peer's current re-entrancy depth via the
// prelude-provided repl_depth builtin. A healthy idle session reports 1
// (the depth of the call itself).
func (b *Bond) ReplDepth() (int, error) {
	v, err := b.Call("repl_depth")
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("repl_depth returned %T", v)
	}
}

// Export registers a host function under the given name and installs a
// thunk for it in the peer's scope. An empty name uses the handler's
// introspected identifier. Invalid names and collisions fail locally
// before any frame is sent; the prior entry stays active on collision.
func (b *Bond) Export(fn ExportedFunc, name string) error {
	if name == "" {
		introspected, err := introspectName(fn)
		if err != nil {
			return err
		}
		name = introspected
	}
	if err := b.exports.validate(name); err != nil {
		return err
	}

	payload, err := b.encode(name)
	if err != nil {
		return err
	}
	if _, err := b.roundTrip(wire.NewExport(b.depth, payload), true); err != nil {
		return err
	}
	return b.exports.add(name, fn)
}

// roundTrip issues one request frame and consumes frames until a
// terminal one arrives, serving intervening call-ins at their depth.
// OUTPUT and STDERR frames never surface here; the Channel routes them
// to the sinks in arrival order.
func (b *Bond) roundTrip(req *wire.Frame, void bool) (interface{}, error) {
	if b.closed {
		return nil, &TerminatedError{Reason: "bond is closed"}
	}

	if b.logger.IsTrace() {
		b.logger.Trace("send", "bond", b.id, "frame", req.String())
	}
	if err := b.ch.SendFrame(req); err != nil {
		return nil, b.fatal("write failed", err)
	}

	for {
		f, err := b.ch.RecvFrame()
		if err != nil {
			return nil, b.fatal("read failed", err)
		}
		if b.logger.IsTrace() {
			b.logger.Trace("recv", "bond", b.id, "frame", f.String())
		}

		switch f.Code {
		case wire.CodeReturn:
			if void {
				return nil, nil
			}
			value, derr := b.ser.Decode(f.Payload)
			if derr != nil {
				return nil, &SerializationError{Side: SideLocal, Err: derr}
			}
			return value, nil

		case wire.CodeError:
			return nil, &RemoteError{Depth: f.Depth, Data: b.decodeLoose(f.Payload)}

		case wire.CodeExcept:
			return nil, &SerializationError{Side: SideRemote, Message: b.decodeMessage(f.Payload)}

		case wire.CodeBye:
			return nil, b.fatal("peer sent BYE", nil)

		case wire.CodeCall:
			if err := b.serveCallIn(f); err != nil {
				return nil, b.fatal("call-in reply failed", err)
			}

		default:
			return nil, b.fatal(fmt.Sprintf("protocol violation: unexpected %s frame", f.Code), nil)
		}
	}
}

// serveCallIn dispatches a nested call-in to the exported handler and
// answers with exactly one RETURN or EXCEPT at the call-in's depth, so
// the loop stays balanced whatever the handler does.
func (b *Bond) serveCallIn(f *wire.Frame) error {
	depthBefore := f.Depth

	name, args, err := serial.DecodeCall(b.ser, f.Payload)
	if err != nil {
		return b.replyExcept(depthBefore, SerializationFailureLocal)
	}

	handler, ok := b.exports.lookup(name)
	if !ok {
		return b.replyExcept(depthBefore, fmt.Sprintf("unknown exported function %q", name))
	}

	prevDepth := b.depth
	b.depth = depthBefore
	result, herr := invokeHandler(handler, args)
	b.depth = prevDepth

	if herr != nil {
		payload, encErr := b.ser.Encode(b.exceptionData(herr))
		if encErr != nil {
			return b.replyExcept(depthBefore, SerializationFailureLocal)
		}
		return b.ch.SendFrame(wire.NewExcept(depthBefore, payload))
	}

	payload, encErr := b.ser.Encode(result)
	if encErr != nil {
		return b.replyExcept(depthBefore, SerializationFailureLocal)
	}
	return b.ch.SendFrame(wire.NewReturn(depthBefore, payload))
}

// invokeHandler runs an exported handler, surfacing panics to the peer
// as exceptions the same way returned errors are.
func invokeHandler(fn ExportedFunc, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(args...)
}

// exceptionData picks the wire form of a host handler exception.
func (b *Bond) exceptionData(err error) interface{} {
	if !b.trans {
		return err.Error()
	}
	return map[string]interface{}{
		"type":    fmt.Sprintf("%T", err),
		"message": err.Error(),
	}
}

func (b *Bond) replyExcept(depth int, message string) error {
	payload, err := b.ser.Encode(message)
	if err != nil {
		payload = []byte(message)
	}
	return b.ch.SendFrame(wire.NewExcept(depth, payload))
}

// Close terminates the session: BYE is sent if the channel still works,
// remaining peer output is drained to the sinks, and the child is
// killed if still alive. Double-close is a no-op.
func (b *Bond) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.logger.Info("closing bond", "bond", b.id, "lang", b.lang)

	var result *multierror.Error

	if err := b.ch.SendFrame(wire.NewBye()); err == nil {
		// Consume until the BYE echo or EOF so pending OUTPUT/STDERR
		// frames reach their sinks.
		for {
			f, err := b.ch.RecvFrame()
			if err != nil || f.Code == wire.CodeBye {
				break
			}
		}
	}

	for _, err := range b.teardown() {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// fatal closes the Bond exactly once and returns the TerminatedError
// for the failed operation.
func (b *Bond) fatal(reason string, cause error) error {
	if !b.closed {
		b.closed = true
		b.logger.Warn("bond failed", "bond", b.id, "reason", reason, "error", cause)
		b.teardown()
	}
	if cause != nil && errors.Is(cause, os.ErrDeadlineExceeded) {
		reason = "receive timeout"
	}
	return &TerminatedError{Reason: reason, Err: cause}
}

// teardown releases every resource the Bond owns. Safe to call on any
// exit path; errors are collected, not raised mid-cleanup.
func (b *Bond) teardown() []error {
	var errs []error

	if b.stdin != nil {
		if err := b.stdin.Close(); err != nil {
			errs = append(errs, err)
		}
		b.stdin = nil
	}

	if b.cmd != nil && b.cmd.Process != nil {
		if b.cmd.ProcessState == nil {
			b.cmd.Process.Kill()
		}
		if err := b.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				errs = append(errs, err)
			}
		}
		b.cmd = nil
	}

	b.ch.Close()

	if b.rdEnd != nil {
		if err := b.rdEnd.Close(); err != nil {
			errs = append(errs, err)
		}
		b.rdEnd = nil
	}
	if b.ptmx != nil {
		if err := b.ptmx.Close(); err != nil {
			errs = append(errs, err)
		}
		b.ptmx = nil
	}
	return errs
}

// encode serializes a request value, translating failure into a
// local-side SerializationError before anything reaches the wire.
func (b *Bond) encode(v interface{}) ([]byte, error) {
	payload, err := b.ser.Encode(v)
	if err != nil {
		return nil, &SerializationError{Side: SideLocal, Err: err}
	}
	return payload, nil
}

// decodeLoose decodes a payload, falling back to the raw text when the
// serializer cannot interpret it.
func (b *Bond) decodeLoose(payload []byte) interface{} {
	v, err := b.ser.Decode(payload)
	if err != nil {
		return string(payload)
	}
	return v
}

// decodeMessage decodes a payload expected to hold a message string.
func (b *Bond) decodeMessage(payload []byte) string {
	v, err := b.ser.Decode(payload)
	if err != nil {
		return string(payload)
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
