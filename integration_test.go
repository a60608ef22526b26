package replbond

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/replbond-go/peer"
	"github.com/machinefabric/replbond-go/serial"
)

// bufferSink accumulates sink chunks for assertions.
type bufferSink struct {
	buf strings.Builder
}

func (s *bufferSink) Write(chunk []byte) {
	s.buf.Write(chunk)
}

func (s *bufferSink) String() string { return s.buf.String() }

// newTestBond wires a Bond to an in-process Go peer over pipes: the
// same byte-stream shape a spawned interpreter or remote shell
// presents, minus the prompt stage.
func newTestBond(t *testing.T, rtOpts []peer.RuntimeOption, opts ...Option) (*Bond, *peer.MiniEvaluator) {
	t.Helper()

	hostR, peerW := io.Pipe()
	peerR, hostW := io.Pipe()

	ev := peer.NewMiniEvaluator()
	rt := peer.NewRuntime(ev, rtOpts...)
	done := make(chan error, 1)
	go func() { done <- rt.Run(peerR, peerW) }()

	bond, err := Attach(hostR, hostW, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		bond.Close()
		hostW.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("peer runtime did not stop")
		}
	})
	return bond, ev
}

func registerIdentity(ev *peer.MiniEvaluator) {
	ev.Register("test_identity", func(args []interface{}) (interface{}, error) {
		return args[0], nil
	})
}

func TestIntegrationBasicValues(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, bond.EvalBlock("x = 1"))

	v, err = bond.Eval("x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = bond.Eval(`"Hello world!"`)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", v)

	v, err = bond.Eval(`[42]`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(42)}, v)
}

func TestIntegrationHandshakeMetadata(t *testing.T) {
	bond, _ := newTestBond(t, []peer.RuntimeOption{peer.WithLang("gopeer")})
	assert.Equal(t, "gopeer", bond.Lang())
	assert.Equal(t, "json", bond.Serializer())
}

func TestIntegrationGlobalStatePersists(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	require.NoError(t, bond.EvalBlock("x = 1"))
	v, err := bond.Eval("x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Unset the variable: the scope is one persistent namespace, not a
	// per-call sandbox.
	require.NoError(t, bond.EvalBlock("del x"))
	_, err = bond.Eval("x")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	v, err = bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationCallMarshalling(t *testing.T) {
	bond, ev := newTestBond(t, nil)
	registerIdentity(ev)

	identity := bond.Callable("test_identity")
	for _, value := range []interface{}{
		true, false, int64(0), int64(1), "String", []interface{}{}, []interface{}{"String"},
		map[string]interface{}{"k": int64(1)},
	} {
		ret, err := identity(value)
		require.NoError(t, err)
		assert.Equal(t, value, ret)
	}

	ev.Register("test_multi_arg", func(args []interface{}) (interface{}, error) {
		return fmt.Sprintf("%v %v", args[0], args[1]), nil
	})
	ret, err := bond.Call("test_multi_arg", "Hello", "world!")
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", ret)
}

func TestIntegrationCallUnknownFunction(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	_, err := bond.Call("no_such_function", 0)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationExportCallIn(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	err := bond.Export(func(args ...interface{}) (interface{}, error) {
		return 42, nil
	}, "call_me")
	require.NoError(t, err)

	v, err := bond.Eval("call_me()")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	depth, err := bond.ReplDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

// exported with its introspected identifier
func the_answer(args ...interface{}) (interface{}, error) {
	return 42, nil
}

func TestIntegrationExportIntrospectedName(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	require.NoError(t, bond.Export(the_answer, ""))
	v, err := bond.Eval("the_answer()")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestIntegrationExportCollision(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	require.NoError(t, bond.Export(func(args ...interface{}) (interface{}, error) {
		return 42, nil
	}, "call_me"))

	err := bond.Export(func(args ...interface{}) (interface{}, error) {
		return 0, nil
	}, "call_me")
	var exportErr *ExportError
	require.ErrorAs(t, err, &exportErr)

	// The prior entry still answers.
	v, err := bond.Eval("call_me()")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestIntegrationExportInvalidName(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	for _, name := range []string{"invalid name", "2fast", "__GOBOND"} {
		err := bond.Export(func(args ...interface{}) (interface{}, error) {
			return nil, nil
		}, name)
		var exportErr *ExportError
		require.ErrorAs(t, err, &exportErr, name)
	}

	// Validation is pre-wire: the session never saw a frame.
	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationRecursiveInception(t *testing.T) {
	bond, ev := newTestBond(t, nil)

	// Peer side: f(a) = remote_g(a) + 1, where remote_g is an exported
	// host function.
	ev.Register("f", func(args []interface{}) (interface{}, error) {
		v, err := ev.Call("remote_g", args)
		if err != nil {
			return nil, err
		}
		return v.(int64) + 1, nil
	})

	// Host side: remote_g(a) = f(a-1) + 1, bottoming out at 0.
	err := bond.Export(func(args ...interface{}) (interface{}, error) {
		a := args[0].(int64)
		if a <= 0 {
			return 0, nil
		}
		v, err := bond.Call("f", a-1)
		if err != nil {
			return nil, err
		}
		return v.(int64) + 1, nil
	}, "remote_g")
	require.NoError(t, err)

	// f(3) alternates sides four times on the way down.
	v, err := bond.Call("f", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)

	depth, err := bond.ReplDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestIntegrationRemoteException(t *testing.T) {
	bond, ev := newTestBond(t, nil)

	ev.Register("bad", func(args []interface{}) (interface{}, error) {
		return nil, fmt.Errorf("exception")
	})

	_, err := bond.Call("bad")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	data, ok := remoteErr.Data.(map[string]interface{})
	require.True(t, ok, "transparent exception data should be structured, got %T", remoteErr.Data)
	assert.Equal(t, "exception", data["message"])

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationEvalErrorRecovery(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	for _, op := range []func() error{
		func() error { _, err := bond.Eval("undefined_name"); return err },
		func() error { return bond.EvalBlock("x = undefined_name") },
		func() error { _, err := bond.Call("undefined_function"); return err },
	} {
		var remoteErr *RemoteError
		require.ErrorAs(t, op(), &remoteErr)

		v, err := bond.Eval("1")
		require.NoError(t, err)
		require.Equal(t, int64(1), v)
	}
}

func TestIntegrationUnserializableReturn(t *testing.T) {
	bond, ev := newTestBond(t, nil)

	// A channel is this session's file handle: no serializer can carry it.
	ev.Register("open_handle", func(args []interface{}) (interface{}, error) {
		return make(chan int), nil
	})

	_, err := bond.Call("open_handle")
	var serErr *SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, SideRemote, serErr.Side)

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationLocalSerializationError(t *testing.T) {
	bond, ev := newTestBond(t, nil)
	registerIdentity(ev)

	_, err := bond.Call("test_identity", make(chan int))
	var serErr *SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, SideLocal, serErr.Side)

	// Nothing was written; the session is untouched.
	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationTransparentException(t *testing.T) {
	bond, ev := newTestBond(t, nil)

	ev.Register("func", func(args []interface{}) (interface{}, error) {
		return nil, &peer.RaisedError{Message: "an exception", Data: "MyException"}
	})

	_, err := bond.Call("func")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "MyException", remoteErr.Data)

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationOpaqueException(t *testing.T) {
	bond, ev := newTestBond(t,
		[]peer.RuntimeOption{peer.WithTransparentExceptions(false)},
		WithTransparentExceptions(false))

	ev.Register("func", func(args []interface{}) (interface{}, error) {
		return nil, &peer.RaisedError{Message: "an exception", Data: "MyException"}
	})

	_, err := bond.Call("func")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "an exception", remoteErr.Data)

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationHostExceptionReachesPeer(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	require.NoError(t, bond.Export(func(args ...interface{}) (interface{}, error) {
		return nil, errors.New("test")
	}, "gen_exception"))

	// The peer code does not catch the host exception, so it unwinds
	// back across the bond as a RemoteError carrying the host's data.
	_, err := bond.Eval("gen_exception()")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	data, ok := remoteErr.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "test", data["message"])

	depth, err := bond.ReplDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestIntegrationHostPanicBecomesException(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	require.NoError(t, bond.Export(func(args ...interface{}) (interface{}, error) {
		panic("boom")
	}, "panics"))

	_, err := bond.Eval("panics()")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationLargePayloads(t *testing.T) {
	bond, ev := newTestBond(t, nil)
	registerIdentity(ev)

	for size := 1 << 9; size <= 1<<15; size <<= 1 {
		buf := strings.Repeat("x", size)
		ret, err := bond.Call("test_identity", buf)
		require.NoError(t, err, "size %d", size)
		require.Len(t, ret, size)
		require.Equal(t, buf, ret)
	}
}

func TestIntegrationSentinelOpaque(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	_, err := bond.Eval(peer.DefaultSentinel)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationOutputRedirect(t *testing.T) {
	stdout := &bufferSink{}
	bond, _ := newTestBond(t, nil, WithStdout(stdout))

	require.NoError(t, bond.EvalBlock(`print("echo: Hello world!")`))
	assert.Equal(t, "echo: Hello world!\n", stdout.String())

	v, err := bond.Eval("1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestIntegrationOutputAcrossErrors(t *testing.T) {
	stdout := &bufferSink{}
	bond, ev := newTestBond(t, nil, WithStdout(stdout))

	ev.Register("noisy_failure", func(args []interface{}) (interface{}, error) {
		if _, err := ev.Call("print", []interface{}{"before the error"}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("after printing")
	})

	_, err := bond.Call("noisy_failure")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)

	// The OUTPUT frame interleaved with the terminal still reached its
	// sink.
	assert.Contains(t, stdout.String(), "before the error")
}

func TestIntegrationDepthInvariant(t *testing.T) {
	bond, ev := newTestBond(t, nil)
	registerIdentity(ev)
	ev.Register("bad", func(args []interface{}) (interface{}, error) {
		return nil, fmt.Errorf("nope")
	})

	ops := []func(){
		func() { bond.Eval("1") },
		func() { bond.EvalBlock("x = 2") },
		func() { bond.Call("test_identity", "v") },
		func() { bond.Call("bad") },
		func() { bond.Eval("undefined_name") },
		func() { bond.Call("test_identity", []interface{}{int64(1), int64(2)}) },
	}

	for i, op := range ops {
		op()
		depth, err := bond.ReplDepth()
		require.NoError(t, err, "op %d", i)
		require.Equal(t, 1, depth, "op %d", i)
	}
}

func TestIntegrationCBORSession(t *testing.T) {
	bond, ev := newTestBond(t, []peer.RuntimeOption{
		peer.WithSerializer(serial.NewCBORSerializer()),
	})
	registerIdentity(ev)

	assert.Equal(t, "cbor", bond.Serializer())

	v, err := bond.Eval("41")
	require.NoError(t, err)
	assert.Equal(t, int64(41), v)

	ret, err := bond.Call("test_identity", map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, ret)
}

func TestIntegrationCloseIdempotent(t *testing.T) {
	bond, _ := newTestBond(t, nil)

	require.NoError(t, bond.Close())
	require.NoError(t, bond.Close())

	_, err := bond.Eval("1")
	var termErr *TerminatedError
	assert.ErrorAs(t, err, &termErr)

	err = bond.EvalBlock("x = 1")
	assert.ErrorAs(t, err, &termErr)

	_, err = bond.Call("anything")
	assert.ErrorAs(t, err, &termErr)
}

func TestIntegrationPeerEOFIsFatal(t *testing.T) {
	hostR, peerW := io.Pipe()
	peerR, hostW := io.Pipe()

	ev := peer.NewMiniEvaluator()
	rt := peer.NewRuntime(ev)
	done := make(chan error, 1)
	go func() { done <- rt.Run(peerR, peerW) }()

	bond, err := Attach(hostR, hostW)
	require.NoError(t, err)

	// Kill the peer mid-session: its write half closes and the next
	// receive observes EOF.
	peerR.CloseWithError(io.ErrClosedPipe)
	peerW.Close()
	<-done

	_, err = bond.Eval("1")
	var termErr *TerminatedError
	require.ErrorAs(t, err, &termErr)

	// Closed exactly once; later operations keep failing the same way.
	_, err = bond.Eval("1")
	require.ErrorAs(t, err, &termErr)
	hostW.Close()
}
