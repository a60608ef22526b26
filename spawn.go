package replbond

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/machinefabric/replbond-go/peer"
	"github.com/machinefabric/replbond-go/prelude"
	"github.com/machinefabric/replbond-go/serial"
	"github.com/machinefabric/replbond-go/wire"
)

// Spawn launches an interpreter child, drives it through the prelude
// handshake, and returns a Bond speaking the frame protocol. On any
// failure the child is killed and reaped before the SpawnError returns.
//
// The interpreter command may be overridden entirely with WithCommand,
// including remote shells ("ssh somewhere python"): pre-prompt banners
// and MOTDs are tolerated as chatter.
func Spawn(lang string, opts ...Option) (*Bond, error) {
	desc, err := prelude.Lookup(lang)
	if err != nil {
		return nil, &SpawnError{Message: err.Error()}
	}

	cfg := newConfig(DefaultSpawnTimeout)
	for _, opt := range opts {
		opt(cfg)
	}

	argv := buildArgv(desc, cfg)
	cmd := exec.Command(argv[0], argv[1:]...)
	if len(cfg.env) > 0 {
		cmd.Env = append(os.Environ(), cfg.env...)
	}

	var (
		reader io.Reader
		writer io.Writer
		ptmx   *os.File
		stdin  io.WriteCloser
		rdEnd  *os.File
	)

	if cfg.usePty {
		ptmx, err = pty.Start(cmd)
		if err != nil {
			return nil, &SpawnError{Message: fmt.Sprintf("cannot start %q under pty", argv[0]), Err: err}
		}
		// The line discipline would echo every frame we write straight
		// back at us; turn it off before the first protocol byte.
		if err := disableEcho(ptmx); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			ptmx.Close()
			return nil, &SpawnError{Message: "cannot disable pty echo", Err: err}
		}
		reader, writer = ptmx, ptmx
	} else {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, &SpawnError{Message: "cannot create stdin pipe", Err: err}
		}
		// Interpreters prompt on stderr; merge both streams onto one
		// pipe so the channel sees the prompt and the frames alike.
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, &SpawnError{Message: "cannot create stdout pipe", Err: err}
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		if err := cmd.Start(); err != nil {
			pr.Close()
			pw.Close()
			return nil, &SpawnError{Message: fmt.Sprintf("cannot start %q", argv[0]), Err: err}
		}
		pw.Close()
		reader, writer = pr, stdin
		rdEnd = pr
	}

	ch := wire.NewChannel(reader, writer, wire.Config{
		Stdout:    cfg.stdout,
		Stderr:    cfg.stderr,
		Chatter:   cfg.chatter,
		StdoutTag: desc.StdoutTag,
		StderrTag: desc.StderrTag,
		Timeout:   cfg.timeout,
		Limits:    cfg.limits,
	})

	fail := func(message string, cause error) (*Bond, error) {
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
		if stdin != nil {
			stdin.Close()
		}
		if rdEnd != nil {
			rdEnd.Close()
		}
		if ptmx != nil {
			ptmx.Close()
		}
		return nil, &SpawnError{Message: message, Err: cause, Tail: ch.Tail()}
	}

	if err := ch.Expect(desc.Prompt); err != nil {
		return fail(fmt.Sprintf("no %s prompt", desc.Name), err)
	}
	if err := ch.SendLine([]byte(desc.ExecLine(desc.Source))); err != nil {
		return fail("prelude injection failed", err)
	}
	if err := ch.Expect(desc.Ready); err != nil {
		return fail("no READY marker after prelude", err)
	}
	if err := ch.SendLine([]byte(desc.StartLine(cfg.trans, cfg.serializer))); err != nil {
		return fail("start line failed", err)
	}

	hello, ser, err := readHello(ch)
	if err != nil {
		return fail("handshake failed", err)
	}
	if hello.Serializer != cfg.serializer {
		return fail(fmt.Sprintf("peer chose serializer %q, host requested %q", hello.Serializer, cfg.serializer), nil)
	}

	bond := &Bond{
		id:       uuid.New(),
		lang:     hello.Lang,
		ch:       ch,
		cmd:      cmd,
		ptmx:     ptmx,
		stdin:    stdin,
		rdEnd:    rdEnd,
		ser:      ser,
		trans:    cfg.trans,
		exports:  newExportsRegistry(hello.Sentinel),
		sentinel: hello.Sentinel,
		logger:   cfg.logger,
	}
	bond.logger.Info("bond established", "bond", bond.id, "lang", bond.lang,
		"serializer", ser.Identity(), "command", strings.Join(argv, " "))
	return bond, nil
}

// Attach speaks the protocol over an already-connected byte stream: a
// socket, an ssh session, or an in-process peer runtime. The peer must
// emit its hello as the first frame; no prompt or prelude stage runs.
func Attach(r io.Reader, w io.Writer, opts ...Option) (*Bond, error) {
	cfg := newConfig(0)
	for _, opt := range opts {
		opt(cfg)
	}

	ch := wire.NewChannel(r, w, wire.Config{
		Stdout:  cfg.stdout,
		Stderr:  cfg.stderr,
		Chatter: cfg.chatter,
		Timeout: cfg.timeout,
		Limits:  cfg.limits,
	})

	hello, ser, err := readHello(ch)
	if err != nil {
		return nil, &SpawnError{Message: "handshake failed", Err: err, Tail: ch.Tail()}
	}

	bond := &Bond{
		id:       uuid.New(),
		lang:     hello.Lang,
		ch:       ch,
		ser:      ser,
		trans:    cfg.trans,
		exports:  newExportsRegistry(hello.Sentinel),
		sentinel: hello.Sentinel,
		logger:   cfg.logger,
	}
	bond.logger.Info("bond attached", "bond", bond.id, "lang", bond.lang,
		"serializer", ser.Identity())
	return bond, nil
}

// readHello consumes frames until the handshake RETURN at depth 0,
// validates the metadata, and resolves the announced serializer.
func readHello(ch *wire.Channel) (*peer.Hello, serial.Serializer, error) {
	for {
		f, err := ch.RecvFrame()
		if err != nil {
			return nil, nil, err
		}
		switch f.Code {
		case wire.CodeReturn:
			hello, err := peer.ValidateHello(f.Payload)
			if err != nil {
				return nil, nil, err
			}
			ser, err := serial.Lookup(hello.Serializer)
			if err != nil {
				return nil, nil, err
			}
			return hello, ser, nil
		case wire.CodeError:
			return nil, nil, fmt.Errorf("peer reported error during handshake: %s", f.Payload)
		case wire.CodeBye:
			return nil, nil, fmt.Errorf("peer sent BYE during handshake")
		default:
			return nil, nil, fmt.Errorf("unexpected %s frame during handshake", f.Code)
		}
	}
}

func buildArgv(desc *prelude.Language, cfg *config) []string {
	var argv []string
	if cfg.command != "" {
		argv = strings.Fields(cfg.command)
	} else {
		argv = append([]string{desc.Command}, desc.Args...)
	}
	return append(argv, cfg.extraArgs...)
}
