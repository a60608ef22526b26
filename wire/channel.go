package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

// Sink receives non-protocol bytes classified by the Channel: peer
// stdout, peer stderr, or interpreter chatter (banners, prompt echoes,
// stray warnings).
type Sink interface {
	Write(chunk []byte)
}

// discardSink drops chunks. The chatter diagnostic tail is still fed.
type discardSink struct{}

func (discardSink) Write([]byte) {}

// chatterTailSize is how much recent chatter is retained for error
// diagnostics (spawn failures, timeouts).
const chatterTailSize = 2048

// expectWindow bounds the byte window Expect matches its pattern
// against. Prompt patterns are short; the window only has to outlast
// the longest prompt plus its echo.
const expectWindow = 8192

// readDeadliner is implemented by *os.File pipe ends and pty masters.
// Streams without deadlines (io.Pipe in tests) simply block.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Config configures a Channel.
type Config struct {
	Stdout  Sink
	Stderr  Sink
	Chatter Sink

	// Raw side-channel markers. Lines carrying one of these prefixes
	// that do not parse as frames are routed to the matching sink
	// instead of chatter. Peer-specific; empty disables the marker.
	StdoutTag string
	StderrTag string

	// Timeout applies to each RecvFrame and Expect. Zero blocks forever.
	Timeout time.Duration

	Limits Limits
}

// Channel owns the two half-duplex byte streams of one session. It
// reads one frame at a time, routing anything that is not a well-formed
// frame to the sinks: only a well-formed frame can end an operation.
type Channel struct {
	reader *bufio.Reader
	raw    io.Reader
	writer io.Writer

	stdout  Sink
	stderr  Sink
	chatter Sink

	stdoutTag []byte
	stderrTag []byte

	timeout time.Duration
	limits  Limits

	tail *circbuf.Buffer

	mu     sync.Mutex
	closed bool
}

// NewChannel creates a Channel over the given streams.
func NewChannel(r io.Reader, w io.Writer, cfg Config) *Channel {
	if cfg.Stdout == nil {
		cfg.Stdout = discardSink{}
	}
	if cfg.Stderr == nil {
		cfg.Stderr = discardSink{}
	}
	if cfg.Chatter == nil {
		cfg.Chatter = discardSink{}
	}
	if cfg.Limits.MaxLine == 0 {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Limits.MaxLine > MaxLineHardLimit {
		cfg.Limits.MaxLine = MaxLineHardLimit
	}

	tail, _ := circbuf.NewBuffer(chatterTailSize)

	var stdoutTag, stderrTag []byte
	if cfg.StdoutTag != "" {
		stdoutTag = []byte(cfg.StdoutTag)
	}
	if cfg.StderrTag != "" {
		stderrTag = []byte(cfg.StderrTag)
	}

	return &Channel{
		reader:    bufio.NewReaderSize(r, 64*1024),
		raw:       r,
		writer:    w,
		stdout:    cfg.Stdout,
		stderr:    cfg.Stderr,
		chatter:   cfg.Chatter,
		stdoutTag: stdoutTag,
		stderrTag: stderrTag,
		timeout:   cfg.Timeout,
		limits:    cfg.Limits,
		tail:      tail,
	}
}

// Tail returns the recent interpreter chatter retained for diagnostics.
func (c *Channel) Tail() string {
	return c.tail.String()
}

// SendFrame encodes and writes one frame as a single flushed line.
// It does not wait for a reply.
func (c *Channel) SendFrame(f *Frame) error {
	line := EncodeLine(f)
	if len(line) > c.limits.MaxLine {
		return fmt.Errorf("encoded frame length %d exceeds max line %d", len(line), c.limits.MaxLine)
	}
	return c.SendLine(line)
}

// SendLine writes a raw line to the peer. Used during spawn, before the
// child speaks the frame protocol.
func (c *Channel) SendLine(line []byte) error {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append([]byte{}, line...), '\n')
	}
	if _, err := c.writer.Write(line); err != nil {
		return fmt.Errorf("channel write: %w", err)
	}
	return nil
}

// RecvFrame reads complete lines from the peer until one decodes as a
// protocol frame. OUTPUT and STDERR frames are delivered to their sinks
// here and never surface; non-frame lines are classified by the raw
// side-channel markers, defaulting to chatter.
func (c *Channel) RecvFrame() (*Frame, error) {
	c.armDeadline()
	defer c.disarmDeadline()

	for {
		line, err := c.readLine()
		if err != nil {
			if len(line) > 0 {
				c.toChatter(line)
			}
			return nil, err
		}

		frame, ok := c.classify(line)
		if ok {
			return frame, nil
		}
	}
}

// classify routes one complete line. Returns (frame, true) only for
// frames the caller must handle.
func (c *Channel) classify(line []byte) (*Frame, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(trimmed) == 0 {
		return nil, false
	}

	frame, err := DecodeLine(trimmed)
	if err == nil {
		switch frame.Code {
		case CodeOutput:
			c.stdout.Write(frame.Payload)
			return nil, false
		case CodeStderr:
			c.stderr.Write(frame.Payload)
			return nil, false
		default:
			return frame, true
		}
	}

	if c.stdoutTag != nil && bytes.HasPrefix(trimmed, c.stdoutTag) {
		c.stdout.Write(append(bytes.TrimPrefix(trimmed, c.stdoutTag), '\n'))
		return nil, false
	}
	if c.stderrTag != nil && bytes.HasPrefix(trimmed, c.stderrTag) {
		c.stderr.Write(append(bytes.TrimPrefix(trimmed, c.stderrTag), '\n'))
		return nil, false
	}

	c.toChatter(append(trimmed, '\n'))
	return nil, false
}

// Expect reads raw bytes until pattern matches the accumulated window
// or the channel timeout expires. Consumed bytes are routed to the
// chatter sink. Used by the spawner to wait for interpreter prompts,
// which are not line-terminated.
func (c *Channel) Expect(pattern *regexp.Regexp) error {
	c.armDeadline()
	defer c.disarmDeadline()

	var window []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if len(window) > 0 {
				c.toChatter(window)
			}
			return fmt.Errorf("waiting for %q: %w", pattern, err)
		}
		window = append(window, b)
		if len(window) > expectWindow {
			drop := len(window) - expectWindow
			c.toChatter(window[:drop])
			window = window[drop:]
		}
		if pattern.Match(window) {
			c.toChatter(window)
			return nil
		}
	}
}

// readLine reads one LF-terminated line, enforcing the line limit
// incrementally so a peer emitting an unbounded line cannot exhaust
// memory.
func (c *Channel) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > c.limits.MaxLine {
			return nil, fmt.Errorf("line length %d exceeds max line %d", len(line), c.limits.MaxLine)
		}
		if err == nil {
			return line, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

// Drain classifies any bytes already buffered from the peer to the
// sinks. Called on close so pending output lines are not discarded
// silently.
func (c *Channel) Drain() {
	for c.reader.Buffered() > 0 {
		line, err := c.readLine()
		if len(line) > 0 {
			c.classify(line)
		}
		if err != nil {
			return
		}
	}
}

// Close drains buffered peer output to the sinks. Closing the
// underlying streams is the owner's job; Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Drain()
}

func (c *Channel) toChatter(chunk []byte) {
	c.tail.Write(chunk)
	c.chatter.Write(chunk)
}

func (c *Channel) armDeadline() bool {
	if c.timeout <= 0 {
		return false
	}
	if d, ok := c.raw.(readDeadliner); ok {
		d.SetReadDeadline(time.Now().Add(c.timeout))
		return true
	}
	return false
}

func (c *Channel) disarmDeadline() {
	if c.timeout <= 0 {
		return
	}
	if d, ok := c.raw.(readDeadliner); ok {
		d.SetReadDeadline(time.Time{})
	}
}
