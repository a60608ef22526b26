package replbond

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/machinefabric/replbond-go/serial"
	"github.com/machinefabric/replbond-go/wire"
)

// DefaultSpawnTimeout bounds each handshake step and, afterwards, each
// frame receive on a spawned interpreter.
const DefaultSpawnTimeout = 10 * time.Second

type config struct {
	command    string
	extraArgs  []string
	env        []string
	timeout    time.Duration
	trans      bool
	serializer string
	stdout     Sink
	stderr     Sink
	chatter    Sink
	logger     hclog.Logger
	usePty     bool
	limits     wire.Limits
}

func newConfig(timeout time.Duration) *config {
	return &config{
		timeout:    timeout,
		trans:      true,
		serializer: serial.JSONIdentity,
		logger:     hclog.NewNullLogger(),
		limits:     wire.DefaultLimits(),
	}
}

// Option configures Spawn and Attach.
type Option func(*config)

// WithCommand overrides the interpreter command line entirely, e.g.
// "ssh remote python" to bond over a remote shell. Whitespace-split;
// the byte stream is treated the same either way.
func WithCommand(command string) Option {
	return func(c *config) { c.command = command }
}

// WithArgs appends extra arguments to the interpreter command line.
func WithArgs(args ...string) Option {
	return func(c *config) { c.extraArgs = append(c.extraArgs, args...) }
}

// WithEnv sets additional environment entries ("KEY=value") for the
// child process.
func WithEnv(env ...string) Option {
	return func(c *config) { c.env = append(c.env, env...) }
}

// WithTimeout sets the session-wide receive timeout. Exceeding it on
// any receive is fatal: the child is killed and the Bond closes. Zero
// disables the timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) { c.timeout = timeout }
}

// WithTransparentExceptions controls whether exceptions cross the bond
// structurally (as serialized objects) or as message strings. Default
// true.
func WithTransparentExceptions(trans bool) Option {
	return func(c *config) { c.trans = trans }
}

// WithSerializer requests a serializer identity at handshake. The peer
// has the final word; under Spawn a mismatch is a SpawnError. Attach
// ignores this option and uses whatever identity the peer announces.
func WithSerializer(identity string) Option {
	return func(c *config) { c.serializer = identity }
}

// WithStdout routes peer stdout to a sink.
func WithStdout(s Sink) Option {
	return func(c *config) { c.stdout = s }
}

// WithStderr routes peer stderr to a sink.
func WithStderr(s Sink) Option {
	return func(c *config) { c.stderr = s }
}

// WithChatter routes interpreter chatter (banners, prompt echoes, stray
// warnings) to a sink.
func WithChatter(s Sink) Option {
	return func(c *config) { c.chatter = s }
}

// WithLogger sets the session logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithPTY runs the child under a pseudo-terminal instead of plain
// pipes. Some interpreters only behave interactively on a tty.
func WithPTY(usePty bool) Option {
	return func(c *config) { c.usePty = usePty }
}

// WithLimits overrides the channel framing limits.
func WithLimits(limits wire.Limits) Option {
	return func(c *config) { c.limits = limits }
}
