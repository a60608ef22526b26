package replbond

import (
	"io"

	"github.com/hashicorp/go-hclog"

	"github.com/machinefabric/replbond-go/wire"
)

// Sink is a host-side destination for non-protocol bytes: peer stdout,
// peer stderr, or interpreter chatter.
type Sink = wire.Sink

// writerSink forwards chunks to an io.Writer, dropping write errors:
// sinks are observability, not control flow.
type writerSink struct {
	w io.Writer
}

func (s writerSink) Write(chunk []byte) {
	s.w.Write(chunk)
}

// WriterSink adapts an io.Writer into a Sink.
func WriterSink(w io.Writer) Sink {
	return writerSink{w: w}
}

// logSink emits each chunk as one log record, trimming the trailing
// newline the stream framing carries.
type logSink struct {
	logger hclog.Logger
	level  hclog.Level
	key    string
}

func (s logSink) Write(chunk []byte) {
	n := len(chunk)
	for n > 0 && (chunk[n-1] == '\n' || chunk[n-1] == '\r') {
		n--
	}
	s.logger.Log(s.level, s.key, "text", string(chunk[:n]))
}

// LogSink adapts an hclog.Logger into a Sink. key labels the stream in
// each record ("peer.stdout", "peer.stderr", "chatter").
func LogSink(logger hclog.Logger, level hclog.Level, key string) Sink {
	return logSink{logger: logger, level: level, key: key}
}
