package transport

import (
	"bytes"
	"log/slog"

	"github.com/klauspost/compress/gzip"

	telemetry "github.com/eniris/telemetry-go"
)

// HeaderOverhead is the approximate on-wire byte cost of adding a
// Content-Encoding: gzip header. A message is only compressed if
// doing so nets fewer bytes once this overhead is accounted for.
const HeaderOverhead = 23

// DefaultGzipCompressLevel matches the default compression level.
const DefaultGzipCompressLevel = gzip.BestCompression

// GzipOptions configures a Gzip writer.
type GzipOptions struct {
	// CompressLevel is passed to gzip.NewWriterLevel; 1-9, default 9
	// (gzip.BestCompression). A zero value selects the default, so level
	// 0 (no compression) cannot be selected.
	CompressLevel int
	// MinSize is the smallest body, in bytes, worth attempting to
	// compress at all. Below it the net-benefit check in
	// WriteTelemessage would almost always lose to HeaderOverhead
	// anyway, so the attempt (and its CPU cost) is skipped outright.
	MinSize int
	Logger  *slog.Logger
}

func (o GzipOptions) withDefaults() GzipOptions {
	if o.CompressLevel == 0 {
		o.CompressLevel = DefaultGzipCompressLevel
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Gzip is the compression stage. It compresses a telemessage body
// with a klauspost/compress/gzip writer (an API-compatible, faster
// drop-in for compress/gzip) and forwards the compressed form only when
// it is strictly smaller once HeaderOverhead is accounted for; otherwise
// the original message is forwarded unchanged.
type Gzip struct {
	output Writer
	opts   GzipOptions
}

// NewGzip wraps output with a Gzip compression stage.
func NewGzip(output Writer, opts GzipOptions) *Gzip {
	return &Gzip{output: output, opts: opts.withDefaults()}
}

func (g *Gzip) WriteTelemessage(msg *telemetry.Telemessage) error {
	if len(msg.Data) < g.opts.MinSize {
		return g.output.WriteTelemessage(msg)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, g.opts.CompressLevel)
	if err != nil {
		return err
	}
	if _, err := zw.Write(msg.Data); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if buf.Len()+HeaderOverhead >= len(msg.Data) {
		return g.output.WriteTelemessage(msg)
	}

	compressed := msg.Clone()
	compressed.Data = buf.Bytes()
	compressed.Headers["Content-Encoding"] = "gzip"
	return g.output.WriteTelemessage(compressed)
}

func (g *Gzip) Flush() error {
	return g.output.Flush()
}
