package pointwriter

import (
	"log/slog"

	telemetry "github.com/eniris/telemetry-go"
	"github.com/eniris/telemetry-go/transport"
)

// DefaultDirectMaxBatchSizeBytes is the default maximum combined
// line-protocol size of a single telemessage emitted by Direct.
const DefaultDirectMaxBatchSizeBytes = 10_000_000

// DirectOptions configures a Direct writer.
type DirectOptions struct {
	// MaxBatchSizeBytes bounds the combined line-protocol size of a
	// single emitted telemessage.
	MaxBatchSizeBytes int
	Logger            *slog.Logger
}

func (o DirectOptions) withDefaults() DirectOptions {
	if o.MaxBatchSizeBytes <= 0 {
		o.MaxBatchSizeBytes = DefaultDirectMaxBatchSizeBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Direct is the uncoalesced point-to-telemessage writer: points are
// encoded immediately, grouped only by destination namespace, and batched
// purely by byte size, with no linger window and no background goroutine.
// Grounded on eniris/point/writer/direct.py's DirectPointToTelemessageWriter.
type Direct struct {
	output transport.Writer
	opts   DirectOptions
}

// NewDirect wraps output with a Direct writer.
func NewDirect(output transport.Writer, opts DirectOptions) *Direct {
	return &Direct{output: output, opts: opts.withDefaults()}
}

type namespaceGroup struct {
	namespace telemetry.Namespace
	points    []*telemetry.Point
}

// WritePoints implements Writer. Points are grouped by namespace (order of
// first appearance preserved), encoded to line protocol, and split into
// telemessages of at most MaxBatchSizeBytes combined line bytes (including
// the joining newlines).
func (d *Direct) WritePoints(points []*telemetry.Point) error {
	order := make([]string, 0)
	groups := make(map[string]*namespaceGroup)
	for _, point := range points {
		key := canonicalMap(point.Namespace.ToParams())
		group, ok := groups[key]
		if !ok {
			group = &namespaceGroup{namespace: point.Namespace}
			groups[key] = group
			order = append(order, key)
		}
		group.points = append(group.points, point)
	}

	for _, key := range order {
		group := groups[key]
		if err := d.writeGroup(group); err != nil {
			return err
		}
	}
	return nil
}

func (d *Direct) writeGroup(group *namespaceGroup) error {
	var lines [][]byte
	size := 0
	for _, point := range group.points {
		line, err := telemetry.Encode(point)
		if err != nil {
			return err
		}
		// size already counts one joining newline per buffered line, so
		// size+len(line) is the body length once this line is appended.
		if len(lines) != 0 && size+len(line) > d.opts.MaxBatchSizeBytes {
			if err := d.output.WriteTelemessage(telemetry.NewTelemessage(group.namespace, lines, nil)); err != nil {
				return err
			}
			lines = nil
			size = 0
		}
		lines = append(lines, line)
		size += len(line) + 1
	}
	return d.output.WriteTelemessage(telemetry.NewTelemessage(group.namespace, lines, nil))
}

// Flush is a no-op: Direct holds no internal state between WritePoints
// calls, so it only flushes the downstream writer.
func (d *Direct) Flush() error {
	return d.output.Flush()
}
