package pointwriter

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	telemetry "github.com/eniris/telemetry-go"
	"github.com/eniris/telemetry-go/transport"
)

// Default configuration values for Buffer. These follow the stated
// defaults of the system being implemented rather than
// original_source/eniris/point/writer/buffered.py's constructor defaults
// (lingerTimeS=0.1, maximumBatchSizeBytes=1_000_000,
// maximumBufferSizeBytes=10_000_000); the original is only a guide for
// ambiguous or unstated behavior, not a substitute for an explicit value.
const (
	DefaultLingerTime         = 1 * time.Second
	DefaultMaxBatchSizeBytes  = 10_000_000
	DefaultMaxBufferSizeBytes = 100_000_000
)

// BufferOptions configures a Buffer.
type BufferOptions struct {
	// LingerTime is the maximum time a namespace's buffer is held before
	// being flushed by the background daemon, even if it never reaches
	// MaxBatchSizeBytes.
	LingerTime time.Duration
	// MaxBatchSizeBytes is the target upper bound on a single emitted
	// telemessage's body size; a point that would push a buffer over this
	// bound instead closes out the current buffer and starts a new one.
	MaxBatchSizeBytes int
	// MaxBufferSizeBytes is the total size, across all namespaces, above
	// which WritePoints flushes everything immediately instead of waiting
	// for the linger daemon.
	MaxBufferSizeBytes int
	Logger             *slog.Logger
	now                func() time.Time
}

func (o BufferOptions) withDefaults() BufferOptions {
	if o.LingerTime <= 0 {
		o.LingerTime = DefaultLingerTime
	}
	if o.MaxBatchSizeBytes <= 0 {
		o.MaxBatchSizeBytes = DefaultMaxBatchSizeBytes
	}
	if o.MaxBufferSizeBytes <= 0 {
		o.MaxBufferSizeBytes = DefaultMaxBufferSizeBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// bufferEntry is the per-(measurement, timestamp, tagset) accumulator
// inside a pointBuffer: the latest value seen for each field.
type bufferEntry struct {
	tags         map[string]string
	hasTimestamp bool
	timestamp    time.Time
	fieldOrder   []string
	fields       map[string]telemetry.FieldValue
}

type pointKey struct {
	measurement  string
	hasTimestamp bool
	tsNanos      int64
	tagset       string
}

func makePointKey(point *telemetry.Point) pointKey {
	var ts int64
	if point.HasTimestamp() {
		ts = point.TimestampNanos()
	}
	return pointKey{
		measurement:  point.Measurement,
		hasTimestamp: point.HasTimestamp(),
		tsNanos:      ts,
		tagset:       point.Tags.LineProtocol(),
	}
}

// pointBuffer accumulates points bound for one namespace, tracking the
// exact line-protocol byte count they would occupy. Grounded on
// eniris/point/writer/buffered.py's PointBuffer.
type pointBuffer struct {
	namespace telemetry.Namespace
	createdAt time.Time
	entries   map[pointKey]*bufferEntry
	nrBytes   int
}

func newPointBuffer(ns telemetry.Namespace, createdAt time.Time) *pointBuffer {
	return &pointBuffer{namespace: ns, createdAt: createdAt, entries: make(map[pointKey]*bufferEntry)}
}

// extraBytes computes how many additional line-protocol bytes point would
// add to the buffer if appended now, without mutating the buffer. Mirrors
// PointBuffer.calculateNrExtraBytes exactly, including the measurement,
// tagset, and timestamp header bytes charged only on a series' first
// appearance in the buffer.
func (b *pointBuffer) extraBytes(point *telemetry.Point) int {
	key := makePointKey(point)
	existing := b.entries[key]

	extra := 0
	if existing == nil {
		extra += len(telemetry.EscapeMeasurement(point.Measurement))
		if point.Tags.Len() > 0 {
			extra += 1 + len(point.Tags.LineProtocol())
		}
		if point.HasTimestamp() {
			extra += 1 + len(strconv.FormatInt(point.TimestampNanos(), 10))
		}
		extra++ // the newline separating this line from the next in the joined body
	}
	for _, fieldKey := range point.Fields.Keys() {
		newValue, _ := point.Fields.Get(fieldKey)
		if existing != nil {
			if oldValue, ok := existing.fields[fieldKey]; ok {
				extra += len(newValue.LineProtocol()) - len(oldValue.LineProtocol())
				continue
			}
		}
		extra += 1 + len(telemetry.EscapeFieldKey(fieldKey)) + 1 + len(newValue.LineProtocol())
	}
	return extra
}

func (b *pointBuffer) append(point *telemetry.Point) {
	b.nrBytes += b.extraBytes(point)
	key := makePointKey(point)
	entry, ok := b.entries[key]
	if !ok {
		entry = &bufferEntry{
			tags:         tagsToMap(point.Tags),
			hasTimestamp: point.HasTimestamp(),
			timestamp:    point.Timestamp,
			fields:       make(map[string]telemetry.FieldValue, point.Fields.Len()),
		}
		b.entries[key] = entry
	}
	for _, fieldKey := range point.Fields.Keys() {
		value, _ := point.Fields.Get(fieldKey)
		if _, existed := entry.fields[fieldKey]; !existed {
			entry.fieldOrder = append(entry.fieldOrder, fieldKey)
		}
		entry.fields[fieldKey] = value
	}
}

func (b *pointBuffer) toPoints() ([]*telemetry.Point, error) {
	points := make([]*telemetry.Point, 0, len(b.entries))
	for key, entry := range b.entries {
		fields := make(map[string]telemetry.FieldValue, len(entry.fieldOrder))
		for _, fieldKey := range entry.fieldOrder {
			fields[fieldKey] = entry.fields[fieldKey]
		}
		p, err := telemetry.NewPoint(b.namespace, key.measurement, entry.tags, fields)
		if err != nil {
			return nil, err
		}
		if entry.hasTimestamp {
			p.WithTimestamp(entry.timestamp)
		}
		points = append(points, p)
	}
	return points, nil
}

func (b *pointBuffer) toTelemessage() (*telemetry.Telemessage, error) {
	points, err := b.toPoints()
	if err != nil {
		return nil, err
	}
	lines := make([][]byte, 0, len(points))
	for _, p := range points {
		line, err := telemetry.Encode(p)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return telemetry.NewTelemessage(b.namespace, lines, nil), nil
}

// Buffer is the namespace-keyed coalescing stage. Points are
// grouped by destination namespace and merged by (measurement, timestamp,
// tagset); a background goroutine flushes any namespace whose buffer has
// lingered past LingerTime, and WritePoints itself flushes eagerly once
// the total buffered size crosses MaxBufferSizeBytes. Grounded on
// eniris/point/writer/buffered.py's PointBufferDict and
// BufferedPointToTelemessageWriterDaemon; the daemon's two
// threading.Condition objects sharing one lock are replaced here with a
// wake/stop channel pair selected against a linger timer, the idiomatic
// Go equivalent of a timed condition wait.
type Buffer struct {
	output transport.Writer
	opts   BufferOptions

	mu         sync.Mutex
	namespaces map[string]*pointBuffer
	nrBytes    int

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewBuffer wraps output with a linger-buffered point coalescer and starts
// its background flush goroutine.
func NewBuffer(output transport.Writer, opts BufferOptions) *Buffer {
	opts = opts.withDefaults()
	b := &Buffer{
		output:     output,
		opts:       opts,
		namespaces: make(map[string]*pointBuffer),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Buffer) run() {
	defer close(b.stopped)
	for {
		b.mu.Lock()
		expired := b.drainExpiredLocked(b.opts.now())
		deadline, hasDeadline := b.earliestDeadlineLocked()
		b.mu.Unlock()

		for _, msg := range expired {
			if err := b.output.WriteTelemessage(msg); err != nil {
				b.opts.Logger.Error("failed to write telemessage from buffer linger daemon", "error", err)
			}
		}

		var timerCh <-chan time.Time
		if hasDeadline {
			d := deadline.Sub(b.opts.now())
			if d < 0 {
				d = 0
			}
			timerCh = time.After(d)
		}

		select {
		case <-b.stop:
			return
		case <-b.wake:
		case <-timerCh:
		}
	}
}

func (b *Buffer) drainExpiredLocked(now time.Time) []*telemetry.Telemessage {
	threshold := now.Add(-b.opts.LingerTime)
	var messages []*telemetry.Telemessage
	for key, buf := range b.namespaces {
		if buf.createdAt.After(threshold) {
			continue
		}
		msg, err := buf.toTelemessage()
		if err != nil {
			b.opts.Logger.Error("failed to build telemessage from lingering buffer", "error", err)
		} else {
			messages = append(messages, msg)
		}
		b.nrBytes -= buf.nrBytes
		delete(b.namespaces, key)
	}
	return messages
}

func (b *Buffer) earliestDeadlineLocked() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, buf := range b.namespaces {
		deadline := buf.createdAt.Add(b.opts.LingerTime)
		if !found || deadline.Before(earliest) {
			earliest = deadline
			found = true
		}
	}
	return earliest, found
}

// WritePoints implements pointwriter.Writer. Points are grouped by
// destination namespace; a buffer that would cross MaxBatchSizeBytes is
// closed out and emitted immediately, and if the total buffered size
// across all namespaces crosses MaxBufferSizeBytes everything is flushed
// before returning.
func (b *Buffer) WritePoints(points []*telemetry.Point) error {
	if len(points) == 0 {
		return nil
	}

	b.mu.Lock()
	var messages []*telemetry.Telemessage
	for _, point := range points {
		nsKey := canonicalMap(point.Namespace.ToParams())
		buf, ok := b.namespaces[nsKey]
		if !ok {
			buf = newPointBuffer(point.Namespace, b.opts.now())
			b.namespaces[nsKey] = buf
		}
		if buf.nrBytes > 0 && buf.nrBytes+buf.extraBytes(point) > b.opts.MaxBatchSizeBytes {
			msg, err := buf.toTelemessage()
			if err != nil {
				b.mu.Unlock()
				return err
			}
			messages = append(messages, msg)
			b.nrBytes -= buf.nrBytes
			buf = newPointBuffer(point.Namespace, b.opts.now())
			b.namespaces[nsKey] = buf
		}
		b.nrBytes -= buf.nrBytes
		buf.append(point)
		b.nrBytes += buf.nrBytes
	}

	flushEverything := b.nrBytes > b.opts.MaxBufferSizeBytes
	var flushed []*telemetry.Telemessage
	if flushEverything {
		var err error
		flushed, err = b.flushLocked()
		if err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.mu.Unlock()

	if !flushEverything {
		b.signal()
	}
	messages = append(messages, flushed...)
	for _, msg := range messages {
		if err := b.output.WriteTelemessage(msg); err != nil {
			b.opts.Logger.Error("failed to write telemessage from Buffer.WritePoints", "error", err)
		}
	}
	return nil
}

func (b *Buffer) flushLocked() ([]*telemetry.Telemessage, error) {
	messages := make([]*telemetry.Telemessage, 0, len(b.namespaces))
	for _, buf := range b.namespaces {
		msg, err := buf.toTelemessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	b.namespaces = make(map[string]*pointBuffer)
	b.nrBytes = 0
	return messages, nil
}

// Flush implements pointwriter.Writer: every buffered namespace is
// emitted immediately, and the downstream writer is flushed in turn.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	messages, err := b.flushLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if werr := b.output.WriteTelemessage(msg); werr != nil {
			b.opts.Logger.Error("failed to write telemessage from Buffer.Flush", "error", werr)
		}
	}
	return b.output.Flush()
}

// Close stops the linger daemon and flushes any remaining buffered
// content, mirroring BufferedPointToTelemessageWriter.__del__. Safe to
// call more than once.
func (b *Buffer) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.stopped
	return b.Flush()
}
