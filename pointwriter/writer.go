// Package pointwriter implements the point-side pipeline stages:
// duplicate suppression, namespace-keyed buffering, and the direct
// encoder writer. Each stage is a small Writer implementation
// that optionally wraps a downstream Writer or transport.Writer,
// mirroring original_source/eniris/point/writer/writer.py's
// PointWriterDecorator: no virtual-dispatch cleverness, just a composable
// chain of values.
package pointwriter

import (
	"fmt"
	"io"

	telemetry "github.com/eniris/telemetry-go"
)

// Writer is the small interface every point-pipeline stage implements.
type Writer interface {
	// WritePoints hands a batch of points to this stage. Implementations
	// may transform, coalesce, suppress, or forward the batch downstream.
	WritePoints(points []*telemetry.Point) error

	// Flush makes sure any internally buffered points are handed
	// downstream, then flushes the downstream stage.
	Flush() error
}

// Printer is a debug PointWriter that renders each point's line-protocol
// form to w instead of transmitting it. Grounded on PointPrinter.
type Printer struct {
	w io.Writer
}

// NewPrinter builds a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) WritePoints(points []*telemetry.Point) error {
	for _, pt := range points {
		line, err := telemetry.Encode(pt)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(p.w, string(line)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) Flush() error { return nil }
