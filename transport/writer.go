// Package transport implements the telemessage-side pipeline stages:
// gzip compression, HTTP error classification, token authentication,
// and the background/synchronous transmitters that put bytes on the
// wire. Grounded on original_source/eniris/telemessage/writer/* and
// influx.Client/influx.PointsWriter's HTTP plumbing.
package transport

import (
	"fmt"
	"io"

	telemetry "github.com/eniris/telemetry-go"
)

// Writer is the small interface every telemessage-pipeline stage
// implements. Grounded on eniris/telemessage/writer/writer.py's
// TelemessageWriter/TelemessageWriterDecorator.
type Writer interface {
	// WriteTelemessage hands a single prepared message to this stage.
	WriteTelemessage(msg *telemetry.Telemessage) error

	// Flush makes sure any internally buffered messages are handed
	// downstream, then flushes the downstream stage.
	Flush() error
}

// Printer is a debug Writer that renders each telemessage instead of
// transmitting it. Grounded on TelemessagePrinter.
type Printer struct {
	w io.Writer
}

// NewPrinter builds a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) WriteTelemessage(msg *telemetry.Telemessage) error {
	_, err := fmt.Fprintf(p.w, "%v %s\n", msg.Parameters, string(msg.Data))
	return err
}

func (p *Printer) Flush() error { return nil }
