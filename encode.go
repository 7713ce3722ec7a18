package telemetry

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode renders a point to its line-protocol wire representation:
//
//	<measurement>[,<tagset>] <fieldset>[ <time_ns>]
//
// Tags are comma-joined and sorted lexicographically by escaped key
// (mandatory); fields preserve the field set's insertion order. The
// timestamp, when present, is appended as integer nanoseconds since the
// epoch.
func Encode(p *Point) ([]byte, error) {
	if p.Fields.Len() == 0 {
		return nil, fmt.Errorf("%w: a point must have at least one field", ErrValidation)
	}
	var b strings.Builder
	b.WriteString(escapeMeasurement(p.Measurement))
	if p.Tags.Len() > 0 {
		b.WriteByte(',')
		b.WriteString(p.Tags.toLineProtocol())
	}
	b.WriteByte(' ')
	b.WriteString(p.Fields.toLineProtocol())
	if p.hasTimestamp {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(p.TimestampNanos(), 10))
	}
	return []byte(b.String()), nil
}

// EncodeAll encodes each point and joins the resulting lines with '\n',
// matching the wire format's one-point-per-line convention.
func EncodeAll(points []*Point) ([]byte, error) {
	lines := make([][]byte, 0, len(points))
	for _, p := range points {
		line, err := Encode(p)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return joinLines(lines), nil
}

func joinLines(lines [][]byte) []byte {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.Write(line)
	}
	return []byte(b.String())
}
