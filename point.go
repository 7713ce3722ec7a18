package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Point is one or more measured values sharing a single entity and
// timestamp: a namespace, a measurement name, an optional timestamp, a
// tag set, and a field set.
type Point struct {
	Namespace   Namespace
	Measurement string
	Tags        *TagSet
	Fields      *FieldSet
	// Timestamp is the point's wall-clock time. The zero value means
	// "absent" (the server assigns the receive time); use HasTimestamp
	// to distinguish the zero value of time.Time from "absent".
	Timestamp    time.Time
	hasTimestamp bool
}

// NewPoint constructs a Point from a namespace, measurement name, and
// initial tag/field maps. Either map may be nil or empty; fields may also
// be populated afterward via AddField, but at least one field must be
// present before the point can be encoded.
func NewPoint(namespace Namespace, measurement string, tags map[string]string, fields map[string]FieldValue) (*Point, error) {
	if namespace == nil {
		return nil, fmt.Errorf("%w: namespace must not be nil", ErrValidation)
	}
	if err := validateMeasurement(measurement); err != nil {
		return nil, err
	}
	ts, err := NewTagSet(tags)
	if err != nil {
		return nil, err
	}
	fs := NewFieldSet()
	// Field order follows insertion order; a plain map has no
	// inherent order, so keys are sorted here for deterministic output.
	// Callers who need a specific field order should build the point with
	// an empty map and call AddField repeatedly instead.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fs.Set(k, fields[k]); err != nil {
			return nil, err
		}
	}
	return &Point{
		Namespace:   namespace,
		Measurement: measurement,
		Tags:        ts,
		Fields:      fs,
	}, nil
}

func validateMeasurement(measurement string) error {
	if measurement == "" {
		return fmt.Errorf("%w: measurement name must have a length of at least one character", ErrValidation)
	}
	if strings.Contains(measurement, "\n") {
		return fmt.Errorf("%w: newline characters are not allowed in measurement name", ErrValidation)
	}
	if measurement[0] == '_' {
		return fmt.Errorf("%w: measurement name cannot start with an underscore character", ErrValidation)
	}
	return nil
}

// escapeMeasurement escapes a measurement name for line protocol. Unlike
// tag/field keys, measurement names do not escape '=' — only backslash,
// comma, and space.
func escapeMeasurement(measurement string) string {
	measurement = strings.ReplaceAll(measurement, `\`, `\\`)
	measurement = strings.ReplaceAll(measurement, ",", `\,`)
	measurement = strings.ReplaceAll(measurement, " ", `\ `)
	return measurement
}

// EscapeMeasurement is the exported form of escapeMeasurement, used by the
// buffer stage's byte-delta accounting.
func EscapeMeasurement(measurement string) string {
	return escapeMeasurement(measurement)
}

// AddTag sets or overwrites a tag on the point.
func (p *Point) AddTag(key, value string) error {
	return p.Tags.Set(key, value)
}

// AddField sets or overwrites a field on the point.
func (p *Point) AddField(key string, value FieldValue) error {
	return p.Fields.Set(key, value)
}

// WithTimestamp sets the point's timestamp and returns the point for
// chaining.
func (p *Point) WithTimestamp(t time.Time) *Point {
	p.Timestamp = t
	p.hasTimestamp = true
	return p
}

// HasTimestamp reports whether the point carries an explicit timestamp.
func (p *Point) HasTimestamp() bool {
	return p.hasTimestamp
}

// TimestampNanos returns the point's timestamp as integer nanoseconds
// since the Unix epoch. This uses time.Time.UnixNano() directly rather
// than a "value * constant" formula, which silently corrupts sub-second
// precision when the input is not already epoch-seconds.
func (p *Point) TimestampNanos() int64 {
	return p.Timestamp.UnixNano()
}

