package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldValue is a closed sum type over the four value kinds a line-protocol
// field may hold: bool, int64, float64 (finite only), and string. It is
// hand-rolled rather than built on lineprotocol.Value because this package
// needs to read a field's value back out (dedup comparison, byte-delta
// accounting), and lineprotocol.Value exposes only constructors, no
// accessor.
type FieldValue struct {
	kind    fieldKind
	boolV   bool
	intV    int64
	floatV  float64
	stringV string
}

type fieldKind int

const (
	fieldKindBool fieldKind = iota
	fieldKindInt
	fieldKindFloat
	fieldKindString
)

// BoolValue wraps a boolean field value.
func BoolValue(v bool) FieldValue { return FieldValue{kind: fieldKindBool, boolV: v} }

// IntValue wraps an integer field value.
func IntValue(v int64) FieldValue { return FieldValue{kind: fieldKindInt, intV: v} }

// FloatValue wraps a finite floating-point field value. Returns an error
// for NaN or infinite input.
func FloatValue(v float64) (FieldValue, error) {
	if !isFinite(v) {
		return FieldValue{}, fmt.Errorf("%w: float field values must be finite", ErrValidation)
	}
	return FieldValue{kind: fieldKindFloat, floatV: v}, nil
}

// StringValue wraps a string field value. Returns an error if the string
// contains a newline.
func StringValue(v string) (FieldValue, error) {
	if strings.Contains(v, "\n") {
		return FieldValue{}, fmt.Errorf("%w: newline characters are not allowed in field values", ErrValidation)
	}
	return FieldValue{kind: fieldKindString, stringV: v}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Equal reports whether two field values are identical in kind and content.
func (fv FieldValue) Equal(other FieldValue) bool {
	if fv.kind != other.kind {
		return false
	}
	switch fv.kind {
	case fieldKindBool:
		return fv.boolV == other.boolV
	case fieldKindInt:
		return fv.intV == other.intV
	case fieldKindFloat:
		return fv.floatV == other.floatV
	case fieldKindString:
		return fv.stringV == other.stringV
	}
	return false
}

// LineProtocol renders the value's line-protocol encoding: bool -> T/F,
// int -> "<digits>i", float -> decimal, string -> quoted with backslashes
// escaped first, then interior quotes (reversing the order corrupts a
// value that contains both). Exported so callers that need the encoded
// byte length without re-encoding the whole point (the buffer stage's
// byte-delta accounting) can call it directly.
func (fv FieldValue) LineProtocol() string {
	return fv.lineProtocol()
}

func (fv FieldValue) lineProtocol() string {
	switch fv.kind {
	case fieldKindBool:
		if fv.boolV {
			return "T"
		}
		return "F"
	case fieldKindInt:
		return strconv.FormatInt(fv.intV, 10) + "i"
	case fieldKindFloat:
		return strconv.FormatFloat(fv.floatV, 'g', -1, 64)
	case fieldKindString:
		s := strings.ReplaceAll(fv.stringV, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		return `"` + s + `"`
	}
	return ""
}

// FieldSet is an ordered, validated mapping from field key to FieldValue.
// Unlike TagSet, iteration and line-protocol emission preserve insertion
// order rather than sorting.
type FieldSet struct {
	keys   []string
	values map[string]FieldValue
}

// NewFieldSet builds an empty FieldSet. At least one field must be added
// via Set before the owning Point can be encoded.
func NewFieldSet() *FieldSet {
	return &FieldSet{values: make(map[string]FieldValue)}
}

// Set validates key and assigns value, overwriting any existing value for
// the same key without changing its insertion position.
func (fs *FieldSet) Set(key string, value FieldValue) error {
	if err := validateFieldKey(key); err != nil {
		return err
	}
	if _, exists := fs.values[key]; !exists {
		fs.keys = append(fs.keys, key)
	}
	fs.values[key] = value
	return nil
}

// Get returns the value for key and whether it is present.
func (fs *FieldSet) Get(key string) (FieldValue, bool) {
	v, ok := fs.values[key]
	return v, ok
}

// Len returns the number of fields.
func (fs *FieldSet) Len() int {
	return len(fs.keys)
}

// Keys returns field keys in insertion order.
func (fs *FieldSet) Keys() []string {
	out := make([]string, len(fs.keys))
	copy(out, fs.keys)
	return out
}

func validateFieldKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: field key must have a length of at least one character", ErrValidation)
	}
	if strings.Contains(key, "\n") {
		return fmt.Errorf("%w: newline characters are not allowed in field keys", ErrValidation)
	}
	if key[0] == '_' {
		return fmt.Errorf("%w: field key cannot start with an underscore character", ErrValidation)
	}
	return nil
}

// toLineProtocol renders the field set as a comma-joined "k=v" sequence in
// insertion order.
func (fs *FieldSet) toLineProtocol() string {
	parts := make([]string, 0, len(fs.keys))
	for _, k := range fs.keys {
		parts = append(parts, escapeLPIdentifier(k)+"="+fs.values[k].lineProtocol())
	}
	return strings.Join(parts, ",")
}

// EscapeFieldKey escapes a field key for use in line protocol, exposed so
// the buffer stage can compute exact byte deltas without re-encoding a
// whole FieldSet.
func EscapeFieldKey(key string) string {
	return escapeLPIdentifier(key)
}
