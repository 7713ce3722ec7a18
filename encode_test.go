package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustV3(t *testing.T, name string) Namespace {
	t.Helper()
	ns, err := NewV3Namespace(name)
	require.NoError(t, err)
	return ns
}

func TestEncodeBasic(t *testing.T) {
	ns := mustV3(t, "sensors")
	p, err := NewPoint(ns, "temperature", map[string]string{"site": "a"}, map[string]FieldValue{"value": IntValue(21)})
	require.NoError(t, err)

	line, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `temperature,site=a value=21i`, string(line))
}

func TestEncodeTagsAreSortedRegardlessOfInsertionOrder(t *testing.T) {
	ns := mustV3(t, "sensors")
	p, err := NewPoint(ns, "m", nil, map[string]FieldValue{"f": IntValue(1)})
	require.NoError(t, err)
	require.NoError(t, p.AddTag("z", "1"))
	require.NoError(t, p.AddTag("a", "2"))

	line, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `m,a=2,z=1 f=1i`, string(line))
}

func TestEncodeFieldsPreserveInsertionOrder(t *testing.T) {
	ns := mustV3(t, "sensors")
	p, err := NewPoint(ns, "m", nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.AddField("z", IntValue(1)))
	require.NoError(t, p.AddField("a", IntValue(2)))

	line, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `m z=1i,a=2i`, string(line))
}

func TestEncodeRequiresAtLeastOneField(t *testing.T) {
	ns := mustV3(t, "sensors")
	p, err := NewPoint(ns, "m", nil, nil)
	require.NoError(t, err)

	_, err = Encode(p)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEncodeWithTimestamp(t *testing.T) {
	ns := mustV3(t, "sensors")
	p, err := NewPoint(ns, "m", nil, map[string]FieldValue{"f": IntValue(1)})
	require.NoError(t, err)
	p.WithTimestamp(time.Unix(0, 1234567890))

	line, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `m f=1i 1234567890`, string(line))
}

func TestEncodeEscapesSpecialCharacters(t *testing.T) {
	ns := mustV3(t, "sensors")
	sv, err := StringValue(`hello "world"`)
	require.NoError(t, err)
	p, err := NewPoint(ns, "my measurement", map[string]string{"a tag": "a,value"}, map[string]FieldValue{"a field": sv})
	require.NoError(t, err)

	line, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `my\ measurement,a\ tag=a\,value a\ field="hello \"world\""`, string(line))
}

func TestEncodeAllJoinsWithNewlines(t *testing.T) {
	ns := mustV3(t, "sensors")
	p1, err := NewPoint(ns, "m1", nil, map[string]FieldValue{"f": IntValue(1)})
	require.NoError(t, err)
	p2, err := NewPoint(ns, "m2", nil, map[string]FieldValue{"f": IntValue(2)})
	require.NoError(t, err)

	data, err := EncodeAll([]*Point{p1, p2})
	require.NoError(t, err)
	assert.Equal(t, "m1 f=1i\nm2 f=2i", string(data))
}
