package telemetry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldValueLineProtocolEncoding(t *testing.T) {
	fv, err := FloatValue(1.5)
	require.NoError(t, err)
	assert.Equal(t, "1.5", fv.LineProtocol())

	assert.Equal(t, "T", BoolValue(true).LineProtocol())
	assert.Equal(t, "F", BoolValue(false).LineProtocol())
	assert.Equal(t, "42i", IntValue(42).LineProtocol())

	sv, err := StringValue(`a "quoted" \ value`)
	require.NoError(t, err)
	assert.Equal(t, `"a \"quoted\" \\ value"`, sv.LineProtocol())
}

func TestFloatValueRejectsNonFinite(t *testing.T) {
	_, err := FloatValue(math.NaN())
	assert.ErrorIs(t, err, ErrValidation)
	_, err = FloatValue(math.Inf(1))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStringValueRejectsNewline(t *testing.T) {
	_, err := StringValue("a\nb")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFieldValueEqual(t *testing.T) {
	a := IntValue(1)
	b := IntValue(1)
	c := IntValue(2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(BoolValue(true)))
}

func TestFieldSetPreservesInsertionOrderOnOverwrite(t *testing.T) {
	fs := NewFieldSet()
	require.NoError(t, fs.Set("a", IntValue(1)))
	require.NoError(t, fs.Set("b", IntValue(2)))
	require.NoError(t, fs.Set("a", IntValue(3)))

	assert.Equal(t, []string{"a", "b"}, fs.Keys())
	v, ok := fs.Get("a")
	require.True(t, ok)
	assert.True(t, v.Equal(IntValue(3)))
}

func TestValidateFieldKeyRejectsLeadingUnderscoreAndNewline(t *testing.T) {
	fs := NewFieldSet()
	assert.ErrorIs(t, fs.Set("", IntValue(1)), ErrValidation)
	assert.ErrorIs(t, fs.Set("_x", IntValue(1)), ErrValidation)
	assert.ErrorIs(t, fs.Set("a\nb", IntValue(1)), ErrValidation)
}

func TestEscapeFieldKey(t *testing.T) {
	assert.Equal(t, `a\,b\=c\ d`, EscapeFieldKey("a,b=c d"))
}
