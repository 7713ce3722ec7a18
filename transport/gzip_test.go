package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/eniris/telemetry-go"
)

type recordingWriter struct {
	messages []*telemetry.Telemessage
}

func (r *recordingWriter) WriteTelemessage(msg *telemetry.Telemessage) error {
	r.messages = append(r.messages, msg)
	return nil
}
func (r *recordingWriter) Flush() error { return nil }

func TestGzipForwardsCompressedWhenSmaller(t *testing.T) {
	rw := &recordingWriter{}
	g := NewGzip(rw, GzipOptions{})

	// Highly compressible, well above HeaderOverhead's break-even point.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 'a'
	}
	msg := telemetry.NewTelemessage(mustNamespace("ns"), [][]byte{data}, nil)

	require.NoError(t, g.WriteTelemessage(msg))
	require.Len(t, rw.messages, 1)
	assert.Less(t, len(rw.messages[0].Data), len(data))
	assert.Equal(t, "gzip", rw.messages[0].Headers["Content-Encoding"])
}

func TestGzipForwardsUncompressedWhenNotSmaller(t *testing.T) {
	rw := &recordingWriter{}
	g := NewGzip(rw, GzipOptions{})

	msg := telemetry.NewTelemessage(mustNamespace("ns"), [][]byte{[]byte("x")}, nil)

	require.NoError(t, g.WriteTelemessage(msg))
	require.Len(t, rw.messages, 1)
	assert.Equal(t, "x", string(rw.messages[0].Data))
	assert.Empty(t, rw.messages[0].Headers["Content-Encoding"])
}

func TestGzipSkipsCompressionBelowMinSize(t *testing.T) {
	rw := &recordingWriter{}
	g := NewGzip(rw, GzipOptions{MinSize: 4096})

	data := make([]byte, 100)
	for i := range data {
		data[i] = 'a'
	}
	msg := telemetry.NewTelemessage(mustNamespace("ns"), [][]byte{data}, nil)

	require.NoError(t, g.WriteTelemessage(msg))
	require.Len(t, rw.messages, 1)
	assert.Equal(t, data, rw.messages[0].Data)
	assert.Empty(t, rw.messages[0].Headers["Content-Encoding"], "a body under MinSize must not even be attempted")
}

func TestGzipFlushForwardsToOutput(t *testing.T) {
	rw := &recordingWriter{}
	g := NewGzip(rw, GzipOptions{})
	assert.NoError(t, g.Flush())
}
