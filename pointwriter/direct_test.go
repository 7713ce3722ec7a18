package pointwriter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/eniris/telemetry-go"
)

func TestDirectGroupsByNamespace(t *testing.T) {
	mw := &memoryWriter{}
	d := NewDirect(mw, DirectOptions{})
	ns1 := mustNamespace("ns1")
	ns2 := mustNamespace("ns2")

	p1 := mustPoint(ns1, "m", nil, map[string]telemetry.FieldValue{"a": telemetry.IntValue(1)})
	p2 := mustPoint(ns2, "m", nil, map[string]telemetry.FieldValue{"a": telemetry.IntValue(2)})
	p3 := mustPoint(ns1, "m", nil, map[string]telemetry.FieldValue{"a": telemetry.IntValue(3)})

	require.NoError(t, d.WritePoints([]*telemetry.Point{p1, p2, p3}))

	msgs := mw.snapshot()
	require.Len(t, msgs, 2, "one telemessage per distinct namespace")
	assert.Equal(t, "m a=1i\nm a=3i", string(msgs[0].Data))
	assert.Equal(t, "m a=2i", string(msgs[1].Data))
}

func TestDirectSplitsOnMaxBatchSizeBytes(t *testing.T) {
	mw := &memoryWriter{}
	d := NewDirect(mw, DirectOptions{MaxBatchSizeBytes: 10})
	ns := mustNamespace("ns")

	var points []*telemetry.Point
	for i := 0; i < 3; i++ {
		points = append(points, mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{"a": telemetry.IntValue(int64(i))}))
	}

	require.NoError(t, d.WritePoints(points))

	msgs := mw.snapshot()
	assert.Greater(t, len(msgs), 1, "points should be split across multiple telemessages once MaxBatchSizeBytes is exceeded")
}

func TestDirectFlushIsNoOpButForwardsToOutput(t *testing.T) {
	mw := &memoryWriter{}
	d := NewDirect(mw, DirectOptions{})
	require.NoError(t, d.Flush())
	assert.Equal(t, 1, mw.flushes)
}
