package pointwriter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/eniris/telemetry-go"
)

func TestFilterSuppressesRepeatedValueAtSameTimestamp(t *testing.T) {
	mw := &memoryWriter{}
	f := NewFilter(NewDirect(mw, DirectOptions{}), FilterOptions{})
	ns := mustNamespace("ns")
	ts := time.Unix(1000, 0)

	p1 := mustPoint(ns, "m", map[string]string{"tag": "a"}, map[string]telemetry.FieldValue{"v": telemetry.IntValue(1)})
	p1.WithTimestamp(ts)
	require.NoError(t, f.WritePoints([]*telemetry.Point{p1}))

	p2 := mustPoint(ns, "m", map[string]string{"tag": "a"}, map[string]telemetry.FieldValue{"v": telemetry.IntValue(1)})
	p2.WithTimestamp(ts)
	require.NoError(t, f.WritePoints([]*telemetry.Point{p2}))

	assert.Len(t, mw.snapshot(), 1, "the duplicate at the same timestamp must be suppressed")
}

func TestFilterPassesThroughChangedValue(t *testing.T) {
	mw := &memoryWriter{}
	f := NewFilter(NewDirect(mw, DirectOptions{}), FilterOptions{})
	ns := mustNamespace("ns")
	ts := time.Unix(1000, 0)

	p1 := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{"v": telemetry.IntValue(1)})
	p1.WithTimestamp(ts)
	require.NoError(t, f.WritePoints([]*telemetry.Point{p1}))

	p2 := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{"v": telemetry.IntValue(2)})
	p2.WithTimestamp(ts)
	require.NoError(t, f.WritePoints([]*telemetry.Point{p2}))

	assert.Len(t, mw.snapshot(), 2)
}

func TestFilterPassesThroughUntimestampedPointsUnconditionally(t *testing.T) {
	mw := &memoryWriter{}
	f := NewFilter(NewDirect(mw, DirectOptions{}), FilterOptions{})
	ns := mustNamespace("ns")

	p := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{"v": telemetry.IntValue(1)})
	require.NoError(t, f.WritePoints([]*telemetry.Point{p}))
	require.NoError(t, f.WritePoints([]*telemetry.Point{p}))

	assert.Len(t, mw.snapshot(), 2)
}

func TestFilterOnlyEmitsChangedFieldsOfAMultiFieldPoint(t *testing.T) {
	mw := &memoryWriter{}
	f := NewFilter(NewDirect(mw, DirectOptions{}), FilterOptions{})
	ns := mustNamespace("ns")
	ts := time.Unix(1000, 0)

	p1 := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{
		"a": telemetry.IntValue(1),
		"b": telemetry.IntValue(2),
	})
	p1.WithTimestamp(ts)
	require.NoError(t, f.WritePoints([]*telemetry.Point{p1}))

	p2 := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{
		"a": telemetry.IntValue(1), // unchanged
		"b": telemetry.IntValue(3), // changed
	})
	p2.WithTimestamp(ts)
	require.NoError(t, f.WritePoints([]*telemetry.Point{p2}))

	msgs := mw.snapshot()
	require.Len(t, msgs, 2)
	assert.NotContains(t, string(msgs[1].Data), "a=1i")
	assert.Contains(t, string(msgs[1].Data), "b=3i")
}

func TestFilterExpiresEntriesOlderThanMaxEntryAge(t *testing.T) {
	now := time.Unix(100000, 0)
	f := NewFilter(NewDirect(&memoryWriter{}, DirectOptions{}), FilterOptions{
		MaxEntryAge: time.Hour,
		Now:         func() time.Time { return now },
	})
	ns := mustNamespace("ns")
	ts := time.Unix(1000, 0)

	p := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{"v": telemetry.IntValue(1)})
	p.WithTimestamp(ts)
	require.NoError(t, f.WritePoints([]*telemetry.Point{p}))
	assert.Equal(t, 1, f.global.Len())

	now = now.Add(2 * time.Hour)
	require.NoError(t, f.WritePoints(nil))
	assert.Equal(t, 0, f.global.Len(), "the stale entry should have expired")
}

func TestFilterEvictsOldestSeriesEntryAtCap(t *testing.T) {
	f := NewFilter(NewDirect(&memoryWriter{}, DirectOptions{}), FilterOptions{MaxSeriesEntryCount: 2})
	ns := mustNamespace("ns")

	for i := 0; i < 3; i++ {
		p := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{"v": telemetry.IntValue(int64(i))})
		p.WithTimestamp(time.Unix(int64(1000+i), 0))
		require.NoError(t, f.WritePoints([]*telemetry.Point{p}))
	}

	require.Len(t, f.perSeries, 1)
	for _, series := range f.perSeries {
		assert.Equal(t, 2, series.Len())
		_, ok := series.Peek(time.Unix(1000, 0).UnixNano())
		assert.False(t, ok, "the oldest-inserted timestamp must be the one evicted")
	}
}

func TestFilterSeriesCacheEvictionOrderIgnoresUpdates(t *testing.T) {
	f := NewFilter(NewDirect(&memoryWriter{}, DirectOptions{}), FilterOptions{MaxSeriesEntryCount: 2})
	ns := mustNamespace("ns")
	ts0 := time.Unix(1000, 0)
	ts1 := time.Unix(1001, 0)
	ts2 := time.Unix(1002, 0)

	write := func(ts time.Time, v int64) {
		p := mustPoint(ns, "m", nil, map[string]telemetry.FieldValue{"v": telemetry.IntValue(v)})
		p.WithTimestamp(ts)
		require.NoError(t, f.WritePoints([]*telemetry.Point{p}))
	}

	write(ts0, 0)
	write(ts1, 1)
	// Updating ts0's value must not refresh its position: per the FIFO
	// (not LRU) semantics of the per-series cache, ts0 is still the
	// oldest entry and is the one evicted once ts2 pushes the cache over
	// cap, even though it was just touched.
	write(ts0, 2)
	write(ts2, 3)

	require.Len(t, f.perSeries, 1)
	for _, series := range f.perSeries {
		_, hasTs0 := series.Peek(ts0.UnixNano())
		assert.False(t, hasTs0, "ts0 should have been evicted despite its recent update")
		_, hasTs1 := series.Peek(ts1.UnixNano())
		assert.True(t, hasTs1)
		_, hasTs2 := series.Peek(ts2.UnixNano())
		assert.True(t, hasTs2)
	}
}
