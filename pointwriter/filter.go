package pointwriter

import (
	"sort"
	"strings"
	"sync"
	"time"

	telemetry "github.com/eniris/telemetry-go"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Default configuration values, matching the Filter surface and
// original_source/eniris/point/writer/filter.py's constructor defaults
// (the per-series/global defaults here follow the constructor signature,
// not the docstring prose, which has them inverted).
const (
	DefaultMaxEntryAge         = 2 * 24 * time.Hour
	DefaultMaxSeriesEntryCount = 1_000
	DefaultMaxEntryCount       = 10_000_000
)

// FilterOptions configures a Filter.
type FilterOptions struct {
	// MaxEntryAge is the maximum time a field value is retained after its
	// last update, regardless of the timestamp carried by the point
	// itself.
	MaxEntryAge time.Duration
	// MaxSeriesEntryCount bounds the number of distinct timestamps
	// remembered per series.
	MaxSeriesEntryCount int
	// MaxEntryCount bounds the total number of remembered (series,
	// timestamp) entries across all series.
	MaxEntryCount int
	// Now, if set, overrides time.Now for deterministic tests.
	Now func() time.Time
}

func (o FilterOptions) withDefaults() FilterOptions {
	if o.MaxEntryAge <= 0 {
		o.MaxEntryAge = DefaultMaxEntryAge
	}
	if o.MaxSeriesEntryCount <= 0 {
		o.MaxSeriesEntryCount = DefaultMaxSeriesEntryCount
	}
	if o.MaxEntryCount <= 0 {
		o.MaxEntryCount = DefaultMaxEntryCount
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// seriesKey identifies a time-indexed scalar stream: namespace, measurement,
// tagset, and a single field name (a "series").
type seriesKey struct {
	namespaceParams string
	measurement     string
	tagset          string
	field           string
}

type entryKey struct {
	series  seriesKey
	tsNanos int64
}

// seriesCache is a small FIFO-ordered cache from timestamp to the last
// field value seen at that timestamp, for one series. Unlike a
// recency-based LRU, updating an existing entry's value never moves it:
// eviction order follows first-insertion order only, matching
// original_source/eniris/point/writer/filter.py's cachedSeriesValues (a
// plain dict the Python code never runs through move_to_end). Built on
// the same keys-slice-plus-map idiom FieldSet/TagSet use for
// insertion-order preservation.
type seriesCache struct {
	cap     int
	order   []int64
	values  map[int64]telemetry.FieldValue
	onEvict func(ts int64, value telemetry.FieldValue)
}

func newSeriesCache(cap int, onEvict func(int64, telemetry.FieldValue)) *seriesCache {
	return &seriesCache{cap: cap, values: make(map[int64]telemetry.FieldValue), onEvict: onEvict}
}

// Add inserts or updates the value at ts. Updating an existing key
// leaves its position in the eviction order untouched; only a freshly
// inserted key can push the cache over cap and trigger an eviction of
// the oldest entry.
func (c *seriesCache) Add(ts int64, value telemetry.FieldValue) {
	if _, exists := c.values[ts]; exists {
		c.values[ts] = value
		return
	}
	c.order = append(c.order, ts)
	c.values[ts] = value
	if len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		evicted := c.values[oldest]
		delete(c.values, oldest)
		if c.onEvict != nil {
			c.onEvict(oldest, evicted)
		}
	}
}

// Peek returns the cached value for ts without affecting eviction order.
func (c *seriesCache) Peek(ts int64) (telemetry.FieldValue, bool) {
	v, ok := c.values[ts]
	return v, ok
}

// Remove deletes ts, used when the global index evicts this
// (series, timestamp) pair first.
func (c *seriesCache) Remove(ts int64) {
	if _, ok := c.values[ts]; !ok {
		return
	}
	delete(c.values, ts)
	for i, t := range c.order {
		if t == ts {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *seriesCache) Len() int {
	return len(c.order)
}

// Filter is the point-duplicate-suppression stage. It keeps a cache
// of seriesKey -> (timestamp -> last field value), evicted by age, by
// per-series FIFO cap, and by a global LRU, all guarded by one lock.
// Grounded on original_source/eniris/point/writer/filter.py's
// PointDuplicateFilter. The global index (last-update wall-clock,
// genuinely LRU per the Python OrderedDict + move_to_end idiom there) uses
// hashicorp/golang-lru/v2/simplelru (see DESIGN.md for the grounding-risk
// note on this dependency); the per-series index is FIFO-only (seriesCache
// above), since the Python source's per-series cache is never
// move_to_end'd.
type Filter struct {
	output Writer
	opts   FilterOptions

	mu        sync.Mutex
	perSeries map[seriesKey]*seriesCache
	global    *lru.LRU[entryKey, int64]
}

// NewFilter wraps output with a duplicate-suppression filter.
func NewFilter(output Writer, opts FilterOptions) *Filter {
	opts = opts.withDefaults()
	f := &Filter{
		output:    output,
		opts:      opts,
		perSeries: make(map[seriesKey]*seriesCache),
	}
	global, err := lru.NewLRU[entryKey, int64](opts.MaxEntryCount, f.onGlobalEvict)
	if err != nil {
		// Only returned for a non-positive size, which withDefaults rules out.
		panic(err)
	}
	f.global = global
	return f
}

func (f *Filter) onGlobalEvict(ek entryKey, _ int64) {
	f.removeFromSeries(ek.series, ek.tsNanos)
}

func (f *Filter) removeFromSeries(sk seriesKey, ts int64) {
	series, ok := f.perSeries[sk]
	if !ok {
		return
	}
	series.Remove(ts)
	if series.Len() == 0 {
		delete(f.perSeries, sk)
	}
}

func (f *Filter) seriesFor(sk seriesKey) *seriesCache {
	series, ok := f.perSeries[sk]
	if ok {
		return series
	}
	series = newSeriesCache(f.opts.MaxSeriesEntryCount, func(ts int64, _ telemetry.FieldValue) {
		f.global.Remove(entryKey{series: sk, tsNanos: ts})
	})
	f.perSeries[sk] = series
	return series
}

// deleteExpiredEntries removes entries whose last update is older than
// MaxEntryAge. Uses UTC wall-clock comparisons throughout, never a
// naive-local-time branch.
func (f *Filter) deleteExpiredEntries() {
	threshold := f.opts.Now().UTC().Add(-f.opts.MaxEntryAge).UnixNano()
	for {
		_, lastUpdate, ok := f.global.GetOldest()
		if !ok || lastUpdate > threshold {
			return
		}
		f.global.RemoveOldest()
	}
}

// WritePoints implements Writer. Points without a timestamp pass through
// untouched; for timestamped points, only fields whose value differs from
// the cached value survive into the emitted point.
func (f *Filter) WritePoints(points []*telemetry.Point) error {
	out, err := f.reduce(points)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return f.output.WritePoints(out)
}

// reduce holds the lock for the duration of the cache lookups and returns
// the surviving points. Split out from WritePoints so every return path
// (including validation errors from telemetry.NewPoint) releases the lock
// via defer rather than relying on a lock/unlock pair that an early
// return could skip.
func (f *Filter) reduce(points []*telemetry.Point) ([]*telemetry.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*telemetry.Point, 0, len(points))
	f.deleteExpiredEntries()
	currentTs := f.opts.Now().UTC().UnixNano()
	for _, point := range points {
		if !point.HasTimestamp() {
			out = append(out, point)
			continue
		}
		pTs := point.TimestampNanos()
		nsKey := canonicalMap(point.Namespace.ToParams())
		tagKey := canonicalTags(point.Tags)

		updated := map[string]telemetry.FieldValue{}
		for _, fieldName := range point.Fields.Keys() {
			sk := seriesKey{namespaceParams: nsKey, measurement: point.Measurement, tagset: tagKey, field: fieldName}
			ek := entryKey{series: sk, tsNanos: pTs}
			f.global.Add(ek, currentTs)

			fieldValue, _ := point.Fields.Get(fieldName)
			series := f.seriesFor(sk)
			cached, ok := series.Peek(pTs)
			if !ok || !cached.Equal(fieldValue) {
				series.Add(pTs, fieldValue)
				updated[fieldName] = fieldValue
			}
		}
		if len(updated) > 0 {
			reduced, err := telemetry.NewPoint(point.Namespace, point.Measurement, tagsToMap(point.Tags), updated)
			if err != nil {
				return nil, err
			}
			if point.HasTimestamp() {
				reduced.WithTimestamp(point.Timestamp)
			}
			out = append(out, reduced)
		}
	}
	return out, nil
}

// Flush flushes the downstream writer; the filter itself holds no
// transmittable state.
func (f *Filter) Flush() error {
	return f.output.Flush()
}

func canonicalMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1e')
		}
		b.WriteString(k)
		b.WriteByte('\x1f')
		b.WriteString(m[k])
	}
	return b.String()
}

func canonicalTags(tags *telemetry.TagSet) string {
	m := tagsToMap(tags)
	return canonicalMap(m)
}

func tagsToMap(tags *telemetry.TagSet) map[string]string {
	m := make(map[string]string, tags.Len())
	for _, k := range tags.Keys() {
		v, _ := tags.Get(k)
		m[k] = v
	}
	return m
}
