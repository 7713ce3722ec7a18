package transport

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	telemetry "github.com/eniris/telemetry-go"
)

// Default retry-eligible HTTP status codes.
var defaultRetryStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusServiceUnavailable:  true,
}

// BackgroundOptions configures a Background transmitter.
type BackgroundOptions struct {
	// URL is the ingress endpoint every telemessage is POSTed to.
	URL string
	// Params are static query parameters merged with each message's own
	// Telemessage.Parameters (the message's own values win on conflict).
	Params url.Values
	// AuthHeader, if set, is called for each request to obtain the
	// Authorization header value (e.g. wired to Auth.AccessTokenBearer).
	AuthHeader func() (string, error)
	Timeout    time.Duration
	HTTPClient *http.Client

	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	RetryStatusCodes  map[int]bool
	// MaxHeapSize, if positive, bounds the retry heap: excess entries are
	// dropped from the tail of the underlying array, a deliberately
	// non-FIFO, best-effort backpressure policy (a "lazy heap cap").
	MaxHeapSize int

	// SnapshotFolder, if set, persists pending messages to disk so they
	// survive a process crash.
	SnapshotFolder string
	MinSnapshotAge time.Duration
	SnapshotPeriod time.Duration

	Logger *slog.Logger
	now    func() time.Time
}

func (o BackgroundOptions) withDefaults() BackgroundOptions {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 4
	}
	if o.InitialRetryDelay <= 0 {
		o.InitialRetryDelay = time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 60 * time.Second
	}
	if o.RetryStatusCodes == nil {
		o.RetryStatusCodes = defaultRetryStatusCodes
	}
	if o.MinSnapshotAge <= 0 {
		o.MinSnapshotAge = 60 * time.Second
	}
	if o.SnapshotPeriod <= 0 {
		o.SnapshotPeriod = time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// messageWrapper is a queued telemessage awaiting transmission. Grounded
// on original_source/eniris/telemessage/writer/background.py's
// TelemessageWrapper, with the subId/snapshot-filename machinery folded
// in from pooled.py's TelemessageWrapper.
type messageWrapper struct {
	telemessage   *telemetry.Telemessage
	creationDt    time.Time
	subID         int64
	retryNr       int
	scheduledTime time.Time
	heapIndex     int
}

// wrapperHeap is a container/heap min-heap ordered by scheduledTime, with
// subID as an explicit tiebreaker so two messages scheduled at the exact
// same instant still sort deterministically.
type wrapperHeap []*messageWrapper

func (h wrapperHeap) Len() int { return len(h) }
func (h wrapperHeap) Less(i, j int) bool {
	if h[i].scheduledTime.Equal(h[j].scheduledTime) {
		return h[i].subID < h[j].subID
	}
	return h[i].scheduledTime.Before(h[j].scheduledTime)
}
func (h wrapperHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *wrapperHeap) Push(x any) {
	w := x.(*messageWrapper)
	w.heapIndex = len(*h)
	*h = append(*h, w)
}
func (h *wrapperHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// Background is the background transmitter, the hardest
// subsystem: a single worker goroutine drains a newly-arrived-message
// list into a scheduled-time min-heap, attempts transmission one message
// at a time, reschedules failures with exponential backoff, and
// optionally persists pending messages to disk between sweeps so a crash
// does not lose them. Grounded on background.py's single-thread worker
// loop (__worker/__get_next_tmw/__send_tmw/__reschedule) and pooled.py's
// snapshot file mechanics (TelemessageWrapper.saveSnapshot/removeSnapshot,
// loadSnapshot).
type Background struct {
	opts BackgroundOptions

	mu          sync.Mutex
	newMessages []*messageWrapper
	pending     wrapperHeap
	stopped     bool
	// inFlight counts messages popped off pending but not yet fully
	// handled (sent, rescheduled, and the subsequent bookkeeping
	// completed). Without it, a message sent outside the lock would
	// read as "drained" the moment it left the heap.
	inFlight int
	drained  *sync.Cond

	subIDCounter int64
	wake         chan struct{}
	stop         chan struct{}
	done         chan struct{}
}

// NewBackground builds a Background transmitter. If opts.SnapshotFolder is
// set, any snapshot files present are loaded and enqueued before the
// worker goroutine starts.
func NewBackground(opts BackgroundOptions) (*Background, error) {
	opts = opts.withDefaults()
	b := &Background{
		opts: opts,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.drained = sync.NewCond(&b.mu)

	if opts.SnapshotFolder != "" {
		loaded, err := b.loadSnapshots()
		if err != nil {
			return nil, err
		}
		for _, tmw := range loaded {
			if tmw.subID > b.subIDCounter {
				b.subIDCounter = tmw.subID
			}
			b.pending = append(b.pending, tmw)
		}
		heap.Init(&b.pending)
	}

	go b.run()
	return b, nil
}

func (b *Background) nextSubID() int64 {
	return atomic.AddInt64(&b.subIDCounter, 1)
}

func (b *Background) signalWake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// WriteTelemessage implements Writer: the message is appended to the
// new-message list and the worker is woken; the call does not block on
// transmission.
func (b *Background) WriteTelemessage(msg *telemetry.Telemessage) error {
	now := b.opts.now()
	tmw := &messageWrapper{
		telemessage:   msg,
		creationDt:    now,
		subID:         b.nextSubID(),
		scheduledTime: now,
	}
	b.mu.Lock()
	b.newMessages = append(b.newMessages, tmw)
	b.mu.Unlock()
	b.signalWake()
	return nil
}

func (b *Background) isDrainedLocked() bool {
	return len(b.newMessages) == 0 && b.pending.Len() == 0 && b.inFlight == 0
}

// Flush blocks until every queued and in-flight message has been
// transmitted, dropped, or snapshotted.
func (b *Background) Flush() error {
	b.mu.Lock()
	for !b.isDrainedLocked() {
		b.drained.Wait()
	}
	b.mu.Unlock()
	return nil
}

// Close signals the worker to stop. If blocking, it waits for the worker
// to finish its shutdown handling (final-attempt flush or snapshot sweep)
// before returning.
func (b *Background) Close(blocking bool) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stop)
	if blocking {
		<-b.done
	}
	return nil
}

func (b *Background) run() {
	defer close(b.done)
	lastSweep := b.opts.now()
	for {
		tmw, stopping := b.waitForNext()
		if stopping {
			b.shutdown()
			return
		}

		reason, failed := b.send(tmw)
		if failed {
			b.reschedule(reason, tmw)
		} else {
			b.removeSnapshotFile(tmw)
		}

		b.mu.Lock()
		b.inFlight--
		b.applyHeapCapLocked()
		if b.isDrainedLocked() {
			b.drained.Broadcast()
		}
		needsSweep := b.opts.SnapshotFolder != "" && b.opts.now().Sub(lastSweep) >= b.opts.SnapshotPeriod
		b.mu.Unlock()

		if needsSweep {
			b.snapshotSweep()
			lastSweep = b.opts.now()
		}
	}
}

// waitForNext blocks until either a message is ready to be sent (its
// scheduledTime has arrived) or a stop has been requested.
func (b *Background) waitForNext() (*messageWrapper, bool) {
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return nil, true
		}
		for _, tmw := range b.newMessages {
			heap.Push(&b.pending, tmw)
		}
		b.newMessages = nil

		if b.pending.Len() > 0 {
			next := b.pending[0]
			wait := next.scheduledTime.Sub(b.opts.now())
			if wait <= 0 {
				heap.Pop(&b.pending)
				b.inFlight++
				b.mu.Unlock()
				return next, false
			}
			b.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-b.stop:
				timer.Stop()
			case <-b.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		b.mu.Unlock()
		select {
		case <-b.stop:
		case <-b.wake:
		}
	}
}

// send attempts one transmission. It returns a human-readable reason and
// true if the message should be rescheduled; reason is empty when the
// message is finished (success or permanent drop), in which case failed
// is false.
func (b *Background) send(tmw *messageWrapper) (reason string, failed bool) {
	params := url.Values{}
	for k, v := range b.opts.Params {
		params[k] = append([]string(nil), v...)
	}
	for k, v := range tmw.telemessage.Parameters {
		params.Set(k, v)
	}

	req, err := http.NewRequest(http.MethodPost, b.opts.URL, bytes.NewReader(tmw.telemessage.Data))
	if err != nil {
		b.opts.Logger.Error("dropping telemessage due to unexpected request-construction error", "error", err)
		return "", false
	}
	req.URL.RawQuery = params.Encode()
	for k, v := range tmw.telemessage.Headers {
		req.Header.Set(k, v)
	}
	if b.opts.AuthHeader != nil {
		bearer, err := b.opts.AuthHeader()
		if err != nil {
			return "authentication error: " + err.Error(), true
		}
		req.Header.Set("Authorization", bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	resp, err := b.opts.HTTPClient.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "timeout", true
		}
		return "connection error: " + err.Error(), true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return "", false
	}

	err = resolveHTTPError(resp)
	if err == nil {
		return "", false
	}
	httpErr := err.(*HTTPError)
	if isIgnorableMessage(httpErr.Message) {
		b.opts.Logger.Error("dropping telemessage due to ignorable response", "status", httpErr.StatusCode, "message", httpErr.Message)
		return "", false
	}
	if b.opts.RetryStatusCodes[resp.StatusCode] && httpErr.Retryable() {
		return "response with status code " + strconv.Itoa(httpErr.StatusCode) + ": " + httpErr.Message, true
	}
	b.opts.Logger.Error("dropping telemessage due to response", "status", httpErr.StatusCode, "message", httpErr.Message)
	return "", false
}

func (b *Background) reschedule(reason string, tmw *messageWrapper) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tmw.retryNr+1 <= b.opts.MaxRetries {
		b.opts.Logger.Warn("retrying telemessage", "reason", reason, "retryNr", tmw.retryNr+1)
		delay := time.Duration(float64(b.opts.InitialRetryDelay) * math.Pow(2, float64(tmw.retryNr)))
		if delay > b.opts.MaxRetryDelay {
			delay = b.opts.MaxRetryDelay
		}
		tmw.retryNr++
		tmw.scheduledTime = b.opts.now().Add(delay)
		heap.Push(&b.pending, tmw)
		return
	}
	b.opts.Logger.Error("maximum retries exceeded, dropping telemessage", "reason", reason)
	b.removeSnapshotFileLocked(tmw)
}

// applyHeapCapLocked enforces MaxHeapSize by truncating the tail of the
// heap's backing array (a "lazy heap cap"). This is not a proper
// pop: it biases drops toward later-scheduled entries. Because only the
// array's tail is removed, the heap property of the retained prefix is
// unaffected (no re-heapify is needed).
func (b *Background) applyHeapCapLocked() {
	if b.opts.MaxHeapSize <= 0 {
		return
	}
	for len(b.pending) > b.opts.MaxHeapSize {
		last := len(b.pending) - 1
		dropped := b.pending[last]
		b.pending = b.pending[:last]
		b.opts.Logger.Warn("dropping telemessage due to retry-heap cap", "subId", dropped.subID)
		b.removeSnapshotFileLocked(dropped)
	}
}

func (b *Background) shutdown() {
	b.mu.Lock()
	for _, tmw := range b.newMessages {
		heap.Push(&b.pending, tmw)
	}
	b.newMessages = nil
	remaining := make([]*messageWrapper, len(b.pending))
	copy(remaining, b.pending)
	b.mu.Unlock()

	if b.opts.SnapshotFolder == "" {
		for _, tmw := range remaining {
			// Force the retry counter to its cap so a failed final
			// attempt does not requeue the message.
			tmw.retryNr = b.opts.MaxRetries
			if _, failed := b.send(tmw); failed {
				b.opts.Logger.Error("dropping telemessage on shutdown: final attempt failed")
			}
		}
	} else {
		for _, tmw := range remaining {
			if err := b.writeSnapshotFile(tmw); err != nil {
				b.opts.Logger.Error("failed to snapshot telemessage on shutdown", "error", err)
			}
		}
	}

	b.mu.Lock()
	b.pending = nil
	b.drained.Broadcast()
	b.mu.Unlock()
}

// snapshotFilenamePattern mirrors the `YYYYMMDDTHHMMSSffffff_subId_<integer>.pickle` filename shape.
var snapshotFilenamePattern = regexp.MustCompile(`^(\d{8}T\d{12})_subId_(\d+)\.pickle$`)

func snapshotFilename(tmw *messageWrapper) string {
	dt := tmw.creationDt.UTC()
	return fmt.Sprintf("%s%06d_subId_%d.pickle", dt.Format("20060102T150405"), dt.Nanosecond()/1000, tmw.subID)
}

type snapshotRecord struct {
	Parameters map[string]string `json:"parameters"`
	Headers    map[string]string `json:"headers"`
	Data       string            `json:"data"` // base64-encoded
	CreationDt string            `json:"creationDt"`
	SubID      int64             `json:"subId"`
	RetryNr    int               `json:"retryNr"`
}

func (b *Background) writeSnapshotFile(tmw *messageWrapper) error {
	path := filepath.Join(b.opts.SnapshotFolder, snapshotFilename(tmw))
	if _, err := os.Stat(path); err == nil {
		return nil // already on disk; never rewrite an existing snapshot
	}
	record := snapshotRecord{
		Parameters: tmw.telemessage.Parameters,
		Headers:    tmw.telemessage.Headers,
		Data:       base64.StdEncoding.EncodeToString(tmw.telemessage.Data),
		CreationDt: tmw.creationDt.UTC().Format(time.RFC3339Nano),
		SubID:      tmw.subID,
		RetryNr:    tmw.retryNr,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (b *Background) removeSnapshotFile(tmw *messageWrapper) {
	if b.opts.SnapshotFolder == "" {
		return
	}
	b.removeSnapshotFileLocked(tmw)
}

func (b *Background) removeSnapshotFileLocked(tmw *messageWrapper) {
	if b.opts.SnapshotFolder == "" {
		return
	}
	path := filepath.Join(b.opts.SnapshotFolder, snapshotFilename(tmw))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.opts.Logger.Error("failed to remove snapshot file", "error", err)
	}
}

// loadSnapshots scans SnapshotFolder on startup, parsing each filename for
// its creationDt and subId and decoding the file body for the rest.
// Malformed files are logged and skipped; an unreadable folder yields no
// messages rather than an error.
func (b *Background) loadSnapshots() ([]*messageWrapper, error) {
	entries, err := os.ReadDir(b.opts.SnapshotFolder)
	if err != nil {
		b.opts.Logger.Warn("unable to read snapshot folder, starting empty", "error", err)
		return nil, nil
	}

	var wrappers []*messageWrapper
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := snapshotFilenamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			b.opts.Logger.Warn("skipping malformed snapshot filename", "name", entry.Name())
			continue
		}
		creationDt, err := time.Parse("20060102T150405.000000", m[1][:15]+"."+m[1][15:])
		if err != nil {
			b.opts.Logger.Warn("skipping snapshot with unparsable timestamp", "name", entry.Name(), "error", err)
			continue
		}
		subID, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			b.opts.Logger.Warn("skipping snapshot with unparsable subId", "name", entry.Name(), "error", err)
			continue
		}

		path := filepath.Join(b.opts.SnapshotFolder, entry.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			b.opts.Logger.Warn("skipping unreadable snapshot file", "name", entry.Name(), "error", err)
			continue
		}
		var record snapshotRecord
		if err := json.Unmarshal(body, &record); err != nil {
			b.opts.Logger.Warn("skipping snapshot with undecodable body", "name", entry.Name(), "error", err)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(record.Data)
		if err != nil {
			b.opts.Logger.Warn("skipping snapshot with undecodable payload", "name", entry.Name(), "error", err)
			continue
		}

		wrappers = append(wrappers, &messageWrapper{
			telemessage: &telemetry.Telemessage{
				Parameters: record.Parameters,
				Headers:    record.Headers,
				Data:       data,
			},
			creationDt: creationDt.UTC(),
			subID:      subID,
			retryNr:    record.RetryNr,
			// scheduledTime is reset to creationDt on replay.
			scheduledTime: creationDt.UTC(),
		})
	}
	return wrappers, nil
}

// snapshotSweep persists every pending message older than MinSnapshotAge
// and removes any on-disk file that no longer corresponds to a pending,
// past-threshold message.
func (b *Background) snapshotSweep() {
	b.mu.Lock()
	threshold := b.opts.now().Add(-b.opts.MinSnapshotAge)
	candidates := make([]*messageWrapper, 0, len(b.pending)+len(b.newMessages))
	candidates = append(candidates, b.pending...)
	candidates = append(candidates, b.newMessages...)
	b.mu.Unlock()

	keep := make(map[string]bool, len(candidates))
	for _, tmw := range candidates {
		if tmw.creationDt.After(threshold) {
			continue
		}
		keep[snapshotFilename(tmw)] = true
		if err := b.writeSnapshotFile(tmw); err != nil {
			b.opts.Logger.Error("failed to write snapshot", "error", err)
		}
	}

	entries, err := os.ReadDir(b.opts.SnapshotFolder)
	if err != nil {
		b.opts.Logger.Error("failed to list snapshot folder", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pickle") || keep[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(b.opts.SnapshotFolder, entry.Name())); err != nil {
			b.opts.Logger.Error("failed to remove stale snapshot", "error", err)
		}
	}
}
