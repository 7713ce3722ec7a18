package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	telemetry "github.com/eniris/telemetry-go"
)

// SyncUnexpectedResponseError is returned when the backend responds with a
// status code that is neither 204 nor one of the configured retry codes,
// and also when a retry code is still returned on the last allowed attempt.
// Grounded on telemessage/writer/direct.py's
// DirectTelemessageWriterUnexpectedResponse.
type SyncUnexpectedResponseError struct {
	StatusCode int
	Body       string
}

func (e *SyncUnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response [code: %d]: %s", e.StatusCode, e.Body)
}

// SyncOptions configures a Sync transmitter.
type SyncOptions struct {
	URL        string
	Params     url.Values
	AuthHeader func() (string, error)
	Timeout    time.Duration
	HTTPClient *http.Client

	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	RetryStatusCodes  map[int]bool

	Logger *slog.Logger
	sleep  func(time.Duration)
}

func (o SyncOptions) withDefaults() SyncOptions {
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
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.sleep == nil {
		o.sleep = time.Sleep
	}
	return o
}

// Sync is the synchronous transmitter: WriteTelemessage blocks the
// calling goroutine until the message has been transmitted or the retry
// budget is exhausted, at which point it returns an error instead of
// queueing for later. Grounded on
// telemessage/writer/direct.py's DirectTelemessageWriter, whose blocking
// retry loop is itself driven by eniris/driver.py's retryRequest.
type Sync struct {
	opts SyncOptions
}

// NewSync builds a Sync transmitter.
func NewSync(opts SyncOptions) *Sync {
	return &Sync{opts: opts.withDefaults()}
}

// WriteTelemessage posts msg and retries on timeout, connection failure, or
// a configured retry status code, sleeping min(initialDelay*2^n, maxDelay)
// between attempts. A non-204, non-retryable response or a retry-budget
// exhaustion both surface as an error; the message is never queued.
func (s *Sync) WriteTelemessage(msg *telemetry.Telemessage) error {
	params := url.Values{}
	for k, v := range s.opts.Params {
		params[k] = append([]string(nil), v...)
	}
	for k, v := range msg.Parameters {
		params.Set(k, v)
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(s.opts.InitialRetryDelay) * math.Pow(2, float64(attempt-1)))
			if delay > s.opts.MaxRetryDelay {
				delay = s.opts.MaxRetryDelay
			}
			s.opts.sleep(delay)
		}

		req, err := http.NewRequest(http.MethodPost, s.opts.URL, bytes.NewReader(msg.Data))
		if err != nil {
			return err
		}
		req.URL.RawQuery = params.Encode()
		for k, v := range msg.Headers {
			req.Header.Set(k, v)
		}
		if s.opts.AuthHeader != nil {
			bearer, err := s.opts.AuthHeader()
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", bearer)
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		resp, err := s.opts.HTTPClient.Do(req.WithContext(ctx))
		if err != nil {
			cancel()
			lastErr = err
			if attempt < s.opts.MaxRetries {
				s.opts.Logger.Warn("retrying request after error", "attempt", attempt, "error", err)
				continue
			}
			return fmt.Errorf("sync transmitter: giving up after %d attempts: %w", attempt+1, lastErr)
		}

		if resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			cancel()
			return nil
		}

		rerr := resolveHTTPError(resp)
		resp.Body.Close()
		cancel()
		if rerr == nil {
			return nil
		}
		httpErr := rerr.(*HTTPError)
		if !isIgnorableMessage(httpErr.Message) && s.opts.RetryStatusCodes[resp.StatusCode] && httpErr.Retryable() && attempt < s.opts.MaxRetries {
			s.opts.Logger.Warn("retrying request after response", "attempt", attempt, "status", httpErr.StatusCode)
			continue
		}
		return &SyncUnexpectedResponseError{StatusCode: httpErr.StatusCode, Body: httpErr.Message}
	}
	return fmt.Errorf("sync transmitter: giving up after %d attempts: %w", s.opts.MaxRetries+1, lastErr)
}

// Flush is a no-op: Sync holds no internal state between calls.
func (s *Sync) Flush() error {
	return nil
}
