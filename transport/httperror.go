package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// HTTPError describes a non-2xx response from the ingestion backend.
// Field set and resolveHTTPError's body-sniffing logic are grounded on
// influx/client.go's ServerError/resolveHTTPError (the ServerError type
// itself lives in a generated model package outside this retrieval
// slice; its field shape is reconstructed here from its observed usage
// in client.go and writer.go: StatusCode, Message, Code, RetryAfter).
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter int // seconds, 0 if the response carried no Retry-After header
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error: http status code %d, code %q: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server error: http status code %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the background transmitter should requeue the
// request that produced this error rather than drop it, per isIgnorableError
// in writer.go generalized to the telemetry domain: 4xx (other than 429) is
// a client mistake the server will keep rejecting, so it's not retried;
// everything else (429, 5xx, transport failures) is retried.
func (e *HTTPError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// resolveHTTPError parses a non-2xx response body into an *HTTPError, or
// returns nil for a successful status code. Grounded on
// influx/client.go's resolveHTTPError: Retry-After header parsing,
// JSON-body sniffing via Content-Type, and a plain-text body fallback.
func resolveHTTPError(r *http.Response) error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}

	httpErr := &HTTPError{StatusCode: r.StatusCode}
	if v := r.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 32); err == nil {
			httpErr.RetryAfter = int(secs)
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpErr.Message = fmt.Sprintf("cannot read error response: %v", err)
		return httpErr
	}

	ctype, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ctype == "application/json" {
		var decoded struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"` // InfluxDB 1.x-style error body
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			httpErr.Message = fmt.Sprintf("cannot decode error response: %v", err)
		} else {
			httpErr.Code = decoded.Code
			httpErr.Message = decoded.Message
			if httpErr.Message == "" && httpErr.Code == "" {
				httpErr.Message = decoded.Error
			}
		}
	}
	if httpErr.Message == "" {
		if len(body) > 0 {
			httpErr.Message = string(body)
		} else {
			httpErr.Message = r.Status
		}
	}
	return httpErr
}

// Non-retryable error substrings, carried over from writer.go's
// isIgnorableError (message-sniffing is how the InfluxDB 1.x write path
// distinguishes benign/unfixable errors from transient ones).
const (
	errStringHintedHandoffNotEmpty = "hinted handoff queue not empty"
	errStringPartialWrite          = "partial write"
	errStringPointsBeyondRP        = "points beyond retention policy"
	errStringUnableToParse         = "unable to parse"
)

// isIgnorableMessage reports whether an error message describes a
// known-benign or known-unfixable condition that should not be retried,
// even though its status code alone might suggest otherwise.
func isIgnorableMessage(message string) bool {
	for _, substr := range []string{
		errStringHintedHandoffNotEmpty,
		errStringPartialWrite,
		errStringPointsBeyondRP,
		errStringUnableToParse,
	} {
		if strings.Contains(message, substr) {
			return true
		}
	}
	return false
}
