package transport

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/eniris/telemetry-go"
)

func noSleep(time.Duration) {}

func TestSyncSucceedsOn204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSync(SyncOptions{URL: srv.URL, sleep: noSleep})
	msg := telemetry.NewTelemessage(mustNamespace("ns"), [][]byte{[]byte("m f=1i")}, nil)
	assert.NoError(t, s.WriteTelemessage(msg))
}

func TestSyncRetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSync(SyncOptions{URL: srv.URL, MaxRetries: 5, sleep: noSleep})
	msg := telemetry.NewTelemessage(mustNamespace("ns"), [][]byte{[]byte("m f=1i")}, nil)
	require.NoError(t, s.WriteTelemessage(msg))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSyncReturnsUnexpectedResponseErrorForNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	s := NewSync(SyncOptions{URL: srv.URL, sleep: noSleep})
	msg := telemetry.NewTelemessage(mustNamespace("ns"), [][]byte{[]byte("m f=1i")}, nil)
	err := s.WriteTelemessage(msg)
	require.Error(t, err)
	unexpected, ok := err.(*SyncUnexpectedResponseError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, unexpected.StatusCode)
}

func TestSyncGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSync(SyncOptions{URL: srv.URL, MaxRetries: 2, sleep: noSleep})
	msg := telemetry.NewTelemessage(mustNamespace("ns"), [][]byte{[]byte("m f=1i")}, nil)
	err := s.WriteTelemessage(msg)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "one initial attempt plus MaxRetries retries")
}
