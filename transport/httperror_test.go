package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, srv *httptest.Server) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	return resp
}

func TestResolveHTTPErrorReturnsNilOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp := doRequest(t, srv)
	defer resp.Body.Close()
	assert.NoError(t, resolveHTTPError(resp))
}

func TestResolveHTTPErrorParsesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer srv.Close()

	resp := doRequest(t, srv)
	defer resp.Body.Close()
	err := resolveHTTPError(resp)
	require.Error(t, err)
	httpErr, ok := err.(*HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Equal(t, "rate_limited", httpErr.Code)
	assert.Equal(t, "slow down", httpErr.Message)
	assert.Equal(t, 5, httpErr.RetryAfter)
	assert.True(t, httpErr.Retryable())
}

func TestResolveHTTPErrorFallsBackToPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	resp := doRequest(t, srv)
	defer resp.Body.Close()
	err := resolveHTTPError(resp)
	require.Error(t, err)
	httpErr := err.(*HTTPError)
	assert.Equal(t, "boom", httpErr.Message)
	assert.True(t, httpErr.Retryable())
}

func TestHTTPErrorRetryableIsFalseForClientErrors(t *testing.T) {
	httpErr := &HTTPError{StatusCode: http.StatusBadRequest}
	assert.False(t, httpErr.Retryable())
}

func TestIsIgnorableMessage(t *testing.T) {
	assert.True(t, isIgnorableMessage("partial write: some error"))
	assert.False(t, isIgnorableMessage("some other error"))
}
