package direct

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/fetch"
)

func TestFetchReturnsOutcomeTuple(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		require.Equal(t, "document", r.Header.Get("Sec-Fetch-Dest"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{}, zap.NewNop())
	res, err := f.Fetch(context.Background(), fetch.Request{
		URL:      srv.URL,
		Timeout:  5 * time.Second,
		MaxBytes: 1 << 20,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), "hello")
	require.Equal(t, "text/html; charset=utf-8", res.ContentType)
	require.Contains(t, res.FinalURL, srv.URL)
}

func TestFetchEnforcesByteCap(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("a"), 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	const byteCap = 1024
	f := New(Config{}, zap.NewNop())
	res, err := f.Fetch(context.Background(), fetch.Request{
		URL:      srv.URL,
		Timeout:  5 * time.Second,
		MaxBytes: byteCap,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(res.Body), byteCap)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 1 {
			// Kill the connection to simulate a transient transport error.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := New(Config{}, zap.NewNop())
	res, err := f.Fetch(context.Background(), fetch.Request{
		URL:      srv.URL,
		Timeout:  5 * time.Second,
		Retries:  2,
		MaxBytes: 1 << 20,
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", string(res.Body))
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestFetchPropagatesFinalFailure(t *testing.T) {
	t.Parallel()

	f := New(Config{}, zap.NewNop())
	_, err := f.Fetch(context.Background(), fetch.Request{
		URL:      "http://127.0.0.1:1", // nothing listens here
		Timeout:  time.Second,
		Retries:  0,
		MaxBytes: 1024,
	})
	require.Error(t, err)
}

func TestFetchReturnsErrorStatusWithBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	}))
	defer srv.Close()

	f := New(Config{}, zap.NewNop())
	res, err := f.Fetch(context.Background(), fetch.Request{
		URL:      srv.URL,
		Timeout:  5 * time.Second,
		MaxBytes: 1024,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, "gone", string(res.Body))
}

func TestFetchRejectsBadProxy(t *testing.T) {
	t.Parallel()

	f := New(Config{}, zap.NewNop())
	_, err := f.Fetch(context.Background(), fetch.Request{
		URL:      "http://example.com",
		Proxy:    "://not-a-url",
		MaxBytes: 1024,
	})
	require.Error(t, err)
}
