package httpapi_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylarkproxy/mediacache/internal/cachestore"
	"github.com/skylarkproxy/mediacache/internal/httpapi"
	"github.com/skylarkproxy/mediacache/internal/manager"
	"github.com/skylarkproxy/mediacache/internal/originfetch"
)

func newListener(t *testing.T, enableDebug bool) (*httpapi.Listener, *manager.Manager) {
	t.Helper()
	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	fetcher := originfetch.New(originfetch.Config{
		RetryCount:     2,
		Backoff:        []time.Duration{time.Millisecond},
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	})
	mgr := manager.New(store, fetcher, 0, false)
	return httpapi.New(mgr, enableDebug), mgr
}

func originServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int64 = 0, int64(len(body))
		rangeHdr := r.Header.Get("Range")
		if rangeHdr != "" {
			var a, b int64
			if n, _ := fmt.Sscanf(rangeHdr, "bytes=%d-%d", &a, &b); n == 2 {
				start, end = a, b+1
			}
		}
		if end > int64(len(body)) {
			end = int64(len(body))
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start:end])
	}))
}

func TestListenerBoundedRangeReturns206(t *testing.T) {
	body := []byte("0123456789")
	origin := originServer(t, body)
	defer origin.Close()

	l, _ := newListener(t, false)
	srv := httptest.NewServer(l)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/proxy/"+origin.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 2-5/10", resp.Header.Get("Content-Range"))
	assert.Equal(t, "4", resp.Header.Get("Content-Length"))
}

func TestListenerMissingTargetReturns400(t *testing.T) {
	l, _ := newListener(t, false)
	srv := httptest.NewServer(l)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/somewhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListenerDebugEndpointsGatedByFlag(t *testing.T) {
	l, _ := newListener(t, false)
	srv := httptest.NewServer(l)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/debug/cache/clear", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	// With debug disabled, the path falls through to the proxy handler,
	// which rejects it for lacking a target URL.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListenerDebugClearReturnsNoContentWhenEnabled(t *testing.T) {
	l, _ := newListener(t, true)
	srv := httptest.NewServer(l)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/debug/cache/clear", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestListenerUnsatisfiableRangeReturns416(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer origin.Close()

	l, _ := newListener(t, false)
	srv := httptest.NewServer(l)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/proxy/"+origin.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-3")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
}
