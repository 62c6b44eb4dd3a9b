package mixedreader_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylarkproxy/mediacache/internal/cachestore"
	"github.com/skylarkproxy/mediacache/internal/mixedreader"
	"github.com/skylarkproxy/mediacache/internal/originfetch"
	"github.com/skylarkproxy/mediacache/internal/rangeset"
)

func endPtr(v int64) *int64 { return &v }

func testFetcher() *originfetch.Fetcher {
	return originfetch.New(originfetch.Config{
		RetryCount:     2,
		Backoff:        []time.Duration{time.Millisecond},
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	})
}

func TestServeColdMissFetchesWholeRangeFromOrigin(t *testing.T) {
	full := []byte("0123456789ABCDEF")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-15/16")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(full)
	}))
	defer srv.Close()

	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	obj, err := store.Open("k1", srv.URL)
	require.NoError(t, err)

	rd := mixedreader.New(testFetcher(), 0, false)
	res, err := rd.Serve(context.Background(), obj, srv.URL, mixedreader.Request{Start: 0, End: endPtr(16)})
	require.NoError(t, err)
	defer res.Body.Close()

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, full, got)

	ranges, _ := obj.Snapshot()
	assert.True(t, ranges.Covers(rangeset.Range{Start: 0, End: 16}))
}

func TestServeFullHitNeverCallsOrigin(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	obj, err := store.Open("k2", srv.URL)
	require.NoError(t, err)
	require.NoError(t, obj.Write(0, []byte("hello world")))

	rd := mixedreader.New(testFetcher(), 0, false)
	res, err := rd.Serve(context.Background(), obj, srv.URL, mixedreader.Request{Start: 0, End: endPtr(11)})
	require.NoError(t, err)
	defer res.Body.Close()

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
	assert.Zero(t, calls)
}

func TestServePartialHitStitchesCacheAndOrigin(t *testing.T) {
	full := []byte("0123456789")
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "bytes=4-7", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 4-7/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(full[4:8])
	}))
	defer srv.Close()

	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	obj, err := store.Open("k3", srv.URL)
	require.NoError(t, err)
	require.NoError(t, obj.Write(0, full[0:4]))
	require.NoError(t, obj.Write(8, full[8:10]))

	rd := mixedreader.New(testFetcher(), 0, false)
	res, err := rd.Serve(context.Background(), obj, srv.URL, mixedreader.Request{Start: 0, End: endPtr(10)})
	require.NoError(t, err)
	defer res.Body.Close()

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, full, got)
	assert.Equal(t, 1, calls)

	ranges, _ := obj.Snapshot()
	assert.True(t, ranges.Covers(rangeset.Range{Start: 0, End: 10}))
}

func TestServeCoalescesTinyGapUnderMinFetch(t *testing.T) {
	full := make([]byte, 20)
	for i := range full {
		full[i] = byte('a' + i%26)
	}
	var calls int
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 5-19/20")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(full[5:20])
	}))
	defer srv.Close()

	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	obj, err := store.Open("k4", srv.URL)
	require.NoError(t, err)
	require.NoError(t, obj.Write(0, full[0:5]))
	require.NoError(t, obj.SetTotalSize(20))

	rd := mixedreader.New(testFetcher(), 100, false) // min_fetch far larger than the 2-byte gap
	res, err := rd.Serve(context.Background(), obj, srv.URL, mixedreader.Request{Start: 0, End: endPtr(7)})
	require.NoError(t, err)
	defer res.Body.Close()

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, full[0:7], got)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "bytes=5-19", gotRange) // expanded to the total size, not just the requested 2 bytes

	ranges, _ := obj.Snapshot()
	assert.True(t, ranges.Covers(rangeset.Range{Start: 0, End: 20}), "excess fetched bytes should be cached even though not delivered")
}

func TestServeOpenSuffixDiscoversTotalSize(t *testing.T) {
	full := []byte("abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=3-", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 3-9/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(full[3:])
	}))
	defer srv.Close()

	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	obj, err := store.Open("k5", srv.URL)
	require.NoError(t, err)

	rd := mixedreader.New(testFetcher(), 0, false)
	res, err := rd.Serve(context.Background(), obj, srv.URL, mixedreader.Request{Start: 3, End: nil})
	require.NoError(t, err)
	defer res.Body.Close()

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, full[3:], got)

	_, total := obj.Snapshot()
	require.NotNil(t, total)
	assert.EqualValues(t, 10, *total)
}

func TestServeClampsRangeBeyondKnownTotalSize(t *testing.T) {
	full := []byte("12345")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	obj, err := store.Open("k6", srv.URL)
	require.NoError(t, err)
	require.NoError(t, obj.Write(0, full))
	require.NoError(t, obj.SetTotalSize(5))

	rd := mixedreader.New(testFetcher(), 0, false)
	res, err := rd.Serve(context.Background(), obj, srv.URL, mixedreader.Request{Start: 0, End: endPtr(1000)})
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, int64(5), res.Served.End)
	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}
