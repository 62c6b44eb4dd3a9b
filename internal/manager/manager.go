// Package manager derives cache keys from origin URLs and coordinates
// per-key access to CacheObjects, exposing the single Serve entry point
// the HTTP listener calls.
//
// rclone's backend/cache/cache.go keeps a single mutex-guarded registry
// of open per-path state shared across concurrent callers; Manager
// applies the same shape to a reference-counted map of CacheObject
// handles keyed by digest rather than path.
package manager

import (
	"context"
	"io"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/skylarkproxy/mediacache/internal/cachestore"
	"github.com/skylarkproxy/mediacache/internal/logging"
	"github.com/skylarkproxy/mediacache/internal/mediaerr"
	"github.com/skylarkproxy/mediacache/internal/mixedreader"
	"github.com/skylarkproxy/mediacache/internal/originfetch"
	"github.com/skylarkproxy/mediacache/internal/rangeset"
)

// KeyOf derives the cache key for a URL as hex(digest(url)), following
// the pack's content-addressed identifier convention of hashing with
// go-digest and taking the encoded hex portion.
func KeyOf(url string) string {
	return digest.FromString(url).Encoded()
}

// handle is the refcounted entry behind one cache key.
type handle struct {
	obj  *cachestore.Object
	refs int
}

// ClientRange is the resolved request range a Listener hands to Serve.
// End nil is an open suffix; SuffixLength, when non-nil, means "last N
// bytes" (bytes=-n) and is resolved against total_size before
// planning, probing the origin first if total_size is unknown.
type ClientRange struct {
	Start        int64
	End          *int64
	SuffixLength *int64
}

// ServeResult is returned to the Listener for response assembly.
type ServeResult struct {
	Served    rangeset.Range
	TotalSize *int64
	Body      io.ReadCloser
}

// Manager is the top-level entry point wiring CacheStore, OriginFetcher
// and MixedReader together per request.
type Manager struct {
	store  *cachestore.Store
	reader *mixedreader.Reader

	mu      sync.Mutex
	handles map[string]*handle
}

// New builds a Manager over an already-opened cache store and fetcher.
func New(store *cachestore.Store, fetcher *originfetch.Fetcher, minFetchBytes int64, prefetch bool) *Manager {
	return &Manager{
		store:   store,
		reader:  mixedreader.New(fetcher, minFetchBytes, prefetch),
		handles: make(map[string]*handle),
	}
}

// acquire returns the shared CacheObject for key, opening it on first
// use and bumping its reference count. release must be called exactly
// once per acquire.
func (m *Manager) acquire(key, url string) (*cachestore.Object, error) {
	m.mu.Lock()
	h, ok := m.handles[key]
	if ok {
		h.refs++
		m.mu.Unlock()
		return h.obj, nil
	}
	m.mu.Unlock()

	obj, err := m.store.Open(key, url)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.handles[key]; ok {
		h.refs++
		return h.obj, nil
	}
	m.handles[key] = &handle{obj: obj, refs: 1}
	return obj, nil
}

// release drops a reference acquired via acquire, closing the object's
// file descriptors once the last reference is dropped.
func (m *Manager) release(key string) {
	m.mu.Lock()
	h, ok := m.handles[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	h.refs--
	drop := h.refs <= 0
	if drop {
		delete(m.handles, key)
	}
	m.mu.Unlock()

	if drop {
		if err := m.store.Close(key); err != nil {
			logging.Warnf(key, "closing cache object: %v", err)
		}
	}
}

// refCountingCloser decrements the Manager's reference count for key
// once the consumer finishes reading, without tying the CacheObject's
// own lifetime to any single request's cancellation.
type refCountingCloser struct {
	io.ReadCloser
	m    *Manager
	key  string
	once sync.Once
}

func (c *refCountingCloser) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(func() { c.m.release(c.key) })
	return err
}

// Serve resolves req against the CacheObject for url and returns a
// stream of the requested bytes plus response metadata. Suffix-length
// requests ("bytes=-n") are resolved against the object's total_size,
// probing the origin with a minimal range request first if the size is
// not yet known.
func (m *Manager) Serve(ctx context.Context, url string, req ClientRange) (*ServeResult, error) {
	key := KeyOf(url)
	obj, err := m.acquire(key, url)
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring cache object for %s", key)
	}

	mreq, err := m.resolveRequest(ctx, obj, url, req)
	if err != nil {
		m.release(key)
		return nil, err
	}

	res, err := m.reader.Serve(ctx, obj, url, mreq)
	if err != nil {
		m.release(key)
		return nil, err
	}

	return &ServeResult{
		Served:    res.Served,
		TotalSize: res.TotalSize,
		Body:      &refCountingCloser{ReadCloser: res.Body, m: m, key: key},
	}, nil
}

// resolveRequest turns a ClientRange into the concrete mixedreader.Request,
// probing the origin for total_size when a suffix-length request needs
// it and none is cached yet.
func (m *Manager) resolveRequest(ctx context.Context, obj *cachestore.Object, url string, req ClientRange) (mixedreader.Request, error) {
	if req.SuffixLength == nil {
		return mixedreader.Request{Start: req.Start, End: req.End}, nil
	}

	_, total := obj.Snapshot()
	if total == nil {
		probed, err := m.probeTotalSize(ctx, obj, url)
		if err != nil {
			return mixedreader.Request{}, err
		}
		total = &probed
	}

	n := *req.SuffixLength
	start := *total - n
	if start < 0 {
		start = 0
	}
	end := *total
	return mixedreader.Request{Start: start, End: &end}, nil
}

// probeTotalSize issues a minimal 1-byte range request solely to learn
// the resource's total size from the origin's disclosed Content-Range,
// persisting it for future requests.
func (m *Manager) probeTotalSize(ctx context.Context, obj *cachestore.Object, url string) (int64, error) {
	resp, err := m.reader.Probe(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.Status == originfetch.StatusUnsatisfiable || resp.TotalSize == nil {
		return 0, mediaerr.New(mediaerr.KindOriginUnsatisfiable, "origin did not disclose a total size for suffix-length request")
	}
	if err := obj.SetTotalSize(*resp.TotalSize); err != nil {
		return 0, err
	}
	return *resp.TotalSize, nil
}

// Snapshot returns the RangeSet and total size currently known for key,
// for the read-only /debug/cache/<key> introspection endpoint
// ok is false if the key has no currently-open handle.
func (m *Manager) Snapshot(key string) (ranges *rangeset.Set, totalSize *int64, ok bool) {
	m.mu.Lock()
	h, found := m.handles[key]
	m.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	ranges, totalSize = h.obj.Snapshot()
	return ranges, totalSize, true
}

// Clear invalidates all cached bytes. Handles are dropped along with
// the store's own files; new requests re-open and re-create cache
// state from an empty RangeSet. Streams already in flight keep reading
// from the *cachestore.Object they hold a reference to, but that
// object's underlying files are being removed out from under them,
// which is acceptable for an explicitly destructive, debug-gated
// operation.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.handles = make(map[string]*handle)
	m.mu.Unlock()
	return m.store.Clear()
}
