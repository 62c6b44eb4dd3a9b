// Package mixedreader plans and executes a single client request as an
// ordered stream of CACHE and ORIGIN segments, writing every
// origin-sourced byte back into the cache as it streams and
// prefetching one segment ahead of the consumer.
//
// The producer shape follows rclone's backend/cache/handle.go
// Handle/worker pair, which runs a pool of workers filling a chunk
// queue ahead of a single reader position. This keeps that same "stay
// one step ahead of the reader" shape but collapses the worker pool
// down to a single ordered producer goroutine, since a request here is
// answered by a short, fully-known plan rather than an open-ended
// chunk stream.
package mixedreader

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/skylarkproxy/mediacache/internal/cachestore"
	"github.com/skylarkproxy/mediacache/internal/logging"
	"github.com/skylarkproxy/mediacache/internal/mediaerr"
	"github.com/skylarkproxy/mediacache/internal/metrics"
	"github.com/skylarkproxy/mediacache/internal/originfetch"
	"github.com/skylarkproxy/mediacache/internal/rangeset"
)

// Request describes the byte range a caller wants served. End == nil
// means an open suffix ("bytes=a-") whose true end is not yet known,
// before total_size has been discovered.
type Request struct {
	Start int64
	End   *int64
}

// Result is the outcome of a Serve call.
type Result struct {
	// Served is the concrete range actually being delivered through
	// Body. When Request.End was nil and the total size was not yet
	// known, End is -1 and Body streams to the end of the resource.
	Served rangeset.Range
	// TotalSize is the resource's total size if known by the time Serve
	// returns (it may have just been discovered from the origin).
	TotalSize *int64
	Body      io.ReadCloser
}

// Reader composes a cache object and an origin fetcher into ordered
// byte streams for individual requests.
type Reader struct {
	fetcher  *originfetch.Fetcher
	minFetch int64
	prefetch bool
	sf       singleflight.Group
}

// New builds a Reader. minFetch is the minimum origin fetch granularity
// (typically 8 KiB); prefetchAhead enables fetching the next planned
// segment while the current one still streams.
func New(fetcher *originfetch.Fetcher, minFetch int64, prefetchAhead bool) *Reader {
	return &Reader{fetcher: fetcher, minFetch: minFetch, prefetch: prefetchAhead}
}

// Serve plans and executes req against obj, fetching targetURL for any
// gaps.
func (r *Reader) Serve(ctx context.Context, obj *cachestore.Object, targetURL string, req Request) (*Result, error) {
	snapshot, totalSize := obj.Snapshot()

	if req.End == nil {
		return r.serveOpenSuffix(ctx, obj, targetURL, snapshot, totalSize, req.Start)
	}

	end := *req.End
	if totalSize != nil && end > *totalSize {
		end = *totalSize
	}
	if end <= req.Start {
		return nil, mediaerr.New(mediaerr.KindOriginUnsatisfiable, "requested range is empty after clamping to the total size")
	}

	want := rangeset.Range{Start: req.Start, End: end}
	plan := planBounded(snapshot, want, r.minFetch, totalSize)
	if anyOrigin(plan) {
		metrics.RecordMiss()
	} else {
		metrics.RecordHit()
	}
	body := r.execute(ctx, obj, targetURL, plan)
	return &Result{Served: want, TotalSize: totalSize, Body: body}, nil
}

// serveOpenSuffix handles a request whose upper bound is not yet known.
// Any bytes already cached starting exactly at req.Start are served
// first; the first uncovered position is then satisfied with a single
// open-ended origin fetch that runs to the resource's true end, which
// both answers the request and discovers total_size as a side effect.
// A cached range beyond that point is re-subsumed by the origin fetch
// rather than re-planned; an already-issued origin fetch stays safe
// even if cache state changes mid-request.
func (r *Reader) serveOpenSuffix(ctx context.Context, obj *cachestore.Object, targetURL string, snapshot *rangeset.Set, totalSize *int64, start int64) (*Result, error) {
	if totalSize != nil {
		return r.Serve(ctx, obj, targetURL, Request{Start: start, End: totalSize})
	}

	metrics.RecordMiss() // an open suffix with unknown total_size always needs an origin probe

	var plan []segment
	cursor := start
	for _, covered := range snapshot.Ranges() {
		if covered.End <= cursor {
			continue
		}
		if covered.Start > cursor {
			break // first gap begins at cursor; stop the cache walk here
		}
		plan = append(plan, segment{kind: segmentCache, fetch: rangeset.Range{Start: cursor, End: covered.End}, deliver: rangeset.Range{Start: cursor, End: covered.End}})
		cursor = covered.End
	}

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		if err := r.runCacheSegments(ctx, obj, targetURL, plan, pw); err != nil {
			_ = pw.CloseWithError(err)
			return
		}

		resp, err := r.fetcher.Fetch(ctx, targetURL, originfetch.OpenSuffix(cursor))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		defer resp.Body.Close()

		if resp.Status == originfetch.StatusUnsatisfiable {
			_ = pw.CloseWithError(mediaerr.New(mediaerr.KindOriginUnsatisfiable, "origin rejected open suffix range"))
			return
		}
		if resp.TotalSize != nil {
			if err := obj.SetTotalSize(*resp.TotalSize); err != nil {
				logging.Warnf(targetURL, "persisting discovered total size: %v", err)
			}
		}
		if _, err := io.Copy(pw, io.TeeReader(resp.Body, &cacheWriter{obj: obj, offset: cursor})); err != nil {
			_ = pw.CloseWithError(err)
		}
	}()

	end := int64(-1) // unknown until the goroutine above learns it; callers of Result.Served should treat a negative End as "streams to EOF"
	return &Result{Served: rangeset.Range{Start: start, End: end}, TotalSize: totalSize, Body: pr}, nil
}

// Probe issues a minimal 1-byte range request against targetURL solely
// to learn its total size from the origin's disclosed Content-Range.
// The caller is responsible for closing the returned response body.
func (r *Reader) Probe(ctx context.Context, targetURL string) (*originfetch.Response, error) {
	return r.fetcher.Fetch(ctx, targetURL, originfetch.Bounded(0, 1))
}

// runCacheSegments streams the leading run of already-cached segments
// into w before the caller switches to an origin fetch for the rest.
func (r *Reader) runCacheSegments(ctx context.Context, obj *cachestore.Object, targetURL string, plan []segment, w io.Writer) error {
	for _, seg := range plan {
		if err := r.serveCacheSegment(ctx, obj, targetURL, w, seg.deliver); err != nil {
			return err
		}
	}
	return nil
}

// serveCacheSegment streams deliver from the cache into w. A read
// error before any bytes reach w is treated as a CacheIoError and
// promoted to an origin refetch of the same range rather than failing
// the stream; an error after bytes have already been written cannot be
// safely retried without risking duplicated or skipped bytes and is
// returned as-is.
func (r *Reader) serveCacheSegment(ctx context.Context, obj *cachestore.Object, targetURL string, w io.Writer, deliver rangeset.Range) error {
	rd, err := obj.Read(deliver)
	var written int64
	if err == nil {
		written, err = io.Copy(w, rd)
	}
	if err == nil {
		return nil
	}
	if written > 0 {
		return err
	}

	logging.Warnf(targetURL, "cache read failed for %s, refetching from origin: %v", deliver, err)
	outcome := r.fetchSegment(ctx, obj, targetURL, segment{kind: segmentOrigin, fetch: deliver, deliver: deliver})
	if outcome.err != nil {
		return outcome.err
	}
	defer outcome.body.Close()
	_, err = io.Copy(w, outcome.body)
	return err
}

// execute runs plan to completion, returning a single io.ReadCloser
// that streams the segments in order. Origin segments run through
// singleflight keyed by targetURL+fetch range so concurrent requests
// overlapping the same gap share one upstream call, and (when enabled)
// the next origin segment is prefetched while the current one streams.
func (r *Reader) execute(ctx context.Context, obj *cachestore.Object, targetURL string, plan []segment) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		g, gctx := errgroup.WithContext(ctx)
		results := make([]chan fetchOutcome, len(plan))
		for i, seg := range plan {
			if seg.kind != segmentOrigin {
				continue
			}
			// Only the first origin segment starts up front; later ones
			// are started one ahead below, or lazily without prefetch.
			if !r.prefetch && i > 0 {
				break // issued lazily below, just before it's needed
			}
			ch := make(chan fetchOutcome, 1)
			results[i] = ch
			s := seg
			g.Go(func() error {
				ch <- r.fetchSegment(gctx, obj, targetURL, s)
				return nil
			})
			break
		}

		for i, seg := range plan {
			switch seg.kind {
			case segmentCache:
				if err := r.serveCacheSegment(ctx, obj, targetURL, pw, seg.deliver); err != nil {
					_ = pw.CloseWithError(err)
					return
				}
			case segmentOrigin:
				if results[i] == nil {
					results[i] = make(chan fetchOutcome, 1)
					results[i] <- r.fetchSegment(ctx, obj, targetURL, seg)
				}
				// Kick off the next origin segment's fetch before
				// draining this one, so it runs concurrently with the
				// copy below (one-segment-ahead prefetch).
				if r.prefetch {
					for j := i + 1; j < len(plan); j++ {
						if plan[j].kind != segmentOrigin || results[j] != nil {
							continue
						}
						ch := make(chan fetchOutcome, 1)
						results[j] = ch
						s := plan[j]
						g.Go(func() error {
							ch <- r.fetchSegment(gctx, obj, targetURL, s)
							return nil
						})
						break
					}
				}

				outcome := <-results[i]
				if outcome.err != nil {
					_ = pw.CloseWithError(outcome.err)
					return
				}
				if _, err := io.Copy(pw, outcome.body); err != nil {
					_ = outcome.body.Close()
					_ = pw.CloseWithError(err)
					return
				}
				_ = outcome.body.Close()
			}
		}
		_ = g.Wait()
	}()

	return pr
}

func anyOrigin(plan []segment) bool {
	for _, seg := range plan {
		if seg.kind == segmentOrigin {
			return true
		}
	}
	return false
}

type fetchOutcome struct {
	body io.ReadCloser
	err  error
}

// fetchSegment performs seg's origin fetch, deduplicated via
// singleflight, streaming the response straight into the cache
// through the same bounded-buffer tee serveOpenSuffix uses rather than
// reading the whole segment into memory first. Once the fetch lands
// (including any min-fetch excess beyond deliver), it reads exactly
// seg.deliver back from the cache for the consumer. A cache write
// failure during the tee is swallowed by cacheWriter and only
// resurfaces here as a (legitimate) ErrCacheMiss on the read-back,
// since in that case it genuinely prevents delivery.
func (r *Reader) fetchSegment(ctx context.Context, obj *cachestore.Object, targetURL string, seg segment) fetchOutcome {
	key := targetURL + "|" + seg.fetch.String()
	_, err, _ := r.sf.Do(key, func() (interface{}, error) {
		resp, err := r.fetcher.Fetch(ctx, targetURL, originfetch.Bounded(seg.fetch.Start, seg.fetch.End))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.Status == originfetch.StatusUnsatisfiable {
			return nil, mediaerr.New(mediaerr.KindOriginUnsatisfiable, "origin rejected range")
		}
		if resp.TotalSize != nil {
			if err := obj.SetTotalSize(*resp.TotalSize); err != nil {
				logging.Warnf(targetURL, "persisting discovered total size: %v", err)
			}
		}
		if _, err := io.Copy(&cacheWriter{obj: obj, offset: seg.fetch.Start}, resp.Body); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fetchOutcome{err: err}
	}

	rd, err := obj.Read(seg.deliver)
	if err != nil {
		return fetchOutcome{err: err}
	}
	return fetchOutcome{body: io.NopCloser(rd)}
}

// cacheWriter adapts an Object into an io.Writer that appends
// sequential bytes starting at offset, used as the tee destination for
// streamed origin bytes written back into the cache.
type cacheWriter struct {
	obj    *cachestore.Object
	offset int64
}

// Write never fails the tee on a cache-write error: writeback is
// best-effort and must not abort delivery to the client.
func (c *cacheWriter) Write(p []byte) (int, error) {
	if err := c.obj.Write(c.offset, p); err != nil {
		logging.Warnf(c.obj.Key(), "writing to cache at offset %d: %v", c.offset, err)
	}
	c.offset += int64(len(p))
	metrics.AddOriginBytes(int64(len(p)))
	return len(p), nil
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) { return 0, io.EOF }
