// Package originfetch performs ranged HTTP GETs against an upstream
// origin with retry, backoff, and per-host rate limiting, exposing the
// result as a lazy, resumable byte stream.
//
// Range header construction for bounded and open-ended offsets and
// retry counters follow rclone's backend/mediavfs/httpreader.go;
// request construction and status classification follow
// backend/http/http.go; per-host rate limiting follows
// backend/cache/cache.go's DefCacheRps / golang.org/x/time/rate use.
package originfetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/skylarkproxy/mediacache/internal/logging"
	"github.com/skylarkproxy/mediacache/internal/mediaerr"
	"github.com/skylarkproxy/mediacache/internal/rangeset"
)

// Status classifies how the origin answered a ranged request.
type Status int

const (
	// StatusFull indicates a 200 response carrying the entire resource.
	StatusFull Status = iota
	// StatusPartial indicates a 206 Partial Content response.
	StatusPartial
	// StatusUnsatisfiable indicates a 416 Range Not Satisfiable.
	StatusUnsatisfiable
)

// RangeRequest describes the interval to request from the origin. End
// nil means an open suffix ("bytes=a-").
type RangeRequest struct {
	Start int64
	End   *int64
}

// Bounded builds a closed RangeRequest for [start, end).
func Bounded(start, end int64) RangeRequest {
	e := end
	return RangeRequest{Start: start, End: &e}
}

// OpenSuffix builds a RangeRequest for [start, infinity).
func OpenSuffix(start int64) RangeRequest {
	return RangeRequest{Start: start}
}

func (r RangeRequest) header() string {
	if r.End == nil {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, *r.End-1)
}

// Response is the result of a successful Fetch call.
type Response struct {
	Status       Status
	ContentRange rangeset.Range
	TotalSize    *int64
	Body         io.ReadCloser
}

// Config controls retry, timeout, and rate-limiting behavior.
type Config struct {
	RetryCount     int
	Backoff        []time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RequestsPerSecond limits requests issued to a single origin
	// host; zero or negative disables limiting.
	RequestsPerSecond float64
}

// Fetcher issues ranged GETs against origin URLs.
type Fetcher struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher. The HTTP client's dial timeout and
// response-header timeout are bound to cfg.ConnectTimeout; per-read
// timeouts are enforced per Read call via a watchdog on the response
// body (see resumingBody).
func New(cfg Config) *Fetcher {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}
	return &Fetcher{
		cfg:      cfg,
		client:   &http.Client{Transport: transport},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	if f.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSecond), 1)
		f.limiters[host] = l
	}
	return l
}

func (f *Fetcher) backoffFor(attempt int) time.Duration {
	if len(f.cfg.Backoff) == 0 {
		return 0
	}
	if attempt >= len(f.cfg.Backoff) {
		return f.cfg.Backoff[len(f.cfg.Backoff)-1]
	}
	return f.cfg.Backoff[attempt]
}

func isRetryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// Fetch issues a ranged GET for rr against targetURL, retrying
// transport errors and retryable status codes up to cfg.RetryCount
// additional times. A 416 is returned unmodified as
// Response{Status: StatusUnsatisfiable}, not a Go error. Non-retryable
// 4xx responses and exhausted retries are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, rr RangeRequest) (*Response, error) {
	host := hostOf(targetURL)
	var lastErr error

	for attempt := 0; attempt <= f.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			wait := f.backoffFor(attempt - 1)
			logging.Debugf(targetURL, "retrying origin fetch (attempt %d) after %s: %v", attempt+1, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, mediaerr.Wrap(mediaerr.KindCanceled, "context canceled during retry backoff", ctx.Err())
			}
		}

		if l := f.limiterFor(host); l != nil {
			if err := l.Wait(ctx); err != nil {
				return nil, mediaerr.Wrap(mediaerr.KindCanceled, "rate limiter wait canceled", err)
			}
		}

		resp, retryable, err := f.attempt(ctx, targetURL, rr)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, mediaerr.Wrap(mediaerr.KindOriginFatal, fmt.Sprintf("origin fetch failed after %d attempts", f.cfg.RetryCount+1), lastErr)
}

// attempt performs a single HTTP round trip. The bool return indicates
// whether the caller should retry on failure.
func (f *Fetcher) attempt(ctx context.Context, targetURL string, rr RangeRequest) (*Response, bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		cancel()
		return nil, false, errors.Wrap(err, "building origin request")
	}
	req.Header.Set("Range", rr.header())

	res, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, true, errors.Wrap(err, "performing origin request")
	}

	if res.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		_ = res.Body.Close()
		cancel()
		return &Response{Status: StatusUnsatisfiable, Body: http.NoBody}, false, nil
	}
	if res.StatusCode >= 400 {
		_ = res.Body.Close()
		retryable := isRetryableStatus(res.StatusCode)
		cancel()
		return nil, retryable, errors.Errorf("origin returned %s", res.Status)
	}

	contentRange, totalSize, status, err := parseResponse(res, rr)
	if err != nil {
		_ = res.Body.Close()
		cancel()
		return nil, true, err
	}

	expectedLen := contentRange.Len()
	lengthKnown := totalSize != nil || status == StatusPartial
	body := newResumingBody(f, ctx, targetURL, res.Body, cancel, contentRange.Start, expectedLen, lengthKnown, f.cfg.ReadTimeout, f.cfg.RetryCount)
	return &Response{
		Status:       status,
		ContentRange: contentRange,
		TotalSize:    totalSize,
		Body:         body,
	}, false, nil
}

// parseResponse resolves the actual content-range served and total
// size, if disclosed, from a 200 or 206 response.
func parseResponse(res *http.Response, rr RangeRequest) (rangeset.Range, *int64, Status, error) {
	if res.StatusCode == http.StatusPartialContent {
		cr := res.Header.Get("Content-Range")
		start, end, total, err := parseContentRange(cr)
		if err != nil {
			return rangeset.Range{}, nil, 0, errors.Wrapf(err, "parsing Content-Range %q", cr)
		}
		var totalPtr *int64
		if total >= 0 {
			totalPtr = &total
		}
		return rangeset.Range{Start: start, End: end}, totalPtr, StatusPartial, nil
	}

	// Full (200) response: origin ignored the Range header and is
	// serving the entire resource starting at byte 0, regardless of
	// what rr asked for.
	size := res.ContentLength
	end := int64(0)
	var totalPtr *int64
	if size >= 0 {
		end = size
		totalPtr = &size
	}
	return rangeset.Range{Start: 0, End: end}, totalPtr, StatusFull, nil
}

// parseContentRange parses "bytes a-b/total" (total may be "*").
func parseContentRange(h string) (start, end, total int64, err error) {
	h = strings.TrimPrefix(h, "bytes ")
	parts := strings.SplitN(h, "/", 2)
	if len(parts) != 2 {
		return 0, 0, 0, errors.Errorf("malformed content-range %q", h)
	}
	rangePart, totalPart := parts[0], parts[1]

	se := strings.SplitN(rangePart, "-", 2)
	if len(se) != 2 {
		return 0, 0, 0, errors.Errorf("malformed content-range %q", h)
	}
	start, err = strconv.ParseInt(se[0], 10, 64)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "parsing range start %q", se[0])
	}
	endInclusive, err := strconv.ParseInt(se[1], 10, 64)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "parsing range end %q", se[1])
	}
	end = endInclusive + 1

	if totalPart == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(totalPart, 10, 64)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "parsing total size %q", totalPart)
	}
	return start, end, total, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
