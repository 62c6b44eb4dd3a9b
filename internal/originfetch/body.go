package originfetch

import (
	"context"
	"io"
	"time"

	"github.com/skylarkproxy/mediacache/internal/logging"
)

// resumingBody wraps an origin response body with a per-read watchdog
// timeout (a stall or early close mid-stream counts as a truncation)
// and transparently re-issues a sub-range request to finish delivering
// the expected bytes, up to maxRetries times. From the consumer's
// side the returned io.ReadCloser either delivers exactly expectedLen
// bytes or returns a terminal error once retries are exhausted.
type resumingBody struct {
	f           *Fetcher
	ctx         context.Context
	url         string
	readTimeout time.Duration
	maxRetries  int

	current     io.ReadCloser
	cancel      context.CancelFunc
	timer       *time.Timer
	pos         int64 // next absolute offset to be delivered
	expectedEnd int64 // absolute offset one past the last expected byte
	lengthKnown bool  // false when the origin never disclosed a size
	retriesLeft int
}

func newResumingBody(f *Fetcher, ctx context.Context, url string, body io.ReadCloser, cancel context.CancelFunc, start, length int64, lengthKnown bool, readTimeout time.Duration, maxRetries int) *resumingBody {
	b := &resumingBody{
		f:           f,
		ctx:         ctx,
		url:         url,
		current:     body,
		cancel:      cancel,
		pos:         start,
		expectedEnd: start + length,
		lengthKnown: lengthKnown,
		readTimeout: readTimeout,
		maxRetries:  maxRetries,
		retriesLeft: maxRetries,
	}
	if readTimeout > 0 {
		b.timer = time.AfterFunc(readTimeout, cancel)
	}
	return b
}

func (b *resumingBody) Read(p []byte) (int, error) {
	if b.lengthKnown && b.pos >= b.expectedEnd {
		return 0, io.EOF
	}

	for {
		if b.timer != nil {
			b.timer.Reset(b.readTimeout)
		}
		n, err := b.current.Read(p)
		if b.timer != nil {
			b.timer.Reset(b.readTimeout)
		}
		b.pos += int64(n)

		if err == nil {
			return n, nil
		}
		if err == io.EOF && (!b.lengthKnown || b.pos >= b.expectedEnd) {
			return n, io.EOF
		}
		if err != io.EOF && b.ctx.Err() == nil && n > 0 {
			// A transient read error that still delivered bytes: let
			// the caller consume them before we decide whether to
			// resume, matching io.Reader's "may return non-zero n and
			// non-nil err" contract.
			return n, nil
		}

		// Truncation: the body ended (or errored) before delivering
		// all expected bytes. Without a known length we cannot tell a
		// truncation from a genuine end of stream, so honor the error
		// as-is rather than guessing.
		if !b.lengthKnown {
			if err == io.EOF {
				return n, io.EOF
			}
			return n, err
		}
		if b.retriesLeft <= 0 {
			return n, io.ErrUnexpectedEOF
		}
		b.retriesLeft--
		logging.Warnf(b.url, "origin stream truncated at offset %d (want %d), resuming: %v", b.pos, b.expectedEnd, err)

		if rerr := b.resume(); rerr != nil {
			return n, rerr
		}
		if n > 0 {
			return n, nil
		}
		// n == 0: loop and try reading from the freshly resumed body.
	}
}

func (b *resumingBody) resume() error {
	_ = b.current.Close()

	resp, _, err := b.f.attempt(b.ctx, b.url, Bounded(b.pos, b.expectedEnd))
	if err != nil {
		return err
	}
	rb, ok := resp.Body.(*resumingBody)
	if !ok {
		return io.ErrUnexpectedEOF
	}
	b.current = rb.current
	b.cancel()
	b.cancel = rb.cancel
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = rb.timer
	return nil
}

func (b *resumingBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.current.Close()
	b.cancel()
	return err
}

var _ io.ReadCloser = (*resumingBody)(nil)
