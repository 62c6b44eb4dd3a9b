// Package httpapi is the Listener: it decodes proxied-URL requests,
// parses client Range headers, calls into internal/manager, and
// assembles HTTP responses with correct Content-Range/Content-Length
// semantics.
//
// Status-to-error classification conventions follow rclone's
// backend/http/http.go, adapted here in the opposite direction
// (server-side response assembly rather than client-side request
// parsing, which lives in internal/originfetch).
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/skylarkproxy/mediacache/internal/logging"
	"github.com/skylarkproxy/mediacache/internal/manager"
	"github.com/skylarkproxy/mediacache/internal/mediaerr"
	"github.com/skylarkproxy/mediacache/internal/metrics"
)

// copyBody streams body to w, flushing as it goes if w supports it so
// bytes reach the client as they arrive rather than being buffered
// in full until the handler returns.
func copyBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// OriginHeader is the alternative to the /proxy/<url> path form: a
// client may instead set this header to the target URL on a request to
// any path.
const OriginHeader = "X-Mediacache-Origin"

const proxyPrefix = "/proxy/"

// Listener is the HTTP entry point wired to a Manager.
type Listener struct {
	mgr         *manager.Manager
	enableDebug bool
}

// New builds a Listener over mgr. enableDebug gates the /debug/cache/*
// introspection and clear endpoints.
func New(mgr *manager.Manager, enableDebug bool) *Listener {
	return &Listener{mgr: mgr, enableDebug: enableDebug}
}

// ServeHTTP implements http.Handler.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case l.enableDebug && strings.HasPrefix(r.URL.Path, "/debug/cache/clear") && r.Method == http.MethodPost:
		l.handleClear(w, r)
	case l.enableDebug && strings.HasPrefix(r.URL.Path, "/debug/cache/"):
		l.handleSnapshot(w, r)
	default:
		l.handleProxy(w, r)
	}
}

func (l *Listener) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := l.mgr.Clear(); err != nil {
		logging.Errorf(nil, "clearing cache: %v", err)
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (l *Listener) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/debug/cache/")
	ranges, total, ok := l.mgr.Snapshot(key)
	if !ok {
		http.NotFound(w, r)
		return
	}

	type doc struct {
		Ranges    [][2]int64 `json:"ranges"`
		TotalSize *int64     `json:"total_size"`
	}
	out := doc{TotalSize: total}
	for _, rg := range ranges.Ranges() {
		out.Ranges = append(out.Ranges, [2]int64{rg.Start, rg.End})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleProxy implements the core request path: decode target URL,
// parse Range, call Manager.Serve, assemble the response.
func (l *Listener) handleProxy(w http.ResponseWriter, r *http.Request) {
	targetURL, err := targetURLOf(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cr, hasRange, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !hasRange {
		cr = manager.ClientRange{Start: 0, End: nil}
	}

	res, err := l.mgr.Serve(r.Context(), targetURL, cr)
	if err != nil {
		l.writeError(w, err)
		return
	}
	defer res.Body.Close()

	// Read the first chunk before choosing a status, so a failure of the
	// leading origin fetch still maps to an error status.
	first := make([]byte, 32*1024)
	pn, firstErr := io.ReadAtLeast(res.Body, first, 1)
	if firstErr != nil && firstErr != io.EOF {
		l.writeError(w, firstErr)
		return
	}
	body := io.MultiReader(bytes.NewReader(first[:pn]), res.Body)
	// A total size discovered by that first fetch is picked up here.
	if res.TotalSize == nil {
		if _, total, ok := l.mgr.Snapshot(manager.KeyOf(targetURL)); ok && total != nil {
			res.TotalSize = total
		}
	}
	if res.Served.End < 0 && res.TotalSize != nil {
		res.Served.End = *res.TotalSize
	}

	wroteFullResource := !hasRange
	if wroteFullResource {
		if res.TotalSize != nil {
			w.Header().Set("Content-Length", strconv.FormatInt(*res.TotalSize, 10))
		}
		w.WriteHeader(http.StatusOK)
	} else {
		length := res.Served.Len()
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		if res.TotalSize != nil {
			w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(res.Served.Start, 10)+"-"+strconv.FormatInt(res.Served.End-1, 10)+"/"+strconv.FormatInt(*res.TotalSize, 10))
		} else {
			w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(res.Served.Start, 10)+"-"+strconv.FormatInt(res.Served.End-1, 10)+"/*")
		}
		w.WriteHeader(http.StatusPartialContent)
	}

	n, copyErr := copyBody(w, body)
	metrics.AddCacheBytes(n)
	if copyErr != nil {
		logging.Warnf(targetURL, "error streaming response body: %v", copyErr)
		metrics.RecordFailed()
		return
	}
	metrics.RecordServed()
}

func (l *Listener) writeError(w http.ResponseWriter, err error) {
	metrics.RecordFailed()
	var me *mediaerr.Error
	if errors.As(err, &me) {
		switch me.Kind {
		case mediaerr.KindBadRequest:
			http.Error(w, me.Error(), http.StatusBadRequest)
			return
		case mediaerr.KindOriginUnsatisfiable:
			w.Header().Set("Content-Range", "bytes */*")
			http.Error(w, me.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		case mediaerr.KindCanceled:
			// The client already went away; nothing useful to write.
			return
		case mediaerr.KindOriginFatal:
			http.Error(w, me.Error(), http.StatusBadGateway)
			return
		}
	}
	logging.Errorf(nil, "unclassified serve error: %v", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// targetURLOf extracts the origin URL from the /proxy/<url> path form
// or the OriginHeader.
func targetURLOf(r *http.Request) (string, error) {
	if h := r.Header.Get(OriginHeader); h != "" {
		return h, nil
	}
	if strings.HasPrefix(r.URL.Path, proxyPrefix) {
		encoded := strings.TrimPrefix(r.URL.Path, proxyPrefix)
		if r.URL.RawQuery != "" {
			encoded += "?" + r.URL.RawQuery
		}
		return encoded, nil
	}
	return "", errBadTarget
}

var errBadTarget = mediaerr.New(mediaerr.KindBadRequest, "no target URL in path or "+OriginHeader+" header")
