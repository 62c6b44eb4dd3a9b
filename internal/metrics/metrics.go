// Package metrics exposes request and byte counters for the cache
// proxy via expvar, the standard library's minimal alternative to
// wiring a full metrics registry for four counters (see DESIGN.md for
// why the corpus's prometheus/client_golang dependency is not reused
// here).
package metrics

import "expvar"

var (
	cacheHits       = expvar.NewInt("mediacache_cache_hits_total")
	cacheMisses     = expvar.NewInt("mediacache_cache_misses_total")
	originBytes     = expvar.NewInt("mediacache_origin_bytes_total")
	cacheBytes      = expvar.NewInt("mediacache_cache_bytes_total")
	requestsServed  = expvar.NewInt("mediacache_requests_served_total")
	requestsFailed  = expvar.NewInt("mediacache_requests_failed_total")
)

// RecordHit counts a request whose entire range was served from cache.
func RecordHit() { cacheHits.Add(1) }

// RecordMiss counts a request that needed at least one origin fetch.
func RecordMiss() { cacheMisses.Add(1) }

// AddOriginBytes accumulates bytes read from origin.
func AddOriginBytes(n int64) { originBytes.Add(n) }

// AddCacheBytes accumulates bytes served from the local cache.
func AddCacheBytes(n int64) { cacheBytes.Add(n) }

// RecordServed counts one successfully completed request.
func RecordServed() { requestsServed.Add(1) }

// RecordFailed counts one request that ended in an error response.
func RecordFailed() { requestsFailed.Add(1) }
