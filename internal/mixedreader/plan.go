package mixedreader

import "github.com/skylarkproxy/mediacache/internal/rangeset"

// segmentKind tags a planned segment as coming from the cache or
// needing an origin fetch.
type segmentKind int

const (
	segmentCache segmentKind = iota
	segmentOrigin
)

// segment is one piece of an ordered plan. deliver is the sub-range of
// fetch that must reach the consumer; for ORIGIN segments fetch may
// extend beyond deliver when min-fetch coalescing rounded the gap up.
// The excess bytes beyond deliver are written to cache but not handed
// to the consumer.
type segment struct {
	kind    segmentKind
	fetch   rangeset.Range
	deliver rangeset.Range
}

// planBounded builds the ordered CACHE/ORIGIN plan for a fully bounded
// request range r against snapshot. When totalSize is known, small
// gaps are coalesced up to minFetch bytes; coalescing is skipped when
// totalSize is unknown since there is no safe upper bound to clamp an
// expanded fetch to.
func planBounded(snapshot *rangeset.Set, r rangeset.Range, minFetch int64, totalSize *int64) []segment {
	var out []segment
	cursor := r.Start

	emitCache := func(end int64) {
		if end > cursor {
			out = append(out, segment{kind: segmentCache, fetch: rangeset.Range{Start: cursor, End: end}, deliver: rangeset.Range{Start: cursor, End: end}})
			cursor = end
		}
	}

	for _, gap := range snapshot.Gaps(r) {
		emitCache(gap.Start)

		fetchEnd := gap.End
		if totalSize != nil && minFetch > 0 && gap.Len() < minFetch {
			candidate := gap.Start + minFetch
			if candidate > *totalSize {
				candidate = *totalSize
			}
			if candidate > fetchEnd {
				// Re-check against the full snapshot (not just within
				// r) so we never re-request bytes already cached past
				// r's own boundary.
				extended := snapshot.Gaps(rangeset.Range{Start: gap.Start, End: candidate})
				if len(extended) > 0 && extended[0].Start == gap.Start {
					fetchEnd = extended[0].End
				}
			}
		}

		out = append(out, segment{
			kind:    segmentOrigin,
			fetch:   rangeset.Range{Start: gap.Start, End: fetchEnd},
			deliver: gap,
		})
		cursor = gap.End
	}
	emitCache(r.End)

	return out
}
