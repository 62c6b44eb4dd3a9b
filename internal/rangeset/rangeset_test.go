package rangeset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylarkproxy/mediacache/internal/rangeset"
)

func TestInsertMerge(t *testing.T) {
	s := rangeset.New()
	s.Insert(rangeset.Range{Start: 0, End: 10})
	s.Insert(rangeset.Range{Start: 10, End: 20})
	require.Equal(t, []rangeset.Range{{Start: 0, End: 20}}, s.Ranges())
}

func TestInsertIdempotent(t *testing.T) {
	s := rangeset.New()
	r := rangeset.Range{Start: 5, End: 15}
	s.Insert(r)
	s.Insert(r)
	require.Equal(t, []rangeset.Range{r}, s.Ranges())
}

func TestInsertOverlap(t *testing.T) {
	s := rangeset.New(rangeset.Range{Start: 0, End: 5}, rangeset.Range{Start: 10, End: 15})
	s.Insert(rangeset.Range{Start: 3, End: 12})
	require.Equal(t, []rangeset.Range{{Start: 0, End: 15}}, s.Ranges())
}

func TestInsertDisjointStaysSeparate(t *testing.T) {
	s := rangeset.New(rangeset.Range{Start: 0, End: 5})
	s.Insert(rangeset.Range{Start: 10, End: 15})
	require.Equal(t, []rangeset.Range{{Start: 0, End: 5}, {Start: 10, End: 15}}, s.Ranges())
}

func TestInsertIgnoresEmptyRange(t *testing.T) {
	s := rangeset.New()
	s.Insert(rangeset.Range{Start: 5, End: 5})
	assert.True(t, s.Empty())
}

func TestCoversAndGaps(t *testing.T) {
	s := rangeset.New(rangeset.Range{Start: 0, End: 4096}, rangeset.Range{Start: 8192, End: 12288})

	assert.True(t, s.Covers(rangeset.Range{Start: 0, End: 4096}))
	assert.False(t, s.Covers(rangeset.Range{Start: 0, End: 12288}))

	gaps := s.Gaps(rangeset.Range{Start: 0, End: 12288})
	require.Equal(t, []rangeset.Range{{Start: 4096, End: 8192}}, gaps)
	assert.Equal(t, len(gaps) == 0, s.Covers(rangeset.Range{Start: 0, End: 12288}))
}

func TestGapsFullMiss(t *testing.T) {
	s := rangeset.New()
	gaps := s.Gaps(rangeset.Range{Start: 100, End: 200})
	require.Equal(t, []rangeset.Range{{Start: 100, End: 200}}, gaps)
}

func TestGapsFullHit(t *testing.T) {
	s := rangeset.New(rangeset.Range{Start: 0, End: 1000})
	gaps := s.Gaps(rangeset.Range{Start: 100, End: 200})
	assert.Empty(t, gaps)
}

func TestGapsPartialOverlapEdges(t *testing.T) {
	s := rangeset.New(rangeset.Range{Start: 50, End: 150})
	gaps := s.Gaps(rangeset.Range{Start: 0, End: 200})
	require.Equal(t, []rangeset.Range{{Start: 0, End: 50}, {Start: 150, End: 200}}, gaps)
}

func TestIntersectionComplementsGaps(t *testing.T) {
	s := rangeset.New(rangeset.Range{Start: 512, End: 1024})
	q := rangeset.Range{Start: 0, End: 2048}

	hits := s.Intersection(q)
	gaps := s.Gaps(q)

	require.Equal(t, []rangeset.Range{{Start: 512, End: 1024}}, hits)
	require.Equal(t, []rangeset.Range{{Start: 0, End: 512}, {Start: 1024, End: 2048}}, gaps)
}

func TestSubrangeAfterFullServeIsFullyCovered(t *testing.T) {
	s := rangeset.New()
	s.Insert(rangeset.Range{Start: 0, End: 1000})
	assert.True(t, s.Covers(rangeset.Range{Start: 100, End: 900}))
}
