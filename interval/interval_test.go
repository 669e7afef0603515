package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func rng(beginSec, endSec int) TimeRange {
	return TimeRange{Begin: t0.Add(time.Duration(beginSec) * time.Second), End: t0.Add(time.Duration(endSec) * time.Second)}
}

func TestGapsEmptyCoverage(t *testing.T) {
	gaps := Gaps(rng(0, 60), nil)
	assert.Equal(t, []TimeRange{rng(0, 60)}, gaps)
}

func TestGapsFullCoverage(t *testing.T) {
	gaps := Gaps(rng(0, 60), []TimeRange{rng(0, 30), rng(30, 60)})
	assert.Empty(t, gaps)
}

func TestGapsMiddleAndTail(t *testing.T) {
	gaps := Gaps(rng(0, 60), []TimeRange{rng(0, 10), rng(20, 40)})
	assert.Equal(t, []TimeRange{rng(10, 20), rng(40, 60)}, gaps)
}

func TestGapsHead(t *testing.T) {
	gaps := Gaps(rng(0, 60), []TimeRange{rng(30, 90)})
	assert.Equal(t, []TimeRange{rng(0, 30)}, gaps)
}

func TestGapsOverlappingCoverage(t *testing.T) {
	// overlapping covered ranges merge, adjacent gaps stay maximal
	gaps := Gaps(rng(0, 100), []TimeRange{rng(0, 30), rng(20, 50), rng(70, 80)})
	assert.Equal(t, []TimeRange{rng(50, 70), rng(80, 100)}, gaps)
}

func TestGapsCoverageOutsideRange(t *testing.T) {
	gaps := Gaps(rng(10, 20), []TimeRange{rng(-30, 0), rng(40, 50)})
	assert.Equal(t, []TimeRange{rng(10, 20)}, gaps)
}

func TestAlignOuter(t *testing.T) {
	r := TimeRange{Begin: t0.Add(1500 * time.Millisecond), End: t0.Add(3500 * time.Millisecond)}
	aligned := r.AlignOuter(time.Second)
	assert.Equal(t, rng(1, 4), aligned)

	// already aligned stays put
	assert.Equal(t, rng(0, 60), rng(0, 60).AlignOuter(time.Minute))
}

func TestBuckets(t *testing.T) {
	buckets := rng(0, 180).Buckets(time.Minute)
	assert.Len(t, buckets, 3)
	assert.Equal(t, rng(0, 60), buckets[0])
	assert.Equal(t, rng(120, 180), buckets[2])

	// misaligned range widens outward
	buckets = rng(30, 90).Buckets(time.Minute)
	assert.Len(t, buckets, 2)
	assert.Equal(t, rng(0, 60), buckets[0])
}

func TestOverlapsHalfOpen(t *testing.T) {
	assert.False(t, rng(0, 10).Overlaps(rng(10, 20)))
	assert.True(t, rng(0, 11).Overlaps(rng(10, 20)))
	assert.True(t, rng(0, 10).Contains(t0))
	assert.False(t, rng(0, 10).Contains(t0.Add(10*time.Second)))
}

func TestIntersect(t *testing.T) {
	assert.Equal(t, rng(5, 10), rng(0, 10).Intersect(rng(5, 20)))
	assert.True(t, rng(0, 10).Intersect(rng(10, 20)).IsZero())
}
