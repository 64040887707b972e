// ABOUTME: Tests for the monotonic Clock
// ABOUTME: Covers frozen and backwards wall clocks, floors, precision and concurrency

package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-history/internal/store"
)

func TestClock_StrictlyIncreasingWhenTimeStandsStill(t *testing.T) {
	c := frozenClock()

	prev := c.Now()
	for range 100 {
		next := c.Now()
		require.True(t, next.After(prev), "%v must be after %v", next, prev)
		assert.Equal(t, store.TimePrecision, next.Sub(prev))
		prev = next
	}
}

func TestClock_SurvivesWallClockGoingBackwards(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return now })

	first := c.Now()
	now = now.Add(-time.Hour)
	second := c.Now()
	assert.True(t, second.After(first))
}

func TestClock_AfterFloor(t *testing.T) {
	c := frozenClock()
	floor := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	got := c.After(floor)
	assert.Equal(t, floor.Add(store.TimePrecision), got)

	// Later calls stay ahead of the floor they were pushed to
	assert.True(t, c.Now().After(got))
}

func TestClock_TruncatesToPrecisionInUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := NewClock(func() time.Time { return time.Date(2026, 3, 1, 14, 0, 0, 123456789, loc) })

	got := c.Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
	assert.Equal(t, 12, got.Hour())
}

func TestClock_ConcurrentCallersNeverShareAnInstant(t *testing.T) {
	c := frozenClock()

	const n = 50
	results := make(chan time.Time, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() { results <- c.Now() })
	}
	wg.Wait()
	close(results)

	seen := make(map[time.Time]struct{}, n)
	for ts := range results {
		_, dup := seen[ts]
		require.False(t, dup, "duplicate timestamp %v", ts)
		seen[ts] = struct{}{}
	}
}
