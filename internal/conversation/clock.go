// ABOUTME: Monotonic timestamp source for record creation and mutation times
// ABOUTME: Never issues the same instant twice, at the store's microsecond precision

package conversation

import (
	"sync"
	"time"

	"github.com/2389/coven-history/internal/store"
)

// Clock issues strictly increasing UTC timestamps truncated to
// store.TimePrecision.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock creates a Clock reading from now. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns a timestamp later than every timestamp this clock issued before.
func (c *Clock) Now() time.Time {
	return c.After(time.Time{})
}

// After returns a timestamp later than floor and later than every timestamp
// this clock issued before.
func (c *Clock) After(floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(store.TimePrecision)
	if !t.After(c.last) {
		t = c.last.Add(store.TimePrecision)
	}
	if !t.After(floor) {
		t = floor.UTC().Truncate(store.TimePrecision).Add(store.TimePrecision)
	}
	c.last = t
	return t
}
