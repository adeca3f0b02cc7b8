package message

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing timestamps at microsecond resolution,
// the precision Postgres keeps. Paging by timestamp relies on it.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Wall is the plain current time, for read/edit stamps that need no ordering.
func (c *Clock) Wall() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}
