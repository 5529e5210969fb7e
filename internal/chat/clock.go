package chat

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps so that messages
// persisted later never sort before earlier ones, even when the wall clock
// steps backwards or two messages land in the same nanosecond.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp strictly after every previously returned one.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
