// Package clock provides the time source the engine schedules delays on:
// a wall-clock implementation and a virtual one that only moves when flushed.
package clock

import (
	"sync"
	"time"
)

// Handle identifies a scheduled callback.
type Handle uint64

// Clock schedules delayed callbacks. Cancel is a no-op for handles that have
// already fired or been cancelled.
type Clock interface {
	Schedule(delay time.Duration, fn func()) Handle
	Cancel(h Handle)
	Now() time.Time
}

// Flusher is implemented by clocks whose time advances only on request.
// bounded=false runs every pending task regardless of upTo.
type Flusher interface {
	Flush(upTo time.Duration, bounded bool)
}

// Mode selects a clock implementation by name.
type Mode string

const (
	ModeReal Mode = "real"
	ModeMock Mode = "mock"
)

// New returns a fresh clock for mode. Unknown modes get a real clock.
func New(mode Mode) Clock {
	if mode == ModeMock {
		return NewMock(time.Time{})
	}
	return NewReal()
}

// Real schedules callbacks on wall-clock timers. Callbacks run on their own
// goroutine, as with time.AfterFunc.
type Real struct {
	mu     sync.Mutex
	seq    Handle
	timers map[Handle]*time.Timer
}

// NewReal creates a wall-clock Clock.
func NewReal() *Real {
	return &Real{timers: make(map[Handle]*time.Timer)}
}

// Schedule runs fn after delay.
func (c *Real) Schedule(delay time.Duration, fn func()) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	h := c.seq
	c.timers[h] = time.AfterFunc(max(delay, 0), func() {
		c.mu.Lock()
		_, live := c.timers[h]
		delete(c.timers, h)
		c.mu.Unlock()
		if live {
			fn()
		}
	})
	return h
}

// Cancel stops the timer behind h.
func (c *Real) Cancel(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[h]; ok {
		t.Stop()
		delete(c.timers, h)
	}
}

// Now returns the wall-clock time.
func (c *Real) Now() time.Time {
	return time.Now()
}

// Pending returns the number of timers that have neither fired nor been cancelled.
func (c *Real) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

var _ Clock = (*Real)(nil)
