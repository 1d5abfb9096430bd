package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time only moves when Advance
// is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. It is safe for
// concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	active   bool
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C
}

func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &fakeWaiter{ch: make(chan time.Time, 1)}
	c.arm(w, d)
	return &Timer{
		C: w.ch,
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := w.active
			c.disarm(w)
			return wasActive
		},
		resetFunc: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.disarm(w)
			select {
			case <-w.ch:
			default:
			}
			c.arm(w, d)
		},
	}
}

// arm must be called with c.mu held.
func (c *FakeClock) arm(w *fakeWaiter, d time.Duration) {
	if d <= 0 {
		w.ch <- c.current
		return
	}
	w.deadline = c.current.Add(d)
	w.active = true
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// disarm must be called with c.mu held.
func (c *FakeClock) disarm(w *fakeWaiter) {
	if !w.active {
		return
	}
	w.active = false
	for i, candidate := range c.waiters {
		if candidate == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.deadline.After(c.current) {
			remaining = append(remaining, w)
			continue
		}
		w.active = false
		select {
		case w.ch <- c.current:
		default:
		}
	}
	c.waiters = remaining
	c.changed.Broadcast()
}

// BlockUntil waits until at least n timers are armed. Tests use it to
// know a goroutine has reached its timed wait before calling Advance.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// Waiters returns the number of armed timers.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
