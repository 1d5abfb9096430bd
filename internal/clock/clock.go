// Package clock abstracts the time operations used by the batcher's
// linger timers and the delivery service's retry backoff, so tests can
// drive both with a virtual clock instead of sleeping.
package clock

import "time"

// Clock is the subset of the time package the pipeline depends on.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. If
	// d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
	// NewTimer returns a stopped-or-running single-shot timer.
	NewTimer(d time.Duration) *Timer
}

// Timer is a single-shot timer whose channel has capacity 1.
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration)
}

// Stop prevents the timer from firing. It reports whether the call
// stopped an active timer.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d. A pending, unread tick is
// discarded so the next receive on C always belongs to the new deadline.
func (t *Timer) Reset(d time.Duration) { t.resetFunc(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{
		C:        t.C,
		stopFunc: t.Stop,
		resetFunc: func(d time.Duration) {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(d)
		},
	}
}
