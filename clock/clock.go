// Package clock abstracts the time operations used by the realtime layer
// so that reconnect backoff, typing expiry and debounce timers can be
// driven deterministically in tests.
//
// Production code uses Real(); tests use Fake() and move time forward
// explicitly with Advance.
package clock

import "time"

// Clock is the subset of the time package the sync layer depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that can
	// cancel or re-arm the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle on a pending AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer from firing. It returns false if the timer
// already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d. It returns true if the timer
// was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
