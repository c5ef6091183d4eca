package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually driven Clock. Time only moves when Advance is
// called; AfterFunc callbacks run synchronously inside Advance in
// deadline order, so a callback must not call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time // After waiters
	fn       func()         // AfterFunc waiters
	active   bool
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&fakeTimer{deadline: c.now.Add(d), ch: ch, active: true})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: f, active: true}
	c.addLocked(t)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			was := t.active
			t.active = false
			return was
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			was := t.active
			t.deadline = c.now.Add(d)
			t.active = true
			if !c.containsLocked(t) {
				c.addLocked(t)
			}
			return was
		},
	}
}

func (c *FakeClock) addLocked(t *fakeTimer) {
	c.pending = append(c.pending, t)
	c.changed.Broadcast()
}

func (c *FakeClock) containsLocked(t *fakeTimer) bool {
	for _, p := range c.pending {
		if p == t {
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is not after the new time. Timers armed by callbacks during
// Advance fire in the same call if they also fall due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			if t.fn != nil {
				t.fn()
				continue
			}
			select {
			case t.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*fakeTimer
	for _, t := range c.pending {
		switch {
		case !t.active:
		case t.deadline.After(target):
			keep = append(keep, t)
		default:
			t.active = false
			due = append(due, t)
		}
	}
	c.pending = keep
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// WaitForTimers blocks until at least n timers are pending. It closes the
// race between a goroutine arming a timer and the test advancing time.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of armed timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, t := range c.pending {
		if t.active {
			n++
		}
	}
	return n
}
