package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(1999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	if !timer.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}
	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatal("stopped timer fired")
	}

	if timer.Reset(time.Second) {
		t.Fatal("Reset on stopped timer should return false")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", c.PendingCount())
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("reset timer did not fire, fired=%d", fired)
	}
}

func TestFakeRearmInsideCallback(t *testing.T) {
	c := Fake(epoch)
	var ticks []time.Time
	var arm func()
	arm = func() {
		c.AfterFunc(5*time.Second, func() {
			ticks = append(ticks, c.Now())
			arm()
		})
	}
	arm()

	c.Advance(5 * time.Second)
	c.Advance(5 * time.Second)
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected the re-armed timer to be pending, got %d", c.PendingCount())
	}
}

func TestFakeAfterWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan time.Time, 1)
	go func() { done <- <-c.After(3 * time.Second) }()

	c.WaitForTimers(1)
	c.Advance(3 * time.Second)

	select {
	case at := <-done:
		if !at.Equal(epoch.Add(3 * time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("After channel never fired")
	}
}
