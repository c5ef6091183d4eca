package brainsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRegistrySubscribe(t *testing.T) {
	t.Run("resubscribe replaces the handler", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		l := d.next(t)
		reg := m.Registry()

		var first, second int
		reg.Subscribe("list", EventMessageNew, func(json.RawMessage) { first++ })
		reg.Subscribe("list", EventMessageNew, func(json.RawMessage) { second++ })

		l.deliver(t, EventMessageNew, nil)
		if first != 0 || second != 1 {
			t.Fatalf("expected only the new handler, got first=%d second=%d", first, second)
		}
		if n := m.Socket().HandlerCount(EventMessageNew); n != 1 {
			t.Fatalf("expected 1 attached handler, got %d", n)
		}
	})

	t.Run("at most one handler per consumer and event", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		d.next(t)
		reg := m.Registry()

		var unsubs []func()
		for i := 0; i < 20; i++ {
			switch i % 3 {
			case 0, 1:
				unsubs = append(unsubs, reg.Subscribe("c", "e", func(json.RawMessage) {}))
			case 2:
				unsubs[len(unsubs)/2]()
			}
			if n := m.Socket().HandlerCount("e"); n > 1 {
				t.Fatalf("step %d: %d handlers attached", i, n)
			}
		}
	})

	t.Run("independent consumers both receive", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		l := d.next(t)
		reg := m.Registry()

		var a, b int
		reg.Subscribe("a", EventPresenceUpdate, func(json.RawMessage) { a++ })
		reg.Subscribe("b", EventPresenceUpdate, func(json.RawMessage) { b++ })
		l.deliver(t, EventPresenceUpdate, nil)
		if a != 1 || b != 1 {
			t.Fatalf("expected both consumers called once, got a=%d b=%d", a, b)
		}
	})

	t.Run("stale unsubscribe is inert", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		l := d.next(t)
		reg := m.Registry()

		calls := 0
		stale := reg.Subscribe("c", "e", func(json.RawMessage) {})
		reg.Subscribe("c", "e", func(json.RawMessage) { calls++ })
		stale()

		l.deliver(t, "e", nil)
		if calls != 1 {
			t.Fatalf("stale unsubscribe detached the newer handler")
		}
		if reg.Count("c", "e") != 1 {
			t.Fatal("expected subscription still attached")
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		l := d.next(t)
		reg := m.Registry()

		calls := 0
		unsub := reg.Subscribe("c", "e", func(json.RawMessage) { calls++ })
		l.deliver(t, "e", nil)
		unsub()
		unsub()
		l.deliver(t, "e", nil)
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})
}

func TestRegistryRebind(t *testing.T) {
	t.Run("subscription before login activates on connect", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		reg := m.Registry()

		calls := 0
		reg.Subscribe("c", "e", func(json.RawMessage) { calls++ })
		if reg.Count("c", "e") != 0 {
			t.Fatal("expected no attachment without a socket")
		}

		login(m, "u1")
		l := d.next(t)
		l.deliver(t, "e", nil)
		if calls != 1 {
			t.Fatalf("expected delivery after login, got %d", calls)
		}
	})

	t.Run("subscriptions follow a new socket", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		reg := m.Registry()
		calls := 0
		reg.Subscribe("c", "e", func(json.RawMessage) { calls++ })

		login(m, "u1")
		d.next(t)
		old := m.Socket()
		m.Logout()
		if old.HandlerCount("e") != 0 {
			t.Fatal("expected handlers dropped from the closed socket")
		}

		login(m, "u2")
		l := d.next(t)
		l.deliver(t, "e", nil)
		if calls != 1 {
			t.Fatalf("expected delivery on the new socket, got %d", calls)
		}
		if n := m.Socket().HandlerCount("e"); n != 1 {
			t.Fatalf("expected 1 handler on the new socket, got %d", n)
		}
	})

	t.Run("subscriptions survive reconnects", func(t *testing.T) {
		m, d, clk := newTestManager(t)
		reg := m.Registry()
		calls := 0
		reg.Subscribe("c", "e", func(json.RawMessage) { calls++ })

		login(m, "u1")
		d.next(t).Close()
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
		l := d.next(t)
		l.deliver(t, "e", nil)
		if calls != 1 {
			t.Fatalf("expected delivery after reconnect, got %d", calls)
		}
	})
}

func TestSubscribeJSON(t *testing.T) {
	m, d, _ := newTestManager(t)
	login(m, "u1")
	l := d.next(t)

	var got []ReadEvent
	SubscribeJSON(m.Registry(), "c", EventMessageRead, func(ev ReadEvent) { got = append(got, ev) })

	l.push(t, EventMessageRead, "not an object")
	l.deliver(t, EventMessageRead, ReadEvent{ConversationID: "c1", UserID: "u2"})
	if len(got) != 1 || got[0].ConversationID != "c1" {
		t.Fatalf("expected only the decodable payload, got %+v", got)
	}
}

func TestRegistryEmit(t *testing.T) {
	m, d, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Registry().Emit(ctx, EventTypingStart, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected without a socket, got %v", err)
	}

	login(m, "u1")
	l := d.next(t)
	if err := m.Registry().Emit(ctx, EventTypingStart, ConversationPayload{ConversationID: "c1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if n := len(l.sent(EventTypingStart)); n != 1 {
		t.Fatalf("expected 1 emitted event, got %d", n)
	}
}
