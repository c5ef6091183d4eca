package brainsync

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestManagerLifecycle(t *testing.T) {
	t.Run("no socket until authenticated", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		if m.Socket() != nil {
			t.Fatal("expected no socket before login")
		}
		if d.dialCount() != 0 {
			t.Fatal("expected no dial before login")
		}
	})

	t.Run("connect sets status", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		d.next(t)

		st := m.Status()
		if !st.Authenticated || !st.Connected {
			t.Fatalf("unexpected status %+v", st)
		}
		if m.LastError() != "" {
			t.Fatalf("expected no error, got %q", m.LastError())
		}
		if d.creds[0].Token != "token-u1" {
			t.Fatalf("credential not forwarded: %+v", d.creds[0])
		}
	})

	t.Run("same credential keeps the socket", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		d.next(t)
		first := m.Socket()
		login(m, "u1")
		if m.Socket() != first {
			t.Fatal("expected the same socket")
		}
		if d.dialCount() != 1 {
			t.Fatalf("expected 1 dial, got %d", d.dialCount())
		}
	})

	t.Run("errors are recorded and cleared on connect", func(t *testing.T) {
		m, d, clk := newTestManager(t)
		d.failNext(2)
		login(m, "u1")

		clk.WaitForTimers(1)
		st := m.Status()
		if st.LastError == "" || st.Attempts != 1 {
			t.Fatalf("expected recorded error, got %+v", st)
		}
		clk.Advance(time.Second)
		clk.WaitForTimers(1)
		if st := m.Status(); st.Attempts != 2 {
			t.Fatalf("expected 2 attempts, got %+v", st)
		}
		clk.Advance(2 * time.Second)
		d.next(t)

		st = m.Status()
		if !st.Connected || st.LastError != "" || st.Attempts != 0 {
			t.Fatalf("expected clean connected status, got %+v", st)
		}
	})

	t.Run("disconnect keeps the error channel separate", func(t *testing.T) {
		m, d, clk := newTestManager(t)
		login(m, "u1")
		l := d.next(t)

		l.deliver(t, EventError, ErrorPayload{Message: "rate limited"})
		if m.LastError() != "rate limited" {
			t.Fatalf("expected server error recorded, got %q", m.LastError())
		}
		l.Close()
		clk.WaitForTimers(1)
		if m.IsConnected() {
			t.Fatal("expected disconnected")
		}
		if m.LastError() != "rate limited" {
			t.Fatal("disconnect must not clear the error")
		}
	})

	t.Run("logout closes and stops reconnecting", func(t *testing.T) {
		m, d, clk := newTestManager(t)
		login(m, "u1")
		l := d.next(t)
		sock := m.Socket()

		m.Logout()
		waitDone(t, sock)

		if m.IsConnected() || m.Socket() != nil {
			t.Fatal("expected no connection after logout")
		}
		if !l.isClosed() {
			t.Fatal("expected transport closed")
		}
		clk.Advance(time.Minute)
		time.Sleep(10 * time.Millisecond)
		if n := d.dialCount(); n != 1 {
			t.Fatalf("expected no redial after logout, got %d dials", n)
		}
	})

	t.Run("new login yields a fresh socket", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		d.next(t)
		first := m.Socket()
		m.Logout()

		login(m, "u2")
		d.next(t)
		second := m.Socket()
		if second == first || second.ID() == first.ID() {
			t.Fatal("expected a new socket")
		}
		if first.State() != StateDisconnected {
			t.Fatal("expected old socket closed")
		}
	})

	t.Run("credential change replaces the socket", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		login(m, "u1")
		l1 := d.next(t)
		first := m.Socket()

		m.SetSession(Session{Authenticated: true, Credential: Credential{Token: "rotated", UserID: "u1"}})
		d.next(t)
		if m.Socket() == first {
			t.Fatal("expected a new socket")
		}
		if !l1.isClosed() {
			t.Fatal("expected old transport closed")
		}
		if !m.IsConnected() {
			t.Fatal("expected the stale socket's disconnect to be ignored")
		}
	})

	t.Run("closed manager refuses sessions", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		m.Close()
		login(m, "u1")
		if m.Socket() != nil || d.dialCount() != 0 {
			t.Fatal("expected closed manager to stay idle")
		}
	})
}

func TestManagerOnStatus(t *testing.T) {
	m, d, _ := newTestManager(t)

	var mu sync.Mutex
	var seen []Status
	cancel := m.OnStatus(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	m.OnStatus(func(Status) { panic("watcher bug") })

	login(m, "u1")
	d.next(t)
	cancel()
	m.Logout()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications (login, connect), got %+v", seen)
	}
	if !seen[1].Connected {
		t.Fatalf("expected connected notification, got %+v", seen[1])
	}
}

func TestManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m, d, clk := newTestManager(t, WithMetrics(metrics))

	d.failNext(1)
	login(m, "u1")
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	l := d.next(t)

	if got := testutil.ToFloat64(metrics.Connected); got != 1 {
		t.Fatalf("expected connected gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ConnectErrors); got != 1 {
		t.Fatalf("expected 1 connect error, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ReconnectAttempts); got != 1 {
		t.Fatalf("expected 1 reconnect attempt, got %v", got)
	}

	m.Registry().Subscribe("test", "boom", func(json.RawMessage) { panic("bug") })
	l.deliver(t, "boom", nil)
	if got := testutil.ToFloat64(metrics.HandlerPanics.WithLabelValues("other")); got != 1 {
		t.Fatalf("expected 1 handler panic, got %v", got)
	}
	l.deliver(t, EventMessageNew, Message{ID: "M1", ConversationID: "C1"})
	if got := testutil.ToFloat64(metrics.EventsReceived.WithLabelValues(EventMessageNew)); got != 1 {
		t.Fatalf("expected 1 received message:new, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.EventsReceived); got != 2 {
		t.Fatalf("expected only message:new and other labels, got %d series", got)
	}

	m.Logout()
	if got := testutil.ToFloat64(metrics.Connected); got != 0 {
		t.Fatalf("expected connected gauge 0, got %v", got)
	}
}
