package brainsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mybrain-app/brainsync/clock"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// syncEvent is never subscribed to. Pushing it after an event guarantees the
// event has been fully dispatched, since the read loop only reads the next
// envelope once every handler of the previous one has returned.
const syncEvent = "test:sync"

// pipeLink is an in-memory Link driven by the test acting as the server.
type pipeLink struct {
	in     chan Envelope
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []Envelope
}

func newPipeLink() *pipeLink {
	return &pipeLink{
		in:     make(chan Envelope),
		closed: make(chan struct{}),
	}
}

func (l *pipeLink) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-l.in:
		return env, nil
	case <-l.closed:
		return Envelope{}, io.EOF
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (l *pipeLink) Write(_ context.Context, env Envelope) error {
	select {
	case <-l.closed:
		return errors.New("link closed")
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = append(l.out, env)
	return nil
}

func (l *pipeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// push hands one envelope to the socket's read loop.
func (l *pipeLink) push(t *testing.T, event string, v any) {
	t.Helper()
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", event, err)
		}
		data = b
	}
	select {
	case l.in <- Envelope{Event: event, Data: data}:
	case <-l.closed:
		t.Fatalf("push %s: link closed", event)
	case <-time.After(2 * time.Second):
		t.Fatalf("push %s: read loop not reading", event)
	}
}

// deliver pushes an event and returns once its handlers have all run.
func (l *pipeLink) deliver(t *testing.T, event string, v any) {
	t.Helper()
	l.push(t, event, v)
	l.push(t, syncEvent, nil)
}

// sync returns once the read loop is idle, i.e. connect has been dispatched.
func (l *pipeLink) sync(t *testing.T) {
	t.Helper()
	l.push(t, syncEvent, nil)
}

// sent returns the events written by the client, optionally filtered.
func (l *pipeLink) sent(events ...string) []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(events) == 0 {
		return append([]Envelope(nil), l.out...)
	}
	var out []Envelope
	for _, env := range l.out {
		for _, e := range events {
			if env.Event == e {
				out = append(out, env)
			}
		}
	}
	return out
}

// testDialer hands out pipe links, or fails while failures remain.
type testDialer struct {
	mu       sync.Mutex
	dials    int
	failures int
	creds    []Credential
	links    chan *pipeLink
}

func newTestDialer() *testDialer {
	return &testDialer{links: make(chan *pipeLink, 16)}
}

func (d *testDialer) Dial(_ context.Context, _ string, cred Credential) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.creds = append(d.creds, cred)
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errors.New("dial refused")
	}
	l := newPipeLink()
	d.links <- l
	return l, nil
}

// failNext makes the next n dials fail; n < 0 fails forever.
func (d *testDialer) failNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *testDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *testDialer) next(t *testing.T) *pipeLink {
	t.Helper()
	select {
	case l := <-d.links:
		l.sync(t)
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func testConfig() RealtimeConfig {
	return RealtimeConfig{ReconnectJitter: -1}
}

// newTestManager returns a manager on a fake clock with a pipe dialer.
func newTestManager(t *testing.T, opts ...Option) (*Manager, *testDialer, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(testEpoch)
	d := newTestDialer()
	opts = append([]Option{WithClock(clk), WithConfig(testConfig())}, opts...)
	m := NewManager("ws://realtime.test", d, opts...)
	t.Cleanup(func() { m.Close() })
	return m, d, clk
}

func login(m *Manager, userID string) {
	m.SetSession(Session{
		Authenticated: true,
		User:          &User{ID: userID, Name: userID},
		Credential:    Credential{Token: "token-" + userID, UserID: userID},
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, s *Socket) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("socket loop did not exit")
	}
}
