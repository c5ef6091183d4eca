package brainsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mybrain-app/brainsync/clock"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime layer. Zero fields take defaults.
type RealtimeConfig struct {
	// DisableReconnect turns off re-dialing after a lost link or failed dial.
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// ReconnectJitter is the randomization factor applied to each delay,
	// as a fraction of the base delay. Negative disables jitter.
	ReconnectJitter float64
	DialTimeout     time.Duration
	EmitTimeout     time.Duration

	TypingSweepInterval   time.Duration
	TypingIdleTimeout     time.Duration
	TypingRefreshInterval time.Duration

	// RefetchOnInvalidate makes the conversation layer refetch invalidated
	// cache keys through the request layer in the background.
	RefetchOnInvalidate bool
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.EmitTimeout == 0 {
		c.EmitTimeout = 5 * time.Second
	}
	if c.TypingSweepInterval == 0 {
		c.TypingSweepInterval = 5 * time.Second
	}
	if c.TypingIdleTimeout == 0 {
		c.TypingIdleTimeout = 2 * time.Second
	}
	if c.TypingRefreshInterval == 0 {
		c.TypingRefreshInterval = 2 * time.Second
	}
}

// State represents the socket's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	maxAttempts int
	attempt     int
	rand        func() float64
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		jitter:      config.ReconnectJitter,
		maxAttempts: config.MaxReconnectAttempts,
		rand:        rand.Float64,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay returns the wait before the next attempt and counts it. The
// delay doubles from the base and never exceeds the ceiling, jitter
// included.
func (r *reconnector) nextDelay() time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(r.attempt))
	if r.jitter > 0 {
		delay += r.rand() * float64(r.baseDelay) * r.jitter
	}
	r.attempt++
	return time.Duration(math.Min(delay, float64(r.maxDelay)))
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Socket
// ============================================================================

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Socket is the transport handle of one authenticated session. It owns the
// dial / read / reconnect cycle over successive links; handlers attached to
// a Socket survive reconnects but never move to another Socket.
type Socket struct {
	id      uint64
	url     string
	cred    Credential
	dialer  Dialer
	config  RealtimeConfig
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	link     Link
	state    State
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	recon    *reconnector
	handlers map[string][]handlerEntry
	nextID   uint64
}

func newSocket(id uint64, url string, cred Credential, dialer Dialer, config RealtimeConfig, clk clock.Clock, logger *zap.Logger, metrics *Metrics) *Socket {
	return &Socket{
		id:       id,
		url:      url,
		cred:     cred,
		dialer:   dialer,
		config:   config,
		clock:    clk,
		logger:   logger.With(zap.Uint64("socket", id)),
		metrics:  metrics,
		state:    StateDisconnected,
		done:     make(chan struct{}),
		recon:    newReconnector(&config),
		handlers: make(map[string][]handlerEntry),
	}
}

// ID identifies the socket within its manager. A new authentication always
// yields a new ID.
func (s *Socket) ID() uint64 { return s.id }

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the socket currently has a live link.
func (s *Socket) Connected() bool {
	return s.State() == StateConnected
}

// Done is closed once the connect loop has exited for good.
func (s *Socket) Done() <-chan struct{} { return s.done }

// on attaches h for event and returns its attachment id.
func (s *Socket) on(event string, h Handler) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: s.nextID, fn: h})
	return s.nextID
}

// off detaches the attachment id from event.
func (s *Socket) off(event string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.handlers[event]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(s.handlers, event)
	} else {
		s.handlers[event] = entries
	}
}

// HandlerCount returns the number of handlers attached for event.
func (s *Socket) HandlerCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

// Connect starts the background connect loop. It never blocks and is a
// no-op once started or after Close.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

// Close tears the socket down. No reconnect is attempted afterwards.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	link := s.link
	s.link = nil
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		close(s.done)
	}

	var err error
	if link != nil {
		err = link.Close()
	}
	s.metrics.setConnected(false)
	if wasConnected {
		s.dispatchValue(EventDisconnect, DisconnectPayload{Reason: "io client disconnect"})
	}
	return err
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	for {
		dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
		link, err := s.dialer.Dial(dialCtx, s.url, s.cred)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("connect failed", zap.Error(err))
			s.metrics.connectError()
			s.dispatchValue(EventConnectError, ErrorPayload{Message: err.Error()})
			if !s.waitReconnect(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			link.Close()
			return
		}
		s.link = link
		s.state = StateConnected
		s.recon.reset()
		s.mu.Unlock()

		s.logger.Info("connected", zap.String("url", s.url))
		s.metrics.setConnected(true)
		s.dispatch(EventConnect, nil)

		err = s.readLoop(ctx, link)

		s.mu.Lock()
		closed := s.closed
		if !closed {
			s.link = nil
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		link.Close()
		s.metrics.setConnected(false)
		s.logger.Info("disconnected", zap.Error(err))
		s.dispatchValue(EventDisconnect, DisconnectPayload{Reason: reasonOf(err)})

		if !s.waitReconnect(ctx) {
			return
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, link Link) error {
	for {
		env, err := link.Read(ctx)
		if err != nil {
			return err
		}
		switch env.Event {
		case EventConnect, EventDisconnect, EventConnectError:
			// Reserved for the socket's own lifecycle.
			continue
		}
		s.metrics.received(env.Event)
		s.dispatch(env.Event, env.Data)
	}
}

// waitReconnect sleeps for the next backoff delay. It returns false when
// the socket should stop trying.
func (s *Socket) waitReconnect(ctx context.Context) bool {
	s.mu.Lock()
	if s.config.DisableReconnect || !s.recon.shouldReconnect() {
		s.state = StateDisconnected
		attempts := s.recon.attempt
		s.mu.Unlock()
		s.logger.Warn("giving up reconnecting", zap.Int("attempts", attempts))
		return false
	}
	delay := s.recon.nextDelay()
	attempt := s.recon.attempt
	s.state = StateReconnecting
	s.mu.Unlock()

	s.metrics.reconnectAttempt()
	s.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	select {
	case <-s.clock.After(delay):
		s.mu.Lock()
		if !s.closed {
			s.state = StateConnecting
		}
		s.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Socket) dispatchValue(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal local event", zap.String("event", event), zap.Error(err))
		return
	}
	s.dispatch(event, data)
}

// dispatch delivers data to a snapshot of the handlers for event, in
// attachment order. Each call is isolated so one failing handler cannot
// starve the rest.
func (s *Socket) dispatch(event string, data json.RawMessage) {
	s.mu.Lock()
	entries := append([]handlerEntry(nil), s.handlers[event]...)
	s.mu.Unlock()

	for _, e := range entries {
		s.invoke(event, e.fn, data)
	}
}

func (s *Socket) invoke(event string, h Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.handlerPanic(event)
			s.logger.Error("handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h(data)
}

// Emit sends event over the live link. Without a link the event is
// dropped and ErrNotConnected returned.
func (s *Socket) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	link := s.link
	closed := s.closed
	s.mu.Unlock()

	if closed {
		s.metrics.emitted(event, "dropped")
		return ErrClosed
	}
	if link == nil {
		s.metrics.emitted(event, "dropped")
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := link.Write(ctx, Envelope{Event: event, Data: data}); err != nil {
		s.metrics.emitted(event, "failed")
		return fmt.Errorf("emit %s: %w", event, err)
	}
	s.metrics.emitted(event, "sent")
	return nil
}

func reasonOf(err error) string {
	if err == nil {
		return "transport close"
	}
	return err.Error()
}
