package brainsync

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/mybrain-app/brainsync/clock"
)

// ============================================================================
// Options
// ============================================================================

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock sets the clock used for backoff and typing timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithConfig overrides the realtime configuration.
func WithConfig(config RealtimeConfig) Option {
	return func(m *Manager) { m.config = config }
}

// ============================================================================
// Manager
// ============================================================================

// Status is the connection state exposed to the rest of the system.
// Connected=false means realtime data may be stale, not that anything failed.
type Status struct {
	Authenticated bool
	Connected     bool
	LastError     string
	Attempts      int
	SocketID      uint64
}

// Manager owns the single transport of the authenticated session. It opens
// a Socket when the session authenticates, tears it down when the session
// ends and never hands a closed Socket to late subscribers.
type Manager struct {
	url     string
	dialer  Dialer
	config  RealtimeConfig
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	registry *Registry

	mu        sync.Mutex
	socket    *Socket
	session   Session
	status    Status
	nextID    uint64
	watchers  map[uint64]func(Status)
	watcherID uint64
	closed    bool
}

// NewManager creates a manager that dials url with dialer once a session is
// authenticated.
func NewManager(url string, dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		url:      url,
		dialer:   dialer,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		watchers: make(map[uint64]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config.defaults()
	m.registry = newRegistry(m.logger.Named("registry"))
	return m
}

// Registry returns the subscription registry bound to this manager.
func (m *Manager) Registry() *Registry { return m.registry }

// Config returns the effective configuration.
func (m *Manager) Config() RealtimeConfig { return m.config }

// Clock returns the manager's clock.
func (m *Manager) Clock() clock.Clock { return m.clock }

// Logger returns the manager's logger.
func (m *Manager) Logger() *zap.Logger { return m.logger }

// Metrics returns the manager's metrics, possibly nil.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Socket returns the live socket, or nil when unauthenticated.
func (m *Manager) Socket() *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socket
}

// IsConnected reports whether the socket has a live link.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Connected
}

// LastError returns the last transport error message, or "".
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.LastError
}

// Status returns a snapshot of the connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// UserID returns the authenticated user's id, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sessionUserID(m.session)
}

func sessionUserID(s Session) string {
	if s.User != nil && s.User.ID != "" {
		return s.User.ID
	}
	return s.Credential.UserID
}

// OnStatus registers fn for every status change and returns a function
// that removes it. fn runs outside the manager's lock.
func (m *Manager) OnStatus(fn func(Status)) (cancel func()) {
	m.mu.Lock()
	m.watcherID++
	id := m.watcherID
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// SetSession reacts to the session module. An authenticated session opens
// exactly one socket; a changed credential replaces it with a fresh one; an
// unauthenticated session closes and forgets it.
func (m *Manager) SetSession(s Session) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prevSession := m.session
	m.session = s

	if !s.Authenticated {
		old := m.socket
		m.socket = nil
		m.status = Status{}
		m.mu.Unlock()
		if old != nil {
			m.logger.Info("session ended, closing socket", zap.Uint64("socket", old.ID()))
			m.teardown(old)
		}
		m.notify()
		return
	}

	if m.socket != nil && prevSession.Authenticated && prevSession.Credential == s.Credential {
		m.mu.Unlock()
		return
	}

	old := m.socket
	m.nextID++
	sock := newSocket(m.nextID, m.url, s.Credential, m.dialer, m.config, m.clock, m.logger.Named("socket"), m.metrics)
	m.attachLifecycle(sock)
	m.socket = sock
	m.status = Status{Authenticated: true, SocketID: sock.ID()}
	m.mu.Unlock()

	if old != nil {
		m.teardown(old)
	}
	m.registry.bind(sock)
	m.notify()
	sock.Connect()
}

// Logout ends the session: the socket is closed and no reconnect follows.
func (m *Manager) Logout() {
	m.SetSession(Session{})
}

// Close ends the session and refuses further ones.
func (m *Manager) Close() error {
	m.Logout()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) teardown(sock *Socket) {
	m.registry.unbind(sock)
	if err := sock.Close(); err != nil {
		m.logger.Debug("close socket", zap.Error(err))
	}
}

// attachLifecycle wires the socket's lifecycle events into the status.
// Events from a socket that is no longer current are ignored.
func (m *Manager) attachLifecycle(sock *Socket) {
	sock.on(EventConnect, func(json.RawMessage) {
		m.update(sock, func(st *Status) {
			st.Connected = true
			st.LastError = ""
			st.Attempts = 0
		})
	})
	sock.on(EventDisconnect, func(json.RawMessage) {
		m.update(sock, func(st *Status) {
			st.Connected = false
		})
	})
	onError := func(data json.RawMessage) {
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil || p.Message == "" {
			p.Message = string(data)
		}
		m.update(sock, func(st *Status) {
			st.LastError = p.Message
			st.Attempts++
		})
	}
	sock.on(EventConnectError, onError)
	sock.on(EventError, onError)
}

func (m *Manager) update(sock *Socket, fn func(*Status)) {
	m.mu.Lock()
	if m.socket != sock {
		m.mu.Unlock()
		return
	}
	fn(&m.status)
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	m.mu.Lock()
	st := m.status
	watchers := make([]func(Status), 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("status watcher panicked", zap.Any("panic", r))
				}
			}()
			w(st)
		}()
	}
}
