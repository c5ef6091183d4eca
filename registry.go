package brainsync

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

type subKey struct {
	consumer string
	event    string
}

type subscription struct {
	key     subKey
	handler Handler
	socket  *Socket
	attach  uint64
}

// Registry multiplexes events from the manager's socket to independent
// consumers. Subscriptions are keyed by (consumer, event): a consumer has
// at most one handler per event attached at any instant, and the registry
// carries every live subscription over to each new socket.
type Registry struct {
	logger *zap.Logger

	mu     sync.Mutex
	socket *Socket
	subs   map[subKey]*subscription
}

func newRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		subs:   make(map[subKey]*subscription),
	}
}

// Subscribe attaches h for event on behalf of consumer, replacing any
// handler the consumer already had for event. Without a socket the
// subscription waits and attaches once one exists.
//
// The returned function detaches this subscription. It does nothing once
// the subscription has been replaced, so a stale unsubscribe can never
// remove a newer handler.
func (r *Registry) Subscribe(consumer, event string, h Handler) (unsubscribe func()) {
	key := subKey{consumer: consumer, event: event}
	sub := &subscription{key: key, handler: h}

	r.mu.Lock()
	if old := r.subs[key]; old != nil {
		r.detachLocked(old)
	}
	r.subs[key] = sub
	if r.socket != nil {
		r.attachLocked(sub, r.socket)
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.subs[key] != sub {
			return
		}
		r.detachLocked(sub)
		delete(r.subs, key)
	}
}

// SubscribeJSON is Subscribe with the payload decoded into T. Payloads that
// do not decode are logged and dropped.
func SubscribeJSON[T any](r *Registry, consumer, event string, fn func(T)) (unsubscribe func()) {
	return r.Subscribe(consumer, event, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				r.logger.Warn("drop undecodable payload",
					zap.String("consumer", consumer),
					zap.String("event", event),
					zap.Error(err))
				return
			}
		}
		fn(v)
	})
}

// Count returns how many handlers consumer currently has attached for
// event on the live socket: 0 or 1.
func (r *Registry) Count(consumer, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.subs[subKey{consumer: consumer, event: event}]
	if sub == nil || sub.socket == nil {
		return 0
	}
	return 1
}

// Emit sends event through the live socket. It returns ErrNotConnected when
// there is no socket or no live link; nothing is queued.
func (r *Registry) Emit(ctx context.Context, event string, payload any) error {
	r.mu.Lock()
	sock := r.socket
	r.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	return sock.Emit(ctx, event, payload)
}

// Connected reports whether the bound socket has a live link.
func (r *Registry) Connected() bool {
	r.mu.Lock()
	sock := r.socket
	r.mu.Unlock()
	return sock != nil && sock.Connected()
}

// bind moves every subscription onto sock. A nil sock detaches everything
// and parks the subscriptions until the next bind.
func (r *Registry) bind(sock *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.socket == sock {
		return
	}
	for _, sub := range r.subs {
		r.detachLocked(sub)
	}
	r.socket = sock
	if sock == nil {
		return
	}
	for _, sub := range r.subs {
		r.attachLocked(sub, sock)
	}
	r.logger.Debug("subscriptions bound",
		zap.Uint64("socket", sock.ID()),
		zap.Int("count", len(r.subs)))
}

// unbind detaches everything from sock if it is still the bound socket.
func (r *Registry) unbind(sock *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.socket != sock {
		return
	}
	for _, sub := range r.subs {
		r.detachLocked(sub)
	}
	r.socket = nil
}

func (r *Registry) attachLocked(sub *subscription, sock *Socket) {
	sub.socket = sock
	sub.attach = sock.on(sub.key.event, sub.handler)
}

func (r *Registry) detachLocked(sub *subscription) {
	if sub.socket == nil {
		return
	}
	sub.socket.off(sub.key.event, sub.attach)
	sub.socket = nil
	sub.attach = 0
}
