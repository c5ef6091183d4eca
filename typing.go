package brainsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mybrain-app/brainsync/clock"
)

const typingConsumer = "typing"

// TypingUser is one entry of a conversation's typing set.
type TypingUser struct {
	UserID string
	User   *UserSummary
}

// DisplayName returns the user's name, falling back to the id.
func (u TypingUser) DisplayName() string {
	if u.User != nil && u.User.Name != "" {
		return u.User.Name
	}
	return u.UserID
}

// ============================================================================
// Inbound typing state
// ============================================================================

// TypingTracker keeps, per conversation, the set of remote users currently
// typing. Entries are added by user:typing, removed by user:stopped_typing,
// by Leave, and by a periodic sweep that clears every conversation at once.
// A conversation that was left is ignored until it is entered again.
type TypingTracker struct {
	manager *Manager
	clock   clock.Clock
	logger  *zap.Logger
	sweep   time.Duration

	mu       sync.Mutex
	entries  map[string][]TypingUser
	left     map[string]bool
	watchers []func(conversationID string)
	unsubs   []func()
	timer    *clock.Timer
	running  bool
}

// NewTypingTracker creates a tracker fed by m's registry. Call Start to
// begin receiving events.
func NewTypingTracker(m *Manager) *TypingTracker {
	return &TypingTracker{
		manager: m,
		clock:   m.Clock(),
		logger:  m.Logger().Named("typing"),
		sweep:   m.Config().TypingSweepInterval,
		entries: make(map[string][]TypingUser),
		left:    make(map[string]bool),
	}
}

// Start subscribes to typing events and arms the sweep.
func (t *TypingTracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	reg := t.manager.Registry()
	unsubStart := SubscribeJSON(reg, typingConsumer, EventUserTyping, t.handleTyping)
	unsubStop := SubscribeJSON(reg, typingConsumer, EventUserStoppedTyping, t.handleStopped)

	t.mu.Lock()
	t.unsubs = []func(){unsubStart, unsubStop}
	t.timer = t.clock.AfterFunc(t.sweep, t.runSweep)
	t.mu.Unlock()
}

// Stop unsubscribes, cancels the sweep and clears all entries.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	unsubs := t.unsubs
	t.unsubs = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	changed := t.clearAllLocked()
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	t.notify(changed)
}

// OnChange registers fn to be called with the conversation id whenever
// that conversation's typing set changes.
func (t *TypingTracker) OnChange(fn func(conversationID string)) {
	t.mu.Lock()
	t.watchers = append(t.watchers, fn)
	t.mu.Unlock()
}

// Typing returns a copy of the conversation's typing set in arrival order.
func (t *TypingTracker) Typing(conversationID string) []TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TypingUser(nil), t.entries[conversationID]...)
}

// Summary renders the conversation's typing set as text.
func (t *TypingTracker) Summary(conversationID string) string {
	return TypingSummary(t.Typing(conversationID))
}

// Enter resumes tracking a conversation that was left.
func (t *TypingTracker) Enter(conversationID string) {
	t.mu.Lock()
	delete(t.left, conversationID)
	t.mu.Unlock()
}

// Leave clears every entry of the conversation and ignores its typing
// events until Enter.
func (t *TypingTracker) Leave(conversationID string) {
	t.mu.Lock()
	_, had := t.entries[conversationID]
	delete(t.entries, conversationID)
	t.left[conversationID] = true
	t.mu.Unlock()

	if had {
		t.notify([]string{conversationID})
	}
}

func (t *TypingTracker) handleTyping(ev TypingEvent) {
	if ev.ConversationID == "" || ev.UserID == "" || ev.UserID == t.manager.UserID() {
		return
	}

	t.mu.Lock()
	if t.left[ev.ConversationID] {
		t.mu.Unlock()
		return
	}
	users := t.entries[ev.ConversationID]
	found := false
	for i := range users {
		if users[i].UserID == ev.UserID {
			// Refresh keeps the entry's position.
			if ev.User != nil {
				users[i].User = ev.User
			}
			found = true
			break
		}
	}
	if !found {
		t.entries[ev.ConversationID] = append(users, TypingUser{UserID: ev.UserID, User: ev.User})
	}
	t.mu.Unlock()

	if !found {
		t.notify([]string{ev.ConversationID})
	}
}

func (t *TypingTracker) handleStopped(ev TypingEvent) {
	t.mu.Lock()
	users := t.entries[ev.ConversationID]
	removed := false
	for i, u := range users {
		if u.UserID == ev.UserID {
			users = append(users[:i:i], users[i+1:]...)
			removed = true
			break
		}
	}
	if len(users) == 0 {
		delete(t.entries, ev.ConversationID)
	} else {
		t.entries[ev.ConversationID] = users
	}
	t.mu.Unlock()

	if removed {
		t.notify([]string{ev.ConversationID})
	}
}

func (t *TypingTracker) runSweep() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	changed := t.clearAllLocked()
	t.timer = t.clock.AfterFunc(t.sweep, t.runSweep)
	t.mu.Unlock()

	if len(changed) > 0 {
		t.logger.Debug("typing sweep", zap.Int("conversations", len(changed)))
	}
	t.notify(changed)
}

func (t *TypingTracker) clearAllLocked() []string {
	changed := make([]string, 0, len(t.entries))
	for id := range t.entries {
		changed = append(changed, id)
	}
	clear(t.entries)
	return changed
}

func (t *TypingTracker) notify(conversationIDs []string) {
	if len(conversationIDs) == 0 {
		return
	}
	t.mu.Lock()
	watchers := append([]func(string){}, t.watchers...)
	t.mu.Unlock()

	for _, id := range conversationIDs {
		for _, w := range watchers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.logger.Error("typing watcher panicked", zap.Any("panic", r))
					}
				}()
				w(id)
			}()
		}
	}
}

// TypingSummary renders a typing set: "" for nobody, "X is typing…",
// "X and Y are typing…", or "X and N others are typing…".
func TypingSummary(users []TypingUser) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0].DisplayName() + " is typing…"
	case 2:
		return users[0].DisplayName() + " and " + users[1].DisplayName() + " are typing…"
	default:
		return fmt.Sprintf("%s and %d others are typing…", users[0].DisplayName(), len(users)-1)
	}
}

// ============================================================================
// Outbound typing signal
// ============================================================================

// TypingEmitter turns local keystrokes into typing:start / typing:stop
// emissions. A start goes out on the first keystroke and again every
// refresh interval of sustained typing; a stop follows the idle timeout
// or an explicit Stop.
type TypingEmitter struct {
	registry *Registry
	clock    clock.Clock
	logger   *zap.Logger
	config   RealtimeConfig

	mu             sync.Mutex
	conversationID string
	started        bool
	lastStart      time.Time
	idle           *clock.Timer
	gen            uint64
}

// NewTypingEmitter creates an emitter sending through m's registry.
func NewTypingEmitter(m *Manager) *TypingEmitter {
	return &TypingEmitter{
		registry: m.Registry(),
		clock:    m.Clock(),
		logger:   m.Logger().Named("typing"),
		config:   m.Config(),
	}
}

// Keystroke records local typing activity in conversationID. Typing in a
// different conversation first stops the previous one.
func (e *TypingEmitter) Keystroke(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started && e.conversationID != conversationID {
		e.stopLocked()
	}
	e.conversationID = conversationID

	now := e.clock.Now()
	if !e.started || now.Sub(e.lastStart) >= e.config.TypingRefreshInterval {
		if e.emitLocked(EventTypingStart) {
			e.started = true
			e.lastStart = now
		}
	}

	if e.idle != nil {
		e.idle.Stop()
	}
	e.gen++
	gen := e.gen
	e.idle = e.clock.AfterFunc(e.config.TypingIdleTimeout, func() { e.onIdle(gen) })
}

// Stop emits typing:stop now if a start is outstanding.
func (e *TypingEmitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

// Active reports whether a typing:start is outstanding.
func (e *TypingEmitter) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *TypingEmitter) onIdle(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.stopLocked()
}

func (e *TypingEmitter) stopLocked() {
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	e.gen++
	if !e.started {
		return
	}
	e.started = false
	e.emitLocked(EventTypingStop)
}

func (e *TypingEmitter) emitLocked(event string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.EmitTimeout)
	defer cancel()
	err := e.registry.Emit(ctx, event, ConversationPayload{ConversationID: e.conversationID})
	if err != nil {
		e.logger.Debug("typing emit dropped",
			zap.String("event", event),
			zap.String("conversation", e.conversationID),
			zap.Error(err))
		return false
	}
	return true
}
