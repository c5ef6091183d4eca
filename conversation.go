package brainsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const conversationConsumer = "conversation"

// RequestLayer is the REST collaborator that fetches history and persists
// mutations. Client implements it.
type RequestLayer interface {
	GetConversations(ctx context.Context) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, conversationID string, in SendMessageInput) (*Message, error)
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) ([]Reaction, error)
	MarkRead(ctx context.Context, conversationID string) error
	GetConnections(ctx context.Context) ([]UserSummary, error)
	GetUnreadCount(ctx context.Context) (int, error)
}

// ConversationSync keeps the conversation cache consistent with realtime
// events and local optimistic mutations, and owns the join/leave pairing
// of the conversation being viewed.
type ConversationSync struct {
	manager  *Manager
	requests RequestLayer
	cache    ConversationCache
	typing   *TypingTracker
	emitter  *TypingEmitter
	logger   *zap.Logger
	config   RealtimeConfig

	mu        sync.Mutex
	active    string
	joined    bool
	connected bool
	unsubs    []func()
	started   bool
}

// NewConversationSync wires the layer to m. typing may be nil.
func NewConversationSync(m *Manager, requests RequestLayer, cache ConversationCache, typing *TypingTracker) *ConversationSync {
	return &ConversationSync{
		manager:  m,
		requests: requests,
		cache:    cache,
		typing:   typing,
		emitter:  NewTypingEmitter(m),
		logger:   m.Logger().Named("conversation"),
		config:   m.Config(),
	}
}

// Start subscribes to message events and connection status. A
// conversation opened before Start is joined now when connected.
func (c *ConversationSync) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.connected = c.manager.IsConnected()
	if c.connected {
		c.joinLocked()
	}
	c.mu.Unlock()

	reg := c.manager.Registry()
	unsubs := []func(){
		SubscribeJSON(reg, conversationConsumer, EventMessageNew, c.handleMessage),
		SubscribeJSON(reg, conversationConsumer, EventMessageRead, c.handleRead),
		SubscribeJSON(reg, conversationConsumer, EventMessageReaction, c.handleReaction),
		c.manager.OnStatus(c.handleStatus),
	}

	c.mu.Lock()
	c.unsubs = unsubs
	c.mu.Unlock()
}

// Close leaves the active conversation and detaches from the manager.
func (c *ConversationSync) Close() {
	c.Leave()

	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.started = false
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Active returns the id of the conversation being viewed, or "".
func (c *ConversationSync) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Open makes conversationID the active conversation. The previous one, if
// any, is left first. The join is emitted now when connected, otherwise on
// the next connect.
func (c *ConversationSync) Open(conversationID string) {
	c.mu.Lock()
	if c.active == conversationID {
		c.mu.Unlock()
		return
	}
	prev := c.leaveLocked()
	c.active = conversationID
	if c.connected {
		c.joinLocked()
	}
	c.mu.Unlock()

	if c.typing != nil {
		if prev != "" {
			c.typing.Leave(prev)
		}
		c.typing.Enter(conversationID)
	}
}

// Leave stops viewing the active conversation, emitting the paired leave.
func (c *ConversationSync) Leave() {
	c.mu.Lock()
	prev := c.leaveLocked()
	c.mu.Unlock()

	if prev != "" && c.typing != nil {
		c.typing.Leave(prev)
	}
}

func (c *ConversationSync) leaveLocked() string {
	prev := c.active
	if prev == "" {
		return ""
	}
	c.emitter.Stop()
	if c.joined {
		c.emit(EventConversationLeave, prev)
	}
	c.active = ""
	c.joined = false
	return prev
}

func (c *ConversationSync) joinLocked() {
	if c.active == "" || c.joined {
		return
	}
	c.joined = c.emit(EventConversationJoin, c.active)
}

// handleStatus re-joins the active conversation on every connect. A lost
// link ends the server-side room membership, so no leave is owed for it.
func (c *ConversationSync) handleStatus(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Connected == c.connected {
		return
	}
	c.connected = st.Connected
	if st.Connected {
		c.joinLocked()
	} else {
		c.joined = false
	}
}

func (c *ConversationSync) emit(event, conversationID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.EmitTimeout)
	defer cancel()
	if err := c.manager.Registry().Emit(ctx, event, ConversationPayload{ConversationID: conversationID}); err != nil {
		c.logger.Warn("emit failed",
			zap.String("event", event),
			zap.String("conversation", conversationID),
			zap.Error(err))
		return false
	}
	return true
}

// ============================================================================
// Inbound events
// ============================================================================

func (c *ConversationSync) handleMessage(msg Message) {
	if msg.ID == "" || msg.ConversationID == "" {
		return
	}
	if msg.ConversationID == c.Active() {
		c.cache.UpdateMessages(msg.ConversationID, func(list []Message) []Message {
			return mergeMessage(list, msg)
		})
	} else {
		c.invalidate(MessagesKey(msg.ConversationID))
	}
	c.invalidate(KeyConversations)
	c.invalidate(KeyUnread)
}

func (c *ConversationSync) handleRead(ev ReadEvent) {
	if ev.ConversationID == "" {
		return
	}
	c.invalidate(MessagesKey(ev.ConversationID))
}

func (c *ConversationSync) handleReaction(ev ReactionEvent) {
	if ev.ConversationID == "" || ev.MessageID == "" {
		return
	}
	c.applyReactions(ev.ConversationID, ev.MessageID, ev.Reactions)
}

func (c *ConversationSync) applyReactions(conversationID, messageID string, reactions []Reaction) {
	c.cache.UpdateMessages(conversationID, func(list []Message) []Message {
		for i := range list {
			if list[i].ID == messageID {
				list[i].Reactions = append([]Reaction{}, reactions...)
				break
			}
		}
		return list
	})
}

func (c *ConversationSync) invalidate(key string) {
	c.cache.Invalidate(key)
	c.manager.Metrics().invalidated(keyKind(key))
	if c.config.RefetchOnInvalidate {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
			defer cancel()
			if err := c.Refresh(ctx, key); err != nil {
				c.logger.Warn("refetch failed", zap.String("key", key), zap.Error(err))
			}
		}()
	}
}

// ============================================================================
// Outbound actions
// ============================================================================

// Keystroke signals local typing in the active conversation.
func (c *ConversationSync) Keystroke() error {
	active := c.Active()
	if active == "" {
		return ErrNoActiveConversation
	}
	c.emitter.Keystroke(active)
	return nil
}

// SendMessage clears the local typing signal, inserts a pending message and
// persists it through the request layer. The pending entry is reconciled
// with the server copy whichever of the response or the realtime echo
// arrives first. On failure the entry stays, marked failed.
func (c *ConversationSync) SendMessage(ctx context.Context, content string) (*Message, error) {
	active := c.Active()
	if active == "" {
		return nil, ErrNoActiveConversation
	}
	c.emitter.Stop()

	clientID := uuid.NewString()
	pending := Message{
		ClientID:       clientID,
		ConversationID: active,
		SenderID:       c.manager.UserID(),
		Content:        content,
		Type:           "text",
		Reactions:      []Reaction{},
		CreatedAt:      c.manager.Clock().Now(),
		State:          MessagePending,
	}
	c.cache.UpdateMessages(active, func(list []Message) []Message {
		return append(list, pending)
	})

	msg, err := c.requests.SendMessage(ctx, active, SendMessageInput{
		Content:  content,
		Type:     "text",
		ClientID: clientID,
	})
	if err != nil {
		c.cache.UpdateMessages(active, func(list []Message) []Message {
			for i := range list {
				if list[i].ClientID == clientID && list[i].State == MessagePending {
					list[i].State = MessageFailed
					list[i].Error = err.Error()
				}
			}
			return list
		})
		return nil, fmt.Errorf("send message: %w", err)
	}

	confirmed := *msg
	if confirmed.ClientID == "" {
		confirmed.ClientID = clientID
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = active
	}
	c.cache.UpdateMessages(active, func(list []Message) []Message {
		return mergeMessage(list, confirmed)
	})
	c.invalidate(KeyConversations)

	confirmed.State = MessageConfirmed
	return &confirmed, nil
}

// ToggleReaction toggles emoji on a message of the active conversation and
// applies the server's complete reaction set.
func (c *ConversationSync) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	active := c.Active()
	if active == "" {
		return nil, ErrNoActiveConversation
	}
	reactions, err := c.requests.ToggleReaction(ctx, active, messageID, emoji)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	c.applyReactions(active, messageID, reactions)
	return reactions, nil
}

// MarkRead marks the active conversation read and invalidates what that
// changes.
func (c *ConversationSync) MarkRead(ctx context.Context) error {
	active := c.Active()
	if active == "" {
		return ErrNoActiveConversation
	}
	if err := c.requests.MarkRead(ctx, active); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	c.invalidate(MessagesKey(active))
	c.invalidate(KeyUnread)
	c.invalidate(KeyConversations)
	return nil
}

// Refresh refetches key through the request layer. Local messages that
// the server has not confirmed yet survive a message list refetch.
func (c *ConversationSync) Refresh(ctx context.Context, key string) error {
	switch {
	case key == KeyConversations:
		convs, err := c.requests.GetConversations(ctx)
		if err != nil {
			return err
		}
		c.cache.SetConversations(convs)
	case key == KeyUnread:
		n, err := c.requests.GetUnreadCount(ctx)
		if err != nil {
			return err
		}
		c.cache.SetUnreadCount(n)
	case key == KeyConnections:
		users, err := c.requests.GetConnections(ctx)
		if err != nil {
			return err
		}
		c.cache.SetConnections(users)
	case strings.HasPrefix(key, keyMessagesPfx):
		id := strings.TrimPrefix(key, keyMessagesPfx)
		fresh, err := c.requests.GetMessages(ctx, id)
		if err != nil {
			return err
		}
		c.cache.UpdateMessages(id, func(old []Message) []Message {
			return replaceMessages(old, fresh)
		})
	default:
		return fmt.Errorf("unknown cache key %q", key)
	}
	c.cache.MarkFresh(key)
	return nil
}

// ============================================================================
// Merge rules
// ============================================================================

// mergeMessage folds a server-confirmed message into list. A message whose
// id is already present is a no-op, except that a separate local entry
// with the same client id is dropped. Otherwise a local entry with the same
// client id is replaced in place, or the message is appended.
func mergeMessage(list []Message, msg Message) []Message {
	msg.State = MessageConfirmed
	msg.Error = ""

	byID, byClient := -1, -1
	for i := range list {
		if byID < 0 && list[i].ID != "" && list[i].ID == msg.ID {
			byID = i
		}
		if byClient < 0 && msg.ClientID != "" && list[i].ID == "" && list[i].ClientID == msg.ClientID {
			byClient = i
		}
	}

	switch {
	case byID >= 0 && byClient >= 0:
		return append(list[:byClient], list[byClient+1:]...)
	case byID >= 0:
		return list
	case byClient >= 0:
		list[byClient] = msg
		return list
	default:
		return append(list, msg)
	}
}

// replaceMessages swaps in a refetched list, keeping local entries the
// server copy does not know about yet: unconfirmed sends, and confirmed
// messages merged while the fetch was in flight.
func replaceMessages(old, fresh []Message) []Message {
	out := make([]Message, 0, len(fresh))
	ids := make(map[string]bool, len(fresh))
	clientIDs := make(map[string]bool)
	for _, m := range fresh {
		m.State = MessageConfirmed
		out = append(out, m)
		ids[m.ID] = true
		if m.ClientID != "" {
			clientIDs[m.ClientID] = true
		}
	}
	for _, m := range old {
		switch m.State {
		case MessagePending, MessageFailed:
			if m.ClientID != "" && clientIDs[m.ClientID] {
				continue
			}
		default:
			if m.ID == "" || ids[m.ID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
