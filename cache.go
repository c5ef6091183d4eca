package brainsync

import (
	"strings"
	"sync"
)

// Cache keys understood by ConversationCache.Invalidate.
const (
	KeyConversations = "conversations"
	KeyUnread        = "unread"
	KeyConnections   = "connections"
	keyMessagesPfx   = "messages:"
)

// MessagesKey returns the cache key of a conversation's message list.
func MessagesKey(conversationID string) string {
	return keyMessagesPfx + conversationID
}

// keyKind returns the key with any conversation id stripped, for metrics.
func keyKind(key string) string {
	if strings.HasPrefix(key, keyMessagesPfx) {
		return "messages"
	}
	return key
}

// ConversationCache is the externally owned data cache the conversation
// layer merges deltas into. Implementations must be safe for concurrent use.
type ConversationCache interface {
	// UpdateMessages replaces the conversation's message list with the
	// result of fn, atomically with respect to other updates.
	UpdateMessages(conversationID string, fn func([]Message) []Message)
	SetConversations(convs []Conversation)
	SetConnections(users []UserSummary)
	SetUnreadCount(n int)
	// Invalidate marks key stale; MarkFresh clears the mark after a refetch.
	Invalidate(key string)
	MarkFresh(key string)
}

// MemoryCache is a goroutine-safe in-memory ConversationCache. It also acts
// as a PresenceSink for its connection and participant lists.
type MemoryCache struct {
	mu            sync.RWMutex
	messages      map[string][]Message
	conversations []Conversation
	connections   []UserSummary
	unread        int
	stale         map[string]bool
	invalidations map[string]int
	hooks         []func(key string)
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		messages:      make(map[string][]Message),
		stale:         make(map[string]bool),
		invalidations: make(map[string]int),
	}
}

// ── Messages ─────────────────────────────────────────────

func (c *MemoryCache) UpdateMessages(conversationID string, fn func([]Message) []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[conversationID] = fn(c.messages[conversationID])
}

// Messages returns a copy of the conversation's cached message list.
func (c *MemoryCache) Messages(conversationID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.messages[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
		out[i] = m
	}
	return out
}

// Message looks a message up by id within a conversation.
func (c *MemoryCache) Message(conversationID, id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages[conversationID] {
		if m.ID == id {
			m.Reactions = append([]Reaction(nil), m.Reactions...)
			return m, true
		}
	}
	return Message{}, false
}

// SearchMessages returns up to limit cached messages containing query,
// optionally restricted to one conversation. A limit of 0 means no limit.
func (c *MemoryCache) SearchMessages(query, conversationID string, limit int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q := strings.ToLower(query)
	var results []Message
	for id, list := range c.messages {
		if conversationID != "" && id != conversationID {
			continue
		}
		for _, m := range list {
			if strings.Contains(strings.ToLower(m.Content), q) {
				results = append(results, m)
				if limit > 0 && len(results) >= limit {
					return results
				}
			}
		}
	}
	return results
}

// ── Conversations, connections, unread ───────────────────

func (c *MemoryCache) SetConversations(convs []Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = make([]Conversation, len(convs))
	for i, conv := range convs {
		conv.Participants = append([]UserSummary(nil), conv.Participants...)
		c.conversations[i] = conv
	}
}

// Conversations returns the cached conversation summaries.
func (c *MemoryCache) Conversations() []Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Conversation, len(c.conversations))
	for i, conv := range c.conversations {
		conv.Participants = append([]UserSummary(nil), conv.Participants...)
		out[i] = conv
	}
	return out
}

func (c *MemoryCache) SetConnections(users []UserSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connections = append([]UserSummary(nil), users...)
}

// Connections returns the cached connection list.
func (c *MemoryCache) Connections() []UserSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]UserSummary(nil), c.connections...)
}

func (c *MemoryCache) SetUnreadCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread = n
}

// UnreadCount returns the cached unread aggregate.
func (c *MemoryCache) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// ── Invalidation ─────────────────────────────────────────

func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	c.stale[key] = true
	c.invalidations[key]++
	hooks := append([]func(string){}, c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		h(key)
	}
}

func (c *MemoryCache) MarkFresh(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stale, key)
}

// IsStale reports whether key was invalidated and not refetched since.
func (c *MemoryCache) IsStale(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale[key]
}

// Invalidations returns how many times key has been invalidated.
func (c *MemoryCache) Invalidations(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalidations[key]
}

// OnInvalidate registers fn to run after every invalidation.
func (c *MemoryCache) OnInvalidate(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// ── Presence ─────────────────────────────────────────────

// ApplyPresence patches every connection and conversation participant
// whose id matches rec.UserID.
func (c *MemoryCache) ApplyPresence(rec PresenceRecord) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.connections {
		if c.connections[i].ID == rec.UserID {
			rec.Patch(&c.connections[i])
			n++
		}
	}
	for i := range c.conversations {
		parts := c.conversations[i].Participants
		for j := range parts {
			if parts[j].ID == rec.UserID {
				rec.Patch(&parts[j])
				n++
			}
		}
	}
	return n
}
