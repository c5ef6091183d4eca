package brainsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrNotConnected is returned by outbound emits while no live link exists.
	// Nothing is queued.
	ErrNotConnected = errors.New("brainsync: not connected")

	// ErrClosed is returned by operations on a closed socket or manager.
	ErrClosed = errors.New("brainsync: closed")

	// ErrNoActiveConversation is returned by conversation actions when no
	// conversation is open.
	ErrNoActiveConversation = errors.New("brainsync: no active conversation")
)

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Session Types
// ============================================================================

// Credential is forwarded to the server when a transport is opened.
type Credential struct {
	Token  string
	UserID string
}

// User is the authenticated account as reported by the session module.
type User struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Username string `json:"username,omitempty"`
}

// Session is the slice of authentication state the realtime layer consumes.
type Session struct {
	Authenticated bool
	User          *User
	Credential    Credential
}

// ============================================================================
// Conversation Types
// ============================================================================

// MessageState tags a cached message as local-only or server-confirmed.
type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageConfirmed MessageState = "confirmed"
	MessageFailed    MessageState = "failed"
)

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Message is a chat message as held in the conversation cache.
type Message struct {
	ID             string       `json:"_id"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Sender         *UserSummary `json:"sender,omitempty"`
	Content        string       `json:"content"`
	Type           string       `json:"type,omitempty"`
	Reactions      []Reaction   `json:"reactions"`
	ReadBy         []string     `json:"readBy,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`

	// State is local bookkeeping and never crosses the wire.
	State MessageState `json:"-"`
	Error string       `json:"-"`
}

// UserSummary is a user as embedded in connection and participant lists.
// The presence fields are patched in place by the presence tracker.
type UserSummary struct {
	ID            string         `json:"_id"`
	Name          string         `json:"name"`
	Avatar        string         `json:"avatar,omitempty"`
	IsOnline      bool           `json:"isOnline"`
	Status        PresenceStatus `json:"status,omitempty"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	LastSeenAt    *time.Time     `json:"lastSeenAt,omitempty"`
}

// Conversation is an entry of the conversation summary list.
type Conversation struct {
	ID            string        `json:"_id"`
	Type          string        `json:"type"`
	Title         string        `json:"title,omitempty"`
	Participants  []UserSummary `json:"participants"`
	LastMessage   *Message      `json:"lastMessage,omitempty"`
	LastMessageAt time.Time     `json:"lastMessageAt,omitempty"`
	UnreadCount   int           `json:"unreadCount"`
}

// SendMessageInput is the body of a send-message request.
type SendMessageInput struct {
	Content  string `json:"content"`
	Type     string `json:"type,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// Inbound event names.
const (
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventConnectError      = "connect_error"
	EventError             = "error"
	EventMessageNew        = "message:new"
	EventMessageRead       = "message:read"
	EventMessageReaction   = "message:reaction"
	EventUserTyping        = "user:typing"
	EventUserStoppedTyping = "user:stopped_typing"
	EventPresenceUpdate    = "presence:update"
)

// Outbound event names.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
)

// Envelope is the wire format for every realtime event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DisconnectPayload accompanies the local disconnect event.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload accompanies connect_error and error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ConversationPayload is the body of join/leave and typing emissions.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingEvent is the body of user:typing and user:stopped_typing.
type TypingEvent struct {
	ConversationID string       `json:"conversationId"`
	UserID         string       `json:"userId"`
	User           *UserSummary `json:"user,omitempty"`
}

// ReadEvent is the body of message:read.
type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt,omitempty"`
}

// ReactionEvent is the body of message:reaction. Reactions is always the
// complete set for the message.
type ReactionEvent struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	Reactions      []Reaction `json:"reactions"`
}
