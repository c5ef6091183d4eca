// Package brainsync is the realtime synchronization layer of the myBrain
// client: one persistent event channel per authenticated session,
// multiplexed to independent consumers, with typing and presence tracking
// and reconciliation of optimistic chat state.
//
// Example:
//
//	client := brainsync.NewClient(token, brainsync.WithBaseURL("https://api.mybrain.app"))
//	m := brainsync.NewManager("wss://api.mybrain.app/realtime", brainsync.NewDefaultDialer(nil))
//
//	typing := brainsync.NewTypingTracker(m)
//	presence := brainsync.NewPresenceTracker(m, cache)
//	conv := brainsync.NewConversationSync(m, client, cache, typing)
//	typing.Start()
//	presence.Start()
//	conv.Start()
//
//	m.SetSession(brainsync.Session{Authenticated: true, Credential: brainsync.Credential{Token: token, UserID: uid}})
//	conv.Open("conversation-id")
package brainsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.mybrain.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST request layer: it fetches history and persists chat
// mutations. It implements RequestLayer.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

var _ RequestLayer = (*Client)(nil)

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the {ok, data, error} envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 300 {
			return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
		}
		return err
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: "request failed"}
	}
	if out == nil {
		return nil
	}
	return result.Decode(out)
}

// ============================================================================
// Request layer
// ============================================================================

func (c *Client) GetConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "GET", path, nil, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, in SendMessageInput) (*Message, error) {
	if in.Type == "" {
		in.Type = "text"
	}
	var msg Message
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "POST", path, in, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) ([]Reaction, error) {
	var out struct {
		Reactions []Reaction `json:"reactions"`
	}
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.do(ctx, "POST", path, map[string]string{"emoji": emoji}, nil, &out); err != nil {
		return nil, err
	}
	if out.Reactions == nil {
		out.Reactions = []Reaction{}
	}
	return out.Reactions, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, nil)
}

func (c *Client) GetConnections(ctx context.Context) ([]UserSummary, error) {
	var users []UserSummary
	if err := c.do(ctx, "GET", "/api/connections", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, "GET", "/api/chat/unread-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, "GET", "/api/auth/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
