package brainsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Links
// ============================================================================

// Link is one physical connection to the realtime server. A Socket uses a
// fresh Link per (re)connect.
type Link interface {
	// Read blocks for the next inbound envelope.
	Read(ctx context.Context) (Envelope, error)
	// Write sends one envelope. Safe for concurrent use with Read.
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens links carrying the session credential.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, cred Credential) (Link, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, rawURL string, cred Credential) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, rawURL string, cred Credential) (Link, error) {
	return f(ctx, rawURL, cred)
}

// FallbackDialer tries each dialer in order and returns the first link
// that opens: websocket first, HTTP streaming when the upgrade is refused.
type FallbackDialer []Dialer

func (f FallbackDialer) Dial(ctx context.Context, rawURL string, cred Credential) (Link, error) {
	var errs []error
	for _, d := range f {
		link, err := d.Dial(ctx, rawURL, cred)
		if err == nil {
			return link, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, errors.New("no dialers configured")
	}
	return nil, errors.Join(errs...)
}

// NewDefaultDialer returns the standard negotiation: a websocket upgrade
// with a fallback to HTTP streaming.
func NewDefaultDialer(httpClient *http.Client) Dialer {
	return FallbackDialer{
		&WebSocketDialer{HTTPClient: httpClient},
		&StreamDialer{HTTPClient: httpClient},
	}
}

func authHeader(cred Credential) http.Header {
	h := http.Header{}
	if cred.Token != "" {
		h.Set("Authorization", "Bearer "+cred.Token)
	}
	return h
}

func withToken(rawURL string, cred Credential) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if cred.Token != "" {
		q := u.Query()
		q.Set("token", cred.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ============================================================================
// WebSocket link
// ============================================================================

// WebSocketDialer opens websocket links and keeps them alive with pings.
type WebSocketDialer struct {
	HTTPClient        *http.Client
	HeartbeatInterval time.Duration // default 25s; negative disables
	ReadLimit         int64         // default 1 MiB
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, cred Credential) (Link, error) {
	wsURL := strings.Replace(rawURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL, err := withToken(wsURL, cred)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: authHeader(cred),
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	limit := d.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)

	hbCtx, cancel := context.WithCancel(context.Background())
	l := &wsLink{conn: conn, cancel: cancel}

	interval := d.HeartbeatInterval
	if interval == 0 {
		interval = 25 * time.Second
	}
	if interval > 0 {
		go l.heartbeatLoop(hbCtx, interval)
	}
	return l, nil
}

type wsLink struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	once   sync.Once
}

func (l *wsLink) Read(ctx context.Context) (Envelope, error) {
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		return env, nil
	}
}

func (l *wsLink) Write(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, l.conn, env)
}

func (l *wsLink) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

func (l *wsLink) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := l.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed; closing makes the pending Read fail.
				l.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// HTTP streaming link
// ============================================================================

// StreamDialer opens a server-push event stream (text/event-stream) at
// <url>/stream and emits through POST <url>/emit. It is the fallback for
// networks that refuse the websocket upgrade.
type StreamDialer struct {
	HTTPClient *http.Client
}

func (d *StreamDialer) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d *StreamDialer) Dial(ctx context.Context, rawURL string, cred Credential) (Link, error) {
	base := strings.Replace(rawURL, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.TrimRight(base, "/")

	streamURL, err := withToken(base+"/stream", cred)
	if err != nil {
		return nil, err
	}

	// The stream outlives the dial context, so it gets its own.
	linkCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(linkCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = authHeader(cred)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := d.client().Do(req)
	stopped := stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream connect: %w", err)
	}
	if !stopped {
		// The dial context ended while the request was in flight.
		resp.Body.Close()
		cancel()
		return nil, ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream HTTP %d", resp.StatusCode)
	}

	return &streamLink{
		client:  d.client(),
		emitURL: base + "/emit",
		cred:    cred,
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
	}, nil
}

type streamLink struct {
	client  *http.Client
	emitURL string
	cred    Credential
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	once    sync.Once
}

func (l *streamLink) Read(ctx context.Context) (Envelope, error) {
	for l.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		line := l.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue // comments, heartbeats, event ids
		}
		var env Envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil && env.Event != "" {
			return env, nil
		}
	}
	if err := l.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

func (l *streamLink) Write(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.emitURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = authHeader(l.cred)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("emit HTTP %d", resp.StatusCode)
	}
	return nil
}

func (l *streamLink) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.body.Close()
	})
	return err
}
