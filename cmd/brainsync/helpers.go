package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/mybrain-app/brainsync"
)

// mustConfig loads the config and requires a stored token.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'brainsync init <token>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates a REST client authenticated with the stored token.
func getClient(cfg *Config) *brainsync.Client {
	var opts []brainsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, brainsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return brainsync.NewClient(cfg.Auth.Token, opts...)
}

// socketURL returns the configured realtime endpoint, deriving it from the
// API base URL when unset.
func socketURL(cfg *Config) string {
	if cfg.Default.SocketURL != "" {
		return cfg.Default.SocketURL
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = brainsync.DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/realtime"
	return u.String()
}

// newDialer picks the link implementation for the configured transport and
// returns it with the URL to dial.
func newDialer(cfg *Config) (brainsync.Dialer, string, error) {
	switch cfg.Default.Transport {
	case "", "auto":
		return brainsync.NewDefaultDialer(nil), socketURL(cfg), nil
	case "websocket":
		return &brainsync.WebSocketDialer{}, socketURL(cfg), nil
	case "stream":
		return &brainsync.StreamDialer{}, socketURL(cfg), nil
	case "nats":
		if cfg.Default.NATSURL == "" {
			return nil, "", fmt.Errorf("transport nats requires default.nats_url")
		}
		return &brainsync.NATSDialer{Name: "brainsync-cli"}, cfg.Default.NATSURL, nil
	default:
		return nil, "", fmt.Errorf("unknown transport %q", cfg.Default.Transport)
	}
}

// newManager builds a connection manager for cfg. The session is not set.
func newManager(cfg *Config, logger *zap.Logger, opts ...brainsync.Option) (*brainsync.Manager, error) {
	dialer, target, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]brainsync.Option{brainsync.WithLogger(logger)}, opts...)
	return brainsync.NewManager(target, dialer, opts...), nil
}

func session(cfg *Config) brainsync.Session {
	s := brainsync.Session{
		Authenticated: cfg.Auth.Token != "",
		Credential:    brainsync.Credential{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID},
	}
	if cfg.Auth.UserID != "" {
		s.User = &brainsync.User{ID: cfg.Auth.UserID, Username: cfg.Auth.Username, Name: cfg.Auth.Username}
	}
	return s
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
