package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/mybrain-app/brainsync"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	for key, value := range map[string]string{
		"default.base_url":     "http://localhost:3000",
		"default.transport":    "stream",
		"default.nats_url":     "nats://localhost:4222",
		"default.redis_addr":   "localhost:6379",
		"default.metrics_addr": ":9090",
		"auth.token":           "tok",
		"auth.user_id":         "u1",
	} {
		if err := setConfigValue(cfg, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if cfg.Default.Transport != "stream" || cfg.Auth.UserID != "u1" || cfg.Default.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	for _, key := range []string{"default", "default.nope", "auth.nope", "other.field"} {
		if err := setConfigValue(cfg, key, "x"); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
	if err := setConfigValue(cfg, "default.transport", "carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown transport")
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Config
	if err := toml.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != *cfg {
		t.Fatalf("config did not survive the file format: %+v", back)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	t.Setenv("BRAINSYNC_CONFIG", path)

	cfg, err := loadConfig()
	if err != nil || *cfg != (Config{}) {
		t.Fatalf("expected a zero config for a missing file, got %+v %v", cfg, err)
	}

	cfg.Default.Transport = "websocket"
	cfg.Auth.Token = "tok"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	back, err := loadConfig()
	if err != nil || *back != *cfg {
		t.Fatalf("expected the saved config back, got %+v %v", back, err)
	}

	if err := os.WriteFile(path, []byte("[default]\ntransprot = \"nats\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "transprot") {
		t.Fatalf("expected the unknown key reported, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		bad  []string
	}{
		{"empty", Config{}, nil},
		{"complete", Config{
			Default: ConfigDefault{
				BaseURL:     "https://api.example",
				SocketURL:   "wss://rt.example/ws",
				Transport:   "nats",
				NATSURL:     "nats://bus:4222",
				RedisAddr:   "localhost:6379",
				MetricsAddr: ":9090",
			},
			Auth: ConfigAuth{Token: "tok", UserID: "u1"},
		}, nil},
		{"bad urls", Config{Default: ConfigDefault{BaseURL: "ftp://x", SocketURL: "not a url"}}, []string{"default.base_url", "default.socket_url"}},
		{"nats without url", Config{Default: ConfigDefault{Transport: "nats"}}, []string{"default.nats_url"}},
		{"bad addresses", Config{Default: ConfigDefault{RedisAddr: "localhost", MetricsAddr: "9090"}}, []string{"default.redis_addr", "default.metrics_addr"}},
		{"user without token", Config{Auth: ConfigAuth{UserID: "u1"}}, []string{"auth.user_id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if len(tt.bad) == 0 {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected errors for %v", tt.bad)
			}
			for _, key := range tt.bad {
				if !strings.Contains(err.Error(), key) {
					t.Fatalf("expected %s reported, got %v", key, err)
				}
			}
		})
	}
}

func TestShowConfig(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "http://localhost:3000"},
		Auth:    ConfigAuth{Token: "abcdefghijklmnop"},
	}
	if err := showConfig(&buf, "/tmp/config.toml", cfg); err != nil {
		t.Fatalf("showConfig: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"# /tmp/config.toml", "abcdef...mnop", "Transport: auto", "Endpoint:  ws://localhost:3000/realtime"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Fatal("token printed unmasked")
	}

	buf.Reset()
	cfg.Default.Transport = "nats"
	if err := showConfig(&buf, "/tmp/config.toml", cfg); err == nil {
		t.Fatal("expected an invalid configuration")
	}
	if !strings.Contains(buf.String(), "Endpoint:  (unset)") || !strings.Contains(buf.String(), "Invalid settings:") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"default", Config{}, "wss://api.mybrain.app/realtime"},
		{"derived from http base", Config{Default: ConfigDefault{BaseURL: "http://localhost:3000/"}}, "ws://localhost:3000/realtime"},
		{"explicit", Config{Default: ConfigDefault{SocketURL: "wss://rt.example/ws"}}, "wss://rt.example/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := socketURL(&tt.cfg); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewDialer(t *testing.T) {
	d, target, err := newDialer(&Config{Default: ConfigDefault{Transport: "nats", NATSURL: "nats://bus:4222"}})
	if err != nil {
		t.Fatalf("newDialer: %v", err)
	}
	if _, ok := d.(*brainsync.NATSDialer); !ok || target != "nats://bus:4222" {
		t.Fatalf("expected a NATS dialer for the bus, got %T %q", d, target)
	}
	if _, _, err := newDialer(&Config{Default: ConfigDefault{Transport: "nats"}}); err == nil {
		t.Fatal("expected error without nats_url")
	}
	if d, _, _ := newDialer(&Config{}); d == nil {
		t.Fatal("expected the default dialer")
	}
	d, _, err = newDialer(&Config{Default: ConfigDefault{Transport: "stream"}})
	if _, ok := d.(*brainsync.StreamDialer); err != nil || !ok {
		t.Fatalf("expected a stream dialer, got %T %v", d, err)
	}
}

func TestSession(t *testing.T) {
	s := session(&Config{Auth: ConfigAuth{Token: "tok", UserID: "u1", Username: "ada"}})
	if !s.Authenticated || s.Credential.UserID != "u1" || s.User == nil || s.User.Username != "ada" {
		t.Fatalf("unexpected session %+v", s)
	}
	if session(&Config{}).Authenticated {
		t.Fatal("expected no session without a token")
	}
	if got := maskKey("abcdefghijklmnop"); got != "abcdef...mnop" {
		t.Fatalf("unexpected mask %q", got)
	}
}
