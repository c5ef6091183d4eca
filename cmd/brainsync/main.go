package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.brainsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint and transport settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	SocketURL   string `toml:"socket_url"`
	Transport   string `toml:"transport"`
	NATSURL     string `toml:"nats_url"`
	RedisAddr   string `toml:"redis_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

// ConfigAuth holds the session credential.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// ============================================================================
// Config helpers
// ============================================================================

// transports lists the accepted values of default.transport.
var transports = []string{"auto", "websocket", "stream", "nats"}

// configPath returns $BRAINSYNC_CONFIG, or ~/.brainsync/config.toml.
func configPath() (string, error) {
	if p := os.Getenv("BRAINSYNC_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".brainsync", "config.toml"), nil
}

// loadConfig decodes the config file, rejecting keys it does not know.
// A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			keys := make([]string, len(strict.Errors))
			for i := range strict.Errors {
				keys[i] = strings.Join(strict.Errors[i].Key(), ".")
			}
			return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

// saveConfig replaces the config file through a rename so that a crash
// never leaves it half written.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// validate reports every setting that would fail at connect time.
func (c *Config) validate() error {
	var errs []error
	checkURL := func(key, raw string, schemes ...string) {
		if raw == "" {
			return
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || !slices.Contains(schemes, u.Scheme) {
			errs = append(errs, fmt.Errorf("%s: want a %s URL, got %q", key, strings.Join(schemes, "/"), raw))
		}
	}
	checkAddr := func(key, addr string) {
		if addr == "" {
			return
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	checkURL("default.base_url", c.Default.BaseURL, "http", "https")
	checkURL("default.socket_url", c.Default.SocketURL, "ws", "wss", "http", "https")
	checkURL("default.nats_url", c.Default.NATSURL, "nats", "tls")
	checkAddr("default.redis_addr", c.Default.RedisAddr)
	checkAddr("default.metrics_addr", c.Default.MetricsAddr)
	switch t := c.Default.Transport; {
	case t != "" && !slices.Contains(transports, t):
		errs = append(errs, fmt.Errorf("default.transport: unknown transport %q", t))
	case t == "nats" && c.Default.NATSURL == "":
		errs = append(errs, errors.New("default.transport: nats requires default.nats_url"))
	}
	if c.Auth.Token == "" && c.Auth.UserID != "" {
		errs = append(errs, errors.New("auth.user_id is set without auth.token"))
	}
	return errors.Join(errs...)
}

// setConfigValue sets a config field using dot notation (e.g. "default.socket_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "socket_url":
			cfg.Default.SocketURL = value
		case "transport":
			if value != "" && !slices.Contains(transports, value) {
				return fmt.Errorf("unknown transport %q (valid: %s)", value, strings.Join(transports, ", "))
			}
			cfg.Default.Transport = value
		case "nats_url":
			cfg.Default.NATSURL = value
		case "redis_addr":
			cfg.Default.RedisAddr = value
		case "metrics_addr":
			cfg.Default.MetricsAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "brainsync",
	Short: "myBrain realtime CLI",
	Long:  "Command-line interface for the myBrain realtime layer.\nManage configuration, inspect conversations, and watch live events.",
}

// newLogger builds the process logger. Verbose runs get the development
// encoder at debug level.
func newLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		logger, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity to stderr")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
