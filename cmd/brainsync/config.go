package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/mybrain-app/brainsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage brainsync configuration",
	Long:  "View or modify the brainsync CLI configuration stored in ~/.brainsync/config.toml (or $BRAINSYNC_CONFIG).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration and the settings in effect",
	Long:  "Print the stored configuration, the endpoints and transport the other commands will use, and any invalid settings.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showConfig(cmd.OutOrStdout(), path, cfg)
	},
}

// showConfig writes cfg with secrets masked, followed by the effective
// settings. It returns the validation error, if any, after printing it.
func showConfig(w io.Writer, path string, cfg *Config) error {
	masked := *cfg
	if masked.Auth.Token != "" {
		masked.Auth.Token = maskKey(masked.Auth.Token)
	}
	data, err := toml.Marshal(masked)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	fmt.Fprintf(w, "# %s\n%s\n", path, data)

	transport := valueOrDefault(cfg.Default.Transport, "auto")
	target := socketURL(cfg)
	if transport == "nats" {
		target = valueOrDefault(cfg.Default.NATSURL, "(unset)")
	}
	fmt.Fprintln(w, "Effective settings:")
	fmt.Fprintf(w, "  API:       %s\n", valueOrDefault(cfg.Default.BaseURL, brainsync.DefaultBaseURL))
	fmt.Fprintf(w, "  Transport: %s\n", transport)
	fmt.Fprintf(w, "  Endpoint:  %s\n", target)
	if cfg.Default.RedisAddr != "" {
		fmt.Fprintf(w, "  Presence:  redis %s\n", cfg.Default.RedisAddr)
	}
	if cfg.Default.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:   %s/metrics\n", cfg.Default.MetricsAddr)
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(w, "\nInvalid settings:\n  %s\n", strings.ReplaceAll(err.Error(), "\n", "\n  "))
		return errors.New("configuration is invalid")
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: brainsync config set default.transport stream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
