package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (default https://api.mybrain.app)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.brainsync/config.toml",
	Long:  "Initialize the brainsync CLI by storing your session token. The account is looked up so the user id is known to the realtime layer.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if me, err := getClient(cfg).Me(ctx); err != nil {
			fmt.Printf("Warning: could not look up the account: %v\n", err)
		} else {
			cfg.Auth.UserID = me.ID
			cfg.Auth.Username = valueOrDefault(me.Username, me.Name)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID != "" {
			fmt.Printf("Signed in as %s (%s)\n", cfg.Auth.Username, cfg.Auth.UserID)
		}
		return nil
	},
}
