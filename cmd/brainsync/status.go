package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mybrain-app/brainsync"
)

var statusTimeout time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "How long to wait for the realtime connection")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, account and connection status",
	Long:  "Display the current configuration, fetch live account info, and probe the realtime connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, brainsync.DefaultBaseURL))
		fmt.Printf("  Socket URL:  %s\n", socketURL(cfg))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "auto"))
		if cfg.Default.NATSURL != "" {
			fmt.Printf("  NATS URL:    %s\n", cfg.Default.NATSURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(unknown)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))

		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		client := getClient(cfg)
		if me, err := client.Me(ctx); err != nil {
			fmt.Printf("  Account:     error: %v\n", err)
		} else {
			fmt.Printf("  Account:     %s (%s)\n", valueOrDefault(me.Username, me.Name), me.ID)
		}
		if n, err := client.GetUnreadCount(ctx); err == nil {
			fmt.Printf("  Unread:      %d\n", n)
		}

		logger := newLogger()
		defer logger.Sync()
		m, err := newManager(cfg, logger)
		if err != nil {
			return err
		}
		defer m.Close()

		connected := make(chan struct{})
		var once sync.Once
		m.OnStatus(func(st brainsync.Status) {
			if st.Connected {
				once.Do(func() { close(connected) })
			}
		})
		m.SetSession(session(cfg))

		select {
		case <-connected:
			fmt.Printf("  Realtime:    connected (socket %d)\n", m.Status().SocketID)
		case <-ctx.Done():
			st := m.Status()
			fmt.Printf("  Realtime:    not connected after %d attempts: %s\n", st.Attempts, valueOrDefault(st.LastError, "timeout"))
		}
		return nil
	},
}
