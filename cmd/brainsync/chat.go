package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mybrain-app/brainsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendJSON bool
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversations",
	Long:  "List conversations and mark them as read.",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.GetConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			filtered := conversations[:0]
			for _, c := range conversations {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			conversations = filtered
		}

		if conversationsJSON {
			return printJSON(conversations)
		}
		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			title := c.Title
			if title == "" {
				title = c.Type
			}
			fmt.Printf("  %s: %s%s\n", c.ID, title, unread)
		}
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show message history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.GetMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(messages) > messagesLimit {
			messages = messages[len(messages)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(messages)
		}
		if len(messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		for _, m := range messages {
			sender := m.SenderID
			if m.Sender != nil && m.Sender.Name != "" {
				sender = m.Sender.Name
			}
			reactions := ""
			if len(m.Reactions) > 0 {
				reactions = fmt.Sprintf(" [%d reactions]", len(m.Reactions))
			}
			fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), sender, m.Content, reactions)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		logger := newLogger()
		defer logger.Sync()

		// The send goes through the reconciliation layer so the message
		// carries a client id like any interactive send.
		m, err := newManager(cfg, logger)
		if err != nil {
			return err
		}
		defer m.Close()
		conv := brainsync.NewConversationSync(m, getClient(cfg), brainsync.NewMemoryCache(), nil)
		conv.Open(args[0])
		defer conv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg, err := conv.SendMessage(ctx, args[1])
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %s)\n", msg.ID)
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Show at most this many recent messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
