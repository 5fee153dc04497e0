package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsMessagesCmd)

	chatsMessagesCmd.Flags().Int("page", 1, "page number")
	chatsMessagesCmd.Flags().Int("limit", 20, "messages per page")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Inspect portal chats",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chats, err := client.Chats.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list chats: %w", err)
		}

		if len(chats) == 0 {
			fmt.Println("No chats.")
			return nil
		}

		for _, chat := range chats {
			name := chat.Name
			if name == "" {
				name = "(direct)"
			}
			unread := ""
			if chat.UnreadCount > 0 {
				unread = fmt.Sprintf("  [%d unread]", chat.UnreadCount)
			}
			preview := ""
			if chat.LatestMessage != nil {
				preview = "  " + truncate(chat.LatestMessage.Body, 48)
			}
			fmt.Printf("%-24s  %-8s  %s%s%s\n", chat.ID, chat.Kind, name, unread, preview)
		}
		return nil
	},
}

var chatsMessagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show a page of messages from a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Chats.Messages(ctx, chatID, page, limit)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		fmt.Printf("Chat %s: %d message(s) total, page %d\n\n", chatID, result.Count, page)
		for _, msg := range result.Messages {
			sender := "(unknown)"
			if msg.Sender != nil {
				sender = msg.Sender.Name
			}
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, sender, msg.Body)
			for _, reply := range msg.Replies {
				replySender := "(unknown)"
				if reply.Sender != nil {
					replySender = reply.Sender.Name
				}
				fmt.Printf("    ↳ %s: %s\n", replySender, reply.Body)
			}
		}
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
