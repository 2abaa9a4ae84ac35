package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/SiamRahamanDhrubo/connectlink"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsSearch string
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendFile    string
	sendMime    string
	sendTimeout time.Duration
	sendJSON    bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, logger := getClient()
		ctx, cancel := commandContext(15 * time.Second)
		defer cancel()

		agg := connectlink.NewAggregator(client.Store(), client.Store(), logger)
		entries, err := agg.ListConversations(ctx, cfg.Auth.UserID)
		if err != nil {
			return describe(err)
		}
		entries = connectlink.FilterEntries(entries, conversationsSearch)

		if conversationsJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		now := time.Now()
		for _, e := range entries {
			fmt.Println(formatEntry(e, now))
		}
		return nil
	},
}

// formatEntry renders one list row: name, relative time, id and preview.
func formatEntry(e connectlink.ConversationEntry, now time.Time) string {
	when := e.TimestampLabel()
	if e.LastMessageAt != nil {
		when = humanize.RelTime(*e.LastMessageAt, now, "ago", "from now")
	}
	name := e.Identity.Name
	if e.Identity.Degraded {
		name += " (!)"
	}
	return fmt.Sprintf("%-24s %-16s %s\n    %s", name, when, e.Conversation.ID, e.Preview)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, _, _ := getClient()
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		store := client.Store()
		msgs, err := store.FetchMessages(ctx, conversationID, nil)
		if err != nil {
			return describe(err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		names, err := senderNames(ctx, store, msgs)
		if err != nil {
			return describe(err)
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, names[m.SenderID]))
		}
		return nil
	},
}

// senderNames resolves display names of the authors of msgs in one lookup.
func senderNames(ctx context.Context, dir connectlink.Directory, msgs []connectlink.Message) (map[string]string, error) {
	var ids []string
	seen := map[string]bool{}
	for _, m := range msgs {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			ids = append(ids, m.SenderID)
		}
	}
	profiles, err := dir.Profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(profiles))
	for _, p := range profiles {
		names[p.ID] = valueOrDefault(p.DisplayName, p.Username)
	}
	return names, nil
}

func formatMessage(m connectlink.Message, name string) string {
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("Jan 2 15:04"), valueOrDefault(name, m.SenderID), m.Content)
	if m.Attachment != nil {
		line += fmt.Sprintf(" [%s, %s, %s]", m.Attachment.Name, m.Attachment.MimeType, humanize.IBytes(uint64(m.Attachment.Size)))
	}
	return line
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message, optionally with a file attached",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		client, cfg, logger := getClient()

		var att *connectlink.AttachmentInput
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("cannot read file: %w", err)
			}
			att = &connectlink.AttachmentInput{Name: filepath.Base(sendFile), MimeType: sendMime, Data: data}
		}

		ctx, cancel := commandContext(sendTimeout)
		defer cancel()

		b, err := openBackend(ctx, client, cfg, backendFlags{realtime: "websocket"}, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		engine := newEngine(b, cfg, logger, nil)
		defer engine.Shutdown()

		failed := make(chan error, 1)
		engine.On(connectlink.EventSendFailed, func(ev connectlink.Event) {
			select {
			case failed <- ev.Err:
			default:
			}
		})

		view, err := engine.Open(ctx, conversationID)
		if err != nil {
			return describe(err)
		}
		token, err := engine.Send(ctx, conversationID, text, att)
		if err != nil {
			return describe(err)
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			if st, _ := view.Status(token); st == connectlink.StatusConfirmed {
				break
			}
			select {
			case err := <-failed:
				_ = engine.Discard(conversationID, token)
				return describe(err)
			case <-ctx.Done():
				return fmt.Errorf("message not confirmed within %s", sendTimeout)
			case <-ticker.C:
			}
		}

		for _, e := range view.Messages() {
			if e.ClientToken != token {
				continue
			}
			if sendJSON {
				return printJSON(e.Message)
			}
			fmt.Printf("Message sent to conversation %s\n", conversationID)
			fmt.Printf("  Message ID: %s\n", e.ID)
			if e.Attachment != nil {
				fmt.Printf("  Attachment: %s (%s)\n", e.Attachment.Name, humanize.IBytes(uint64(e.Attachment.Size)))
			}
		}
		return nil
	},
}

// ============================================================================
// start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open (or create) the 1:1 conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, _ := getClient()
		ctx, cancel := commandContext(15 * time.Second)
		defer cancel()

		conv, created, err := client.Store().StartDirectConversation(ctx, cfg.Auth.UserID, args[0])
		if err != nil {
			return describe(err)
		}
		if created {
			fmt.Printf("Created conversation %s\n", conv.ID)
		} else {
			fmt.Printf("Existing conversation %s\n", conv.ID)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().StringVarP(&conversationsSearch, "search", "s", "", "Only show conversations whose name contains this text")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Only print the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "File to attach")
	sendCmd.Flags().StringVar(&sendMime, "mime", "", "Override the attachment MIME type")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for confirmation")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the stored message as JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(startCmd)
}
