package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// openService connects to the configured store and returns a messaging
// service over it.
func openService(cmd *cobra.Command, configPath string) (*config.Config, *messaging.Service, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	svc, err := serviceFor(cmd, cfg, gormDB)
	if err != nil {
		return nil, nil, err
	}
	return cfg, svc, nil
}

func serviceFor(cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB) (*messaging.Service, error) {
	return messaging.NewService(gormDB, messaging.Opts{Logger: newLogger(cfg, cmd.ErrOrStderr())})
}

func newConversationsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, err := openService(cmd, configPath)
			if err != nil {
				return err
			}
			convs, err := svc.GetConversations(commandContext(cmd))
			if err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), convs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func printConversations(out io.Writer, convs []models.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONTACT\tNAME\tUNREAD\tLAST MESSAGE")
	for _, c := range convs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", c.ID, c.Identity, c.DisplayName, c.UnreadCount, formatTime(c.LastMessageAt))
	}
	w.Flush()
}

func newMessagesCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Show the latest messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			_, svc, err := openService(cmd, configPath)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			if _, err := svc.GetConversation(ctx, id); err != nil {
				return err
			}
			msgs, err := svc.GetMessages(ctx, id, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages.")
				return nil
			}
			for _, m := range msgs {
				printMessage(out, m)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", messaging.DefaultMessageLimit, "number of messages to show")
	return cmd
}

func printMessage(out io.Writer, m models.Message) {
	arrow := "←"
	if !m.IsInbound() {
		arrow = "→"
	}
	unread := ""
	if !m.IsRead {
		unread = " *"
	}
	content := m.Content
	if m.Kind != models.KindText {
		content = strings.TrimSpace(fmt.Sprintf("[%s] %s", m.Kind, m.Content))
	}
	fmt.Fprintf(out, "[%s] %s %s (%s, %s)%s: %s\n",
		m.CreatedAt.Local().Format("2006-01-02 15:04:05"), arrow, m.ContactIdentity(), m.Source, m.Status, unread, truncate(content, 200))
}

func newMarkReadCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mark-read <conversation-id>",
		Short: "Mark every message of a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			_, svc, err := openService(cmd, configPath)
			if err != nil {
				return err
			}
			n, err := svc.MarkAsRead(commandContext(cmd), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d messages as read in conversation %d\n", n, id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newUnreadCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show unread message counts per contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, err := openService(cmd, configPath)
			if err != nil {
				return err
			}
			counts, err := svc.UnreadByContact(commandContext(cmd))
			if err != nil {
				return err
			}
			printUnread(cmd.OutOrStdout(), counts)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func printUnread(out io.Writer, counts *messaging.UnreadCounts) {
	ids := make([]string, 0, len(counts.Counts))
	for id := range counts.Counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts.Counts[ids[i]] != counts.Counts[ids[j]] {
			return counts.Counts[ids[i]] > counts.Counts[ids[j]]
		}
		return ids[i] < ids[j]
	})

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTACT\tUNREAD")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%d\n", id, counts.Counts[id])
	}
	w.Flush()
	fmt.Fprintf(out, "\nTotal unread: %d\n", counts.Total)
}

func newSendCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>",
		Short: "Send a manual WhatsApp reply through a running server",
		Long: `Posts the text to the server's manual-send endpoint so the reply is sent
upstream, stored, and pushed to live viewers by the serving process.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			base, err := resolveServerURL(configPath, serverURL)
			if err != nil {
				return err
			}
			msgID, err := postManualSend(http.DefaultClient, base, id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent message %s to conversation %d\n", msgID, id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default http://localhost:<server.port>)")
	return cmd
}

// resolveServerURL prefers --server and otherwise derives the URL from the
// config's listen port.
func resolveServerURL(configPath, serverURL string) (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w (or pass --server)", err)
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port), nil
}

func postManualSend(hc *http.Client, base string, conversationID uint, text string) (string, error) {
	body, _ := json.Marshal(map[string]string{"text": text})
	url := fmt.Sprintf("%s/conversations/%d/messages", base, conversationID)

	client := *hc
	if client.Timeout == 0 {
		client.Timeout = 30 * time.Second
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Message struct {
			ExternalID string `json:"message_id"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("send: decode response (status %d): %w", resp.StatusCode, err)
	}
	if !out.Success {
		return "", fmt.Errorf("send: server returned %d: %s", resp.StatusCode, out.Error)
	}
	return out.Message.ExternalID, nil
}

func parseConversationID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid conversation id %q", raw)
	}
	return uint(id), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
