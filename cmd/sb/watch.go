package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/contact"
	"github.com/zulandar/switchboard/internal/live"
	"github.com/zulandar/switchboard/internal/livesub"
	"github.com/zulandar/switchboard/internal/models"
)

func newWatchCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		contactID  string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live messages from a running server",
		Long: `Subscribes to the server's /live stream and prints events as they arrive,
reconnecting with exponential backoff when the connection drops. Unread
messages for the contact are replayed first. Use --all to watch every
conversation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				contactID = contact.All
			}
			if contactID == "" {
				return fmt.Errorf("--contact or --all is required")
			}
			base, err := resolveServerURL(configPath, serverURL)
			if err != nil {
				return err
			}
			return runWatch(cmd, base, contactID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default http://localhost:<server.port>)")
	cmd.Flags().StringVar(&contactID, "contact", "", "contact identity to watch, e.g. +5491112345678")
	cmd.Flags().BoolVar(&all, "all", false, "watch all conversations")
	return cmd
}

func runWatch(cmd *cobra.Command, base, contactID string) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	client, err := livesub.New(livesub.Opts{
		BaseURL:   base,
		ContactID: contactID,
		OnState: func(s livesub.State) {
			if s != livesub.StateConnecting {
				fmt.Fprintf(errOut, "-- %s\n", s)
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Watching %s at %s... (Ctrl+C to stop)\n", contactID, base)
	err = client.Run(ctx, func(evt live.Event) error {
		printEvent(out, evt)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printEvent(out io.Writer, evt live.Event) {
	ts := evt.Timestamp.Local().Format("15:04:05")
	if evt.Type == live.TypeStatusUpdate {
		fmt.Fprintf(out, "[%s] %s %s is now %s\n", ts, evt.ContactID, evt.ID, evt.Status)
		return
	}
	arrow := "←"
	if evt.Direction == models.DirectionOutbound {
		arrow = "→"
	}
	content := evt.Content
	if evt.Kind != "" && evt.Kind != models.KindText {
		content = fmt.Sprintf("[%s] %s", evt.Kind, evt.Content)
	}
	fmt.Fprintf(out, "[%s] %s %s (%s): %s\n", ts, arrow, evt.ContactID, evt.Type, truncate(content, 200))
}
