package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/ingest"
	"github.com/zulandar/switchboard/internal/live"
	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/notify/discord"
	"github.com/zulandar/switchboard/internal/notify/slack"
	"github.com/zulandar/switchboard/internal/server"
	"github.com/zulandar/switchboard/internal/whatsapp"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, API and live delivery server",
		Long: `Starts the HTTP server: webhook endpoints for WhatsApp and the agent
platform, the conversation API, and the /live event stream. Tables are
migrated on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg, nil)
	if port > 0 {
		cfg.Server.Port = port
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	svc, closeCache, err := newService(ctx, cfg, gormDB, log)
	if err != nil {
		return err
	}
	defer closeCache()

	presence := live.NewGormPresence(gormDB, cfg.Live.PresenceTTL, nil)
	registry := live.NewRegistry(live.RegistryOpts{
		Logger:       log.With().Str("component", "live").Logger(),
		Presence:     presence,
		Backlog:      svc,
		BacklogLimit: cfg.Live.BacklogLimit,
		Buffer:       cfg.Live.Buffer,
	})

	pipeline, err := newPipeline(cfg, svc, registry, log)
	if err != nil {
		return err
	}

	return server.Start(ctx, server.StartOpts{
		Deps: server.Deps{
			Service:   svc,
			Registry:  registry,
			Pipeline:  pipeline,
			Presence:  presence,
			Webhook:   cfg.Webhook,
			Heartbeat: cfg.Live.Heartbeat,
			Logger:    log.With().Str("component", "http").Logger(),
		},
		Port:            cfg.Server.Port,
		Out:             cmd.OutOrStdout(),
		CleanupSchedule: cfg.Live.CleanupSchedule,
		ResetSchedule:   cfg.Unread.ResetSchedule,
	})
}

// newPipeline wires the ingest pipeline with whichever outbound sender and
// alert channels the config enables.
func newPipeline(cfg *config.Config, svc *messaging.Service, pub ingest.Publisher, log zerolog.Logger) (*ingest.Pipeline, error) {
	opts := ingest.Opts{
		Service:          svc,
		Live:             pub,
		Cooldown:         cfg.Notify.Cooldown,
		AlertTemplate:    cfg.Notify.Template,
		BusinessIdentity: cfg.WhatsApp.BusinessNumber,
		Logger:           log.With().Str("component", "ingest").Logger(),
	}

	if cfg.WhatsApp.Enabled() {
		client, err := whatsapp.NewClient(whatsapp.Opts{
			BaseURL:       cfg.WhatsApp.APIBaseURL,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			AccessToken:   cfg.WhatsApp.AccessToken,
			Timeout:       cfg.WhatsApp.Timeout,
		})
		if err != nil && !errors.Is(err, whatsapp.ErrNotConfigured) {
			return nil, err
		}
		if client != nil {
			opts.Sender = client
		}
	}

	notifiers, err := newNotifiers(cfg, log)
	if err != nil {
		return nil, err
	}
	if len(notifiers) > 0 {
		opts.Notifier = notifiers
	}
	return ingest.New(opts)
}

// newNotifiers builds the configured offline alert channels.
func newNotifiers(cfg *config.Config, log zerolog.Logger) (notify.Multi, error) {
	var out notify.Multi
	if cfg.Notify.SlackBotToken != "" {
		n, err := slack.New(slack.Opts{
			BotToken:  cfg.Notify.SlackBotToken,
			ChannelID: cfg.Notify.SlackChannelID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if cfg.Notify.DiscordBotToken != "" {
		n, err := discord.New(discord.Opts{
			BotToken:  cfg.Notify.DiscordBotToken,
			ChannelID: cfg.Notify.DiscordChannelID,
			Logger:    log.With().Str("component", "discord").Logger(),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
