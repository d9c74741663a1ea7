package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/ingest"
	"github.com/zulandar/switchboard/internal/live"
	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/webhook"
)

func newIngestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ingest <payload.json|->",
		Short: "Store a webhook payload from a file",
		Long: `Parses a saved WhatsApp or agent webhook body and stores it exactly as the
webhook endpoint would, without signature checks. Use "-" to read stdin.
Useful for backfilling payloads captured while the server was down; events
are not pushed to live viewers of a separate server process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runIngest(cmd *cobra.Command, configPath, path string) error {
	body, err := readPayload(cmd, path)
	if err != nil {
		return err
	}
	payload, err := webhook.Parse(body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	envs, statuses, err := payload.Normalize()
	if err != nil {
		return fmt.Errorf("normalize %s payload: %w", webhook.Format(payload), err)
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	svc, err := serviceFor(cmd, cfg, gormDB)
	if err != nil {
		return err
	}
	registry := live.NewRegistry(live.RegistryOpts{})
	defer registry.Shutdown()
	pipeline, err := ingest.New(ingest.Opts{Service: svc, Live: registry})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx := commandContext(cmd)
	var failed int
	if wa, ok := payload.(*webhook.WhatsAppPayload); ok {
		for _, sk := range wa.Skipped {
			failed++
			fmt.Fprintf(out, "  skipped %s: %v\n", sk.ID, sk.Err)
		}
	}
	for _, env := range envs {
		res, err := pipeline.Ingest(ctx, env)
		switch {
		case err != nil:
			failed++
			fmt.Fprintf(out, "  failed  %s: %v\n", env.ExternalID, err)
		case res.Created:
			fmt.Fprintf(out, "  stored  %s (conversation %d)\n", res.Message.ExternalID, res.Message.ConversationID)
		default:
			fmt.Fprintf(out, "  exists  %s\n", res.Message.ExternalID)
		}
	}
	for _, st := range statuses {
		_, changed, err := pipeline.ApplyStatus(ctx, st.ExternalID, st.Status)
		switch {
		case errors.Is(err, messaging.ErrNotFound):
			fmt.Fprintf(out, "  unknown %s -> %s\n", st.ExternalID, st.Status)
		case err != nil:
			failed++
			fmt.Fprintf(out, "  failed  %s -> %s: %v\n", st.ExternalID, st.Status, err)
		case changed:
			fmt.Fprintf(out, "  status  %s -> %s\n", st.ExternalID, st.Status)
		default:
			fmt.Fprintf(out, "  kept    %s (not newer than stored status)\n", st.ExternalID)
		}
	}

	fmt.Fprintf(out, "Processed %s payload: %d messages, %d statuses\n", webhook.Format(payload), len(envs), len(statuses))
	if failed > 0 {
		return fmt.Errorf("%d items failed", failed)
	}
	return nil
}

func readPayload(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		body, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return body, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}
