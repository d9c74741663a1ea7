package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/messaging"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	cmd.AddCommand(newDBPurgeCmd())
	cmd.AddCommand(newDBRecountCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Switchboard database",
		Long:  "Creates the database (MySQL) if needed and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", cfg.Database.Host, cfg.Database.Port)
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nSwitchboard database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-create every Switchboard table",
		Long: `Drops all Switchboard tables (messages, conversations, presence) and
migrates them again. All stored messages are lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if !skipConfirm {
		warning := fmt.Sprintf("This will permanently delete all data in %s.", storeName(cfg))
		if !confirm(cmd, warning) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	return resetTables(cmd, gormDB)
}

func resetTables(cmd *cobra.Command, gormDB *gorm.DB) error {
	out := cmd.OutOrStdout()
	if err := db.DropAll(gormDB); err != nil {
		return err
	}
	fmt.Fprintln(out, "Dropped all tables")
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintln(out, "\nSwitchboard database reset successfully.")
	return nil
}

func newDBPurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete messages older than a cutoff",
		Long:  "Hard-deletes messages created before now minus --older-than and recomputes unread counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBPurge(cmd, configPath, olderThan, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff, e.g. 2160h for 90 days (required)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	cmd.MarkFlagRequired("older-than")
	return cmd
}

func runDBPurge(cmd *cobra.Command, configPath string, olderThan time.Duration, skipConfirm bool) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	return purgeMessages(cmd, cfg, gormDB, time.Now().Add(-olderThan), skipConfirm)
}

func purgeMessages(cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB, cutoff time.Time, skipConfirm bool) error {
	out := cmd.OutOrStdout()
	if !skipConfirm {
		warning := fmt.Sprintf("This will delete every message created before %s.", cutoff.Format(time.RFC3339))
		if !confirm(cmd, warning) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	svc, err := messaging.NewService(gormDB, messaging.Opts{Logger: newLogger(cfg, cmd.ErrOrStderr())})
	if err != nil {
		return err
	}
	n, err := svc.Purge(commandContext(cmd), cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Purged %d messages\n", n)
	return nil
}

func newDBRecountCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "recount",
		Short: "Recompute every conversation's unread counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := messaging.NewService(gormDB, messaging.Opts{Logger: newLogger(cfg, cmd.ErrOrStderr())})
			if err != nil {
				return err
			}
			if err := svc.RecountUnread(commandContext(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Unread counters recomputed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func storeName(cfg *config.Config) string {
	if cfg.Database.Driver == "sqlite" {
		return fmt.Sprintf("sqlite file %q", cfg.Database.Path)
	}
	return fmt.Sprintf("database %q", cfg.Database.Name)
}

// confirm asks the user to type "yes". A piped or redirected stdin is
// refused; scripts pass --yes.
func confirm(cmd *cobra.Command, warning string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(out, "stdin is not a terminal; re-run with --yes to confirm")
		return false
	}

	fmt.Fprintf(out, "WARNING: %s\n", warning)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (as in tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
