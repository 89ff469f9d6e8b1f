package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"forcesub-bot/internal/store/sqlstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("bot exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "forcesub-bot",
		Short:         "Telegram bot that gates stored content behind channel subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runCommand,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot until interrupted (default)",
		Args:  cobra.NoArgs,
		RunE:  runCommand,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := readConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := ensureSQLiteDir(cfg.database); err != nil {
				return err
			}
			store, err := sqlstore.Open(cmd.Context(), cfg.database)
			if err != nil {
				return err
			}
			version, err := store.Migrate()
			if closeErr := store.Close(); err == nil && closeErr != nil {
				err = fmt.Errorf("close database: %w", closeErr)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)

			return nil
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the bot configuration",
	}
	configCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"config ok: database=%s storage_channel=%d admins=%d relay=%t metrics=%t\n",
				cfg.database.Dialect,
				cfg.telegram.StorageChannelID,
				len(cfg.adminIDs),
				cfg.natsURL != "",
				cfg.metricsListen != "",
			)

			return nil
		},
	}
	configCmd.AddCommand(configCheckCmd)

	root.AddCommand(runCmd, migrateCmd, configCmd)

	return root
}

func runCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.logLevel, os.Stdout)
	slog.SetDefault(logger)

	return runBot(cmd.Context(), cfg, logger)
}
