package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bulkimg/internal/logger"
	"bulkimg/internal/models"
)

type commandContext struct {
	configPath string

	cfg *models.Config
	log zerolog.Logger

	sentryEnabled bool
}

func (c *commandContext) load() error {
	cfg, err := models.LoadConfig(strings.TrimSpace(c.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c.cfg = cfg
	c.log = logger.New(cfg.AppEnv, cfg.LogLevel)

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("sentry: init failed, error reporting disabled")
		} else {
			c.sentryEnabled = true
		}
	}
	return nil
}

func (c *commandContext) flush() {
	if c.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "bulkimg",
		Short:         "Bulk image compression service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "config.yaml", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newAPICommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newSubmissionsCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))

	return rootCmd
}
