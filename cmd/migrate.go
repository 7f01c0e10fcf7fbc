package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"bulkimg/internal/models"
	"bulkimg/internal/storage"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or inspect schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{storage.MigrateUp, storage.MigrateDown, storage.MigrateStatus},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := storage.MigrateUp
			if len(args) == 1 {
				direction = args[0]
			}

			db, dialect, err := openMigrationDB(ctx.cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			return storage.Migrate(cmd.Context(), db, dialect, direction, ctx.log)
		},
	}
}

func openMigrationDB(cfg models.DatabaseConfig) (*sql.DB, goose.Dialect, error) {
	switch cfg.Driver {
	case models.DriverSQLite:
		db, err := storage.OpenSQLiteDB(cfg.URL)
		return db, goose.DialectSQLite3, err
	default:
		db, err := sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		return db, goose.DialectPostgres, nil
	}
}
