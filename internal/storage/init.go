package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migration directions accepted by Migrate.
const (
	MigrateUp     = "up"
	MigrateDown   = "down"
	MigrateStatus = "status"
)

func newMigrationProvider(db *sql.DB, dialect goose.Dialect) (*goose.Provider, error) {
	dir := "migrations/postgres"
	if dialect == goose.DialectSQLite3 {
		dir = "migrations/sqlite"
	}
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(dialect, db, fsys)
}

func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, log zerolog.Logger) error {
	return Migrate(ctx, db, dialect, MigrateUp, log)
}

// Migrate applies, rolls back one step of, or reports the embedded schema
// migrations for the given dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, direction string, log zerolog.Logger) error {
	const op = "storage.Migrate"

	provider, err := newMigrationProvider(db, dialect)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch direction {
	case MigrateUp:
		results, err := provider.Up(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if len(results) == 0 {
			log.Debug().Str("dialect", string(dialect)).Msg("storage: no migrations to apply")
			return nil
		}
		for _, r := range results {
			log.Info().Str("dialect", string(dialect)).Int64("version", r.Source.Version).Dur("took", r.Duration).Msg("storage: migration applied")
		}
	case MigrateDown:
		r, err := provider.Down(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Info().Str("dialect", string(dialect)).Int64("version", r.Source.Version).Msg("storage: migration rolled back")
	case MigrateStatus:
		statuses, err := provider.Status(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		for _, s := range statuses {
			log.Info().Str("dialect", string(dialect)).Int64("version", s.Source.Version).Str("state", string(s.State)).Msg("storage: migration status")
		}
	default:
		return fmt.Errorf("%s: unknown direction %q", op, direction)
	}
	return nil
}
