package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"github.com/tansucloud/tansucloud/migrations"
	"github.com/tansucloud/tansucloud/pkg/log"
)

// MigrationLockID is the fixed advisory lock id under which migrations
// serialize. Services racing on startup block here instead of conflicting.
const MigrationLockID int64 = 874119262034

// MigrateFunc applies migrations to a single database and returns the
// resulting schema version.
type MigrateFunc func(ctx context.Context, db *sql.DB) (string, error)

// Migrate brings a database up to the latest embedded migration, holding a
// Postgres session advisory lock for the duration. It returns the database's
// goose version as a string.
func Migrate(ctx context.Context, db *sql.DB) (string, error) {
	locker, err := lock.NewPostgresSessionLocker(lock.WithLockID(MigrationLockID))
	if err != nil {
		return "", fmt.Errorf("failed to create session locker: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS,
		goose.WithSessionLocker(locker))
	if err != nil {
		return "", fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger := log.WithComponent("schema")
	for _, r := range results {
		logger.Info().
			Int64("version", r.Source.Version).
			Str("source", r.Source.Path).
			Msg("applied migration")
	}

	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read migration version: %w", err)
	}
	return strconv.FormatInt(v, 10), nil
}
