package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// VersionTable is the per-database schema bookkeeping table. The quoted mixed
// case name is part of the platform contract.
const VersionTable = `"__SchemaVersion"`

// Version is one row of the __SchemaVersion table. The current version of a
// database is the row with the greatest applied_at for its name.
type Version struct {
	ID           uuid.UUID      `db:"id"`
	DatabaseName string         `db:"database_name"`
	Version      string         `db:"version"`
	AppliedAt    time.Time      `db:"applied_at"`
	Description  sql.NullString `db:"description"`
	Metadata     []byte         `db:"metadata"`
}

// EnsureSchemaVersionTable creates the bookkeeping table and its index if
// they do not exist yet.
func EnsureSchemaVersionTable(ctx context.Context, db *sqlx.DB) error {
	const q = `
		CREATE TABLE IF NOT EXISTS ` + VersionTable + ` (
			id            UUID PRIMARY KEY,
			database_name TEXT NOT NULL,
			version       TEXT NOT NULL,
			applied_at    TIMESTAMPTZ NOT NULL,
			description   TEXT,
			metadata      JSONB
		)`
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create schema version table: %w", err)
	}
	const idx = `
		CREATE INDEX IF NOT EXISTS ix_schema_version_name_applied
		ON ` + VersionTable + ` (database_name, applied_at DESC)`
	if _, err := db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("failed to create schema version index: %w", err)
	}
	return nil
}

// RecordSchemaVersion appends a version row for a database. Metadata may be
// nil; anything else must marshal to JSON.
func RecordSchemaVersion(ctx context.Context, db *sqlx.DB, databaseName, version, description string, metadata any) error {
	var raw []byte
	if metadata != nil {
		var err error
		if raw, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("failed to marshal version metadata: %w", err)
		}
	}
	const q = `
		INSERT INTO ` + VersionTable + ` (id, database_name, version, applied_at, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`
	desc := sql.NullString{String: description, Valid: description != ""}
	if _, err := db.ExecContext(ctx, q, uuid.New(), databaseName, version, time.Now().UTC(), desc, raw); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// CurrentVersion returns the latest recorded version for a database, or ""
// when no row exists yet.
func CurrentVersion(ctx context.Context, db *sqlx.DB, databaseName string) (string, error) {
	const q = `
		SELECT version FROM ` + VersionTable + `
		WHERE database_name = $1
		ORDER BY applied_at DESC
		LIMIT 1`
	var version string
	err := db.GetContext(ctx, &version, q, databaseName)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUndefinedTable(err):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to read current schema version: %w", err)
	}
	return version, nil
}

// Validate compares the recorded version of a database against the expected
// one. A missing table or missing row reports exists=false rather than an
// error so callers can treat an unprovisioned database as simply behind.
func Validate(ctx context.Context, db *sqlx.DB, databaseName, expected string) (exists, matches bool, current string, err error) {
	current, err = CurrentVersion(ctx, db, databaseName)
	if err != nil {
		return false, false, "", err
	}
	if current == "" {
		return false, false, "", nil
	}
	return true, current == expected, current, nil
}

// isUndefinedTable reports whether err is Postgres 42P01 (relation does not
// exist).
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
