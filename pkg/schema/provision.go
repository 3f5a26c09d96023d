package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

// DefaultExtensions is the extension allowlist installed into every tenant
// database. pg_trgm is treated as optional: clusters without it still
// provision.
var DefaultExtensions = []string{"citus", "vector", "pg_trgm"}

var optionalExtensions = map[string]bool{"pg_trgm": true}

// Connector opens a handle to a specific database on the cluster.
type Connector func(ctx context.Context, databaseName string) (*sqlx.DB, error)

// PoolAdmin registers provisioned databases with the connection pooler.
// Implementations must treat an already-registered pool as success.
type PoolAdmin interface {
	AddPool(ctx context.Context, database string) error
}

// Provisioner creates and prepares per-tenant databases.
type Provisioner struct {
	admin      *sqlx.DB
	connect    Connector
	pools      PoolAdmin
	extensions []string
	migrate    MigrateFunc
	logger     zerolog.Logger
}

// ProvisionerOption customizes a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithPoolAdmin registers every provisioned database with the pooler.
func WithPoolAdmin(pools PoolAdmin) ProvisionerOption {
	return func(p *Provisioner) { p.pools = pools }
}

// WithExtensions overrides the extension allowlist.
func WithExtensions(extensions []string) ProvisionerOption {
	return func(p *Provisioner) { p.extensions = extensions }
}

// WithMigrate overrides the migration step.
func WithMigrate(migrate MigrateFunc) ProvisionerOption {
	return func(p *Provisioner) { p.migrate = migrate }
}

// NewProvisioner creates a Provisioner. The admin handle must be connected to
// a maintenance database with CREATEDB rights; connect opens handles to the
// databases it creates.
func NewProvisioner(admin *sqlx.DB, connect Connector, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		admin:      admin,
		connect:    connect,
		extensions: DefaultExtensions,
		migrate:    Migrate,
		logger:     log.WithComponent("provisioner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision creates the tenant's database if needed, installs extensions,
// applies migrations, records the schema version, and registers the pool.
// It is safe to call repeatedly for the same tenant.
func (p *Provisioner) Provision(ctx context.Context, tenantID string) (string, error) {
	name := tenant.DatabaseName(tenantID)
	if name == "" {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}

	if err := p.ensureDatabase(ctx, name); err != nil {
		return "", err
	}

	db, err := p.connect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	defer db.Close()

	if err := p.ensureExtensions(ctx, db, name); err != nil {
		return "", err
	}
	version, err := p.migrate(ctx, db.DB)
	if err != nil {
		return "", fmt.Errorf("failed to migrate %s: %w", name, err)
	}
	if err := EnsureSchemaVersionTable(ctx, db); err != nil {
		return "", err
	}
	metadata := map[string]any{"tenantId": tenantID, "extensions": p.extensions}
	if err := RecordSchemaVersion(ctx, db, name, version, "tenant provisioning", metadata); err != nil {
		return "", err
	}

	if p.pools != nil {
		if err := p.pools.AddPool(ctx, name); err != nil {
			return "", fmt.Errorf("failed to register pool for %s: %w", name, err)
		}
	}

	p.logger.Info().Str("database", name).Str("version", version).Msg("tenant provisioned")
	return name, nil
}

// ensureDatabase creates the database when missing. A concurrent creator
// winning the race is fine: duplicate_database counts as success.
func (p *Provisioner) ensureDatabase(ctx context.Context, name string) error {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`
	if err := p.admin.GetContext(ctx, &exists, q, name); err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE cannot be parameterized; the name is derived from a
	// normalized tenant id so quoting the identifier is sufficient.
	if _, err := p.admin.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE %q`, name)); err != nil {
		if isDuplicateDatabase(err) {
			return nil
		}
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	p.logger.Info().Str("database", name).Msg("created tenant database")
	return nil
}

func (p *Provisioner) ensureExtensions(ctx context.Context, db *sqlx.DB, name string) error {
	for _, ext := range p.extensions {
		if !validExtensionName(ext) {
			return fmt.Errorf("invalid extension name %q", ext)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE EXTENSION IF NOT EXISTS %q`, ext)); err != nil {
			if optionalExtensions[ext] {
				p.logger.Warn().Err(err).Str("database", name).Str("extension", ext).
					Msg("optional extension unavailable")
				continue
			}
			return fmt.Errorf("failed to install extension %s in %s: %w", ext, name, err)
		}
	}
	return nil
}

func isDuplicateDatabase(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P04"
}

// validExtensionName restricts extension identifiers to [a-z0-9_].
func validExtensionName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
