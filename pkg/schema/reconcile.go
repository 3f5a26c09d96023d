package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/audit"
	"github.com/tansucloud/tansucloud/pkg/config"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

// ExtensionReconciler upgrades extensions across every tenant database at
// startup. Development environments tolerate failures; production refuses to
// start on them.
type ExtensionReconciler struct {
	admin       *sqlx.DB
	connect     Connector
	extensions  []string
	environment config.Environment
	skip        bool
	audits      *audit.Queue
	logger      zerolog.Logger
}

// NewExtensionReconciler creates a reconciler over the configured extension
// allowlist. audits may be nil.
func NewExtensionReconciler(admin *sqlx.DB, connect Connector, cfg *config.Config, audits *audit.Queue) *ExtensionReconciler {
	return &ExtensionReconciler{
		admin:       admin,
		connect:     connect,
		extensions:  DefaultExtensions,
		environment: cfg.Environment,
		skip:        cfg.SkipExtensionUpdate,
		audits:      audits,
		logger:      log.WithComponent("extension-reconciler"),
	}
}

// Run updates every allowlisted extension in every tenant database and
// audits version changes. In development, failures are logged and Run
// returns nil; in production the first failure aborts startup.
func (r *ExtensionReconciler) Run(ctx context.Context) error {
	if r.skip {
		r.logger.Info().Msg("extension reconciliation skipped")
		return nil
	}

	names, err := r.tenantDatabases(ctx)
	if err != nil {
		return err
	}

	var failed int
	for _, name := range names {
		if err := r.reconcileDatabase(ctx, name); err != nil {
			if !r.environment.IsDevelopment() {
				return err
			}
			r.logger.Warn().Err(err).Str("database", name).Msg("extension reconciliation failed")
			failed++
		}
	}
	r.logger.Info().Int("databases", len(names)).Int("failed", failed).
		Msg("extension reconciliation complete")
	return nil
}

// ExtensionVersions reports the installed extension versions per tenant
// database, keyed by database name then extension name.
func (r *ExtensionReconciler) ExtensionVersions(ctx context.Context) (map[string]map[string]string, error) {
	names, err := r.tenantDatabases(ctx)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]map[string]string, len(names))
	for _, name := range names {
		db, err := r.connect(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", name, err)
		}
		perDB := map[string]string{}
		for _, ext := range r.extensions {
			v, err := extensionVersion(ctx, db, ext)
			if err != nil {
				db.Close()
				return nil, err
			}
			if v != "" {
				perDB[ext] = v
			}
		}
		db.Close()
		versions[name] = perDB
	}
	return versions, nil
}

func (r *ExtensionReconciler) reconcileDatabase(ctx context.Context, name string) error {
	db, err := r.connect(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	defer db.Close()

	for _, ext := range r.extensions {
		if !validExtensionName(ext) {
			return fmt.Errorf("invalid extension name %q", ext)
		}
		before, err := extensionVersion(ctx, db, ext)
		if err != nil {
			return err
		}
		if before == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER EXTENSION %q UPDATE`, ext)); err != nil {
			return fmt.Errorf("failed to update extension %s in %s: %w", ext, name, err)
		}
		after, err := extensionVersion(ctx, db, ext)
		if err != nil {
			return err
		}
		if after != before {
			r.recordUpdate(name, ext, before, after)
		}
	}
	return nil
}

func (r *ExtensionReconciler) recordUpdate(database, extension, from, to string) {
	r.logger.Info().Str("database", database).Str("extension", extension).
		Str("from", from).Str("to", to).Msg("extension updated")
	if r.audits == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{
		"database":  database,
		"extension": extension,
		"from":      from,
		"to":        to,
	})
	r.audits.TryEnqueue(&audit.Event{
		TenantID:  tenantFromDatabase(database),
		Action:    "ExtensionUpdated",
		Category:  "Schema",
		Outcome:   "Success",
		UniqueKey: database + "/" + extension + "/" + to,
		Details:   details,
	}, nil)
}

func (r *ExtensionReconciler) tenantDatabases(ctx context.Context) ([]string, error) {
	const q = `SELECT datname FROM pg_database WHERE datname LIKE $1 ORDER BY datname`
	var names []string
	if err := r.admin.SelectContext(ctx, &names, q, tenant.Prefix+"%"); err != nil {
		return nil, fmt.Errorf("failed to list tenant databases: %w", err)
	}
	return names, nil
}

// extensionVersion returns the installed version of an extension, or "" when
// the extension is not installed.
func extensionVersion(ctx context.Context, db *sqlx.DB, name string) (string, error) {
	const q = `SELECT extversion FROM pg_extension WHERE extname = $1`
	var version string
	err := db.GetContext(ctx, &version, q, name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to read version of extension %s: %w", name, err)
	}
	return version, nil
}

func tenantFromDatabase(database string) string {
	if len(database) > len(tenant.Prefix) {
		return database[len(tenant.Prefix):]
	}
	return ""
}
