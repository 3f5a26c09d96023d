package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/tansucloud/tansucloud/pkg/audit"
	"github.com/tansucloud/tansucloud/pkg/health"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/outbox"
	"github.com/tansucloud/tansucloud/pkg/pooladmin"
	"github.com/tansucloud/tansucloud/pkg/schema"
)

var databaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Run the database and provisioning service",
	Long: `The database service owns tenant provisioning, schema version
tracking, extension reconciliation, the audit query API, and the
transactional outbox dispatcher.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		startReporter(ctx, cfg)

		adminDB, err := openDatabase(cfg.AdminDatabaseURL)
		if err != nil {
			return fmt.Errorf("admin connection: %w", err)
		}
		defer adminDB.Close()

		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		audits, writer, retention := auditPipeline(cfg, db)
		go writer.Run(ctx)
		go retention.Run(ctx)

		connect := tenantConnector(cfg.AdminDatabaseURL)

		var opts []schema.ProvisionerOption
		if cfg.PoolAdminURL != "" {
			pools := pooladmin.NewClient(cfg.PoolAdminURL, cfg.PoolAdminUser, cfg.PoolAdminPassword,
				pooladmin.WithPoolSize(cfg.PoolSize))
			opts = append(opts, schema.WithPoolAdmin(pools))
		}
		prov := schema.NewProvisioner(adminDB, connect, opts...)

		reconciler := schema.NewExtensionReconciler(adminDB, connect, cfg, audits)
		if err := reconciler.Run(ctx); err != nil {
			return fmt.Errorf("extension reconciliation failed: %w", err)
		}

		bus := newRedisClient(cfg)
		defer bus.Close()
		dispatcher := outbox.NewDispatcher(
			outbox.NewStore(db),
			outbox.NewRedisPublisher(bus, cfg.RedisChannel),
			outbox.DefaultDispatcherConfig(),
		)
		go dispatcher.Run(ctx)

		query := audit.NewQueryService(db)
		auditAPI := audit.NewHandler(query, audit.NewExporter(query, audits), headerPrincipal)

		r := chi.NewRouter()
		r.Mount("/api/audit", auditAPI.Routes())
		r.Mount("/", schema.NewHandler(prov, connect, audits).Router())

		checks := health.NewRegistry(5 * time.Second)
		checks.Add(health.CheckerFunc{CheckName: "postgres", Fn: pingCheck(db)})
		checks.Add(health.NewTCPChecker("redis", cfg.RedisAddr))
		checks.Add(health.NewExtensionChecker(reconciler.ExtensionVersions))
		serveMetrics(ctx, cfg.MetricsAddr, checks)

		logger := log.WithComponent("database")
		logger.Info().Msg("database service starting")
		return runServer(ctx, "database", cfg.ListenAddr, r)
	},
}

// tenantConnector opens handles to individual tenant databases by swapping
// the database name in the admin connection URL.
func tenantConnector(adminURL string) schema.Connector {
	return func(ctx context.Context, databaseName string) (*sqlx.DB, error) {
		u, err := url.Parse(adminURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse admin database URL: %w", err)
		}
		u.Path = "/" + databaseName
		db, err := sqlx.ConnectContext(ctx, "pgx", u.String())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", databaseName, err)
		}
		return db, nil
	}
}

// headerPrincipal trusts identity headers set by the gateway on internal
// hops. External traffic never reaches this service directly.
func headerPrincipal(r *http.Request) *audit.Principal {
	subject := r.Header.Get("X-Tansu-Subject")
	if subject == "" {
		return nil
	}
	return &audit.Principal{
		Subject: subject,
		Admin:   r.Header.Get("X-Tansu-Admin") == "true",
	}
}

// pingCheck adapts a database ping into a health check.
func pingCheck(db *sqlx.DB) func(ctx context.Context) health.Result {
	return func(ctx context.Context) health.Result {
		start := time.Now()
		if err := db.PingContext(ctx); err != nil {
			return health.Result{
				State:     health.StateUnhealthy,
				Message:   fmt.Sprintf("ping failed: %v", err),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		return health.Result{State: health.StateHealthy, CheckedAt: start, Duration: time.Since(start)}
	}
}
