package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tansucloud/tansucloud/pkg/health"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/telemetry"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Run the telemetry ingestion service",
	Long: `The telemetry service accepts log-report envelopes from service
agents, persists them through a bounded queue, and serves the admin
review surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		startReporter(ctx, cfg)

		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		policy := telemetry.OverflowReject
		if cfg.TelemetryOverflow == "drop-oldest" {
			policy = telemetry.OverflowDropOldest
		}
		queue := telemetry.NewQueue(cfg.TelemetryQueueCapacity, policy)
		store := telemetry.NewStore(db)
		go telemetry.NewPersister(queue, store).Run(ctx)

		handler := telemetry.NewHandler(queue, store, telemetry.NewAuthenticator(cfg.TelemetryAPIKey))

		checks := health.NewRegistry(5 * time.Second)
		checks.Add(health.CheckerFunc{CheckName: "postgres", Fn: pingCheck(db)})
		serveMetrics(ctx, cfg.MetricsAddr, checks)

		logger := log.WithComponent("telemetry")
		logger.Info().
			Str("overflow", cfg.TelemetryOverflow).
			Msg("telemetry service starting")
		return runServer(ctx, "telemetry", cfg.ListenAddr, handler.Router())
	},
}
