package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/tansucloud/tansucloud/pkg/cacheversion"
	"github.com/tansucloud/tansucloud/pkg/config"
	"github.com/tansucloud/tansucloud/pkg/gateway"
	"github.com/tansucloud/tansucloud/pkg/health"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/policystore"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the edge gateway",
	Long: `The gateway terminates external traffic: request enrichment,
ingress policies, output caching, rate-limit aggregation, and reverse
proxying to the platform services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		startReporter(ctx, cfg)

		store, err := policystore.NewStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open policy store: %w", err)
		}
		defer store.Close()

		versions := cacheversion.NewCounter()
		bus := newRedisClient(cfg)
		defer bus.Close()
		subscriber := cacheversion.NewSubscriber(bus, cfg.RedisChannel, versions)
		go subscriber.Run(ctx)

		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		audits, writer, retention := auditPipeline(cfg, db)
		go writer.Run(ctx)
		go retention.Run(ctx)

		upstreams, err := parseUpstreams(cfg.Upstreams)
		if err != nil {
			return err
		}

		srv, err := gateway.NewServer(cfg, gateway.ServerOptions{
			Store:     store,
			Versions:  versions,
			Audits:    audits,
			Upstreams: upstreams,
		})
		if err != nil {
			return fmt.Errorf("failed to build gateway: %w", err)
		}
		go srv.Aggregator().Run(ctx)

		checks := health.NewRegistry(5 * time.Second)
		checks.Add(health.NewTCPChecker("redis", cfg.RedisAddr))
		for _, u := range upstreams {
			checks.Add(health.NewHTTPChecker("upstream-"+u.Name, u.Target.String()))
		}
		serveMetrics(ctx, cfg.MetricsAddr, checks)

		logger := log.WithComponent("gateway")
		logger.Info().
			Int("upstreams", len(upstreams)).
			Msg("gateway starting")
		return runServer(ctx, "gateway", cfg.ListenAddr, srv.Router())
	},
}

// parseUpstreams converts configured routes into proxy targets.
func parseUpstreams(entries []config.UpstreamConfig) ([]gateway.Upstream, error) {
	upstreams := make([]gateway.Upstream, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.URL == "" {
			return nil, fmt.Errorf("upstream requires both name and url")
		}
		target, err := url.Parse(e.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse upstream %s url: %w", e.Name, err)
		}
		timeout := time.Duration(e.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		upstreams = append(upstreams, gateway.Upstream{
			Name:           e.Name,
			Target:         target,
			BodyLimitBytes: e.BodyLimitBytes,
			Timeout:        timeout,
		})
	}
	return upstreams, nil
}
