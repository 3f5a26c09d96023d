package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tansucloud/tansucloud/pkg/config"
	"github.com/tansucloud/tansucloud/pkg/health"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/logreport"
	"github.com/tansucloud/tansucloud/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tansud",
	Short: "TansuCloud multi-tenant platform services",
	Long: `tansud runs the TansuCloud platform services: the edge gateway,
the database/provisioning service, object storage, and the telemetry
ingestion service. Each service is a subcommand intended to run as its
own process.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"TansuCloud version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(databaseCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(telemetryCmd)
}

// loadConfig reads configuration and initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startReporter attaches the log-report agent to the global logger and runs
// it until ctx is cancelled. A blank server URL disables the agent.
func startReporter(ctx context.Context, cfg *config.Config) {
	if cfg.ReportServerURL == "" {
		return
	}
	buffer := logreport.NewBuffer(1000)
	log.Logger = log.Logger.Hook(logreport.NewHook(buffer))

	host, _ := os.Hostname()
	reporter := logreport.NewReporter(logreport.Config{
		ServerURL:           cfg.ReportServerURL,
		APIKey:              cfg.TelemetryAPIKey,
		Host:                host,
		Environment:         string(cfg.Environment),
		Service:             cfg.ServiceName,
		SeverityThreshold:   logreport.SeverityWarning,
		Interval:            time.Duration(cfg.ReportIntervalMinutes) * time.Minute,
		PseudonymizeTenants: cfg.ReportPseudonymSecret != "",
		PseudonymSecret:     cfg.ReportPseudonymSecret,
	}, buffer)
	go reporter.Run(ctx)
}

// serveMetrics runs the operational endpoint: prometheus metrics plus
// readiness and liveness.
func serveMetrics(ctx context.Context, addr string, checks *health.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health/ready", checks.ReadyHandler())
	mux.Handle("/health/live", health.LiveHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger := log.WithComponent("metrics")
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
}

// runServer serves handler on addr until ctx is cancelled, then drains.
func runServer(ctx context.Context, name, addr string, handler http.Handler) error {
	logger := log.WithComponent(name)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", addr).Msg("listening")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return fmt.Errorf("%s server failed: %w", name, err)
	}
}
