package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tansucloud/tansucloud/pkg/health"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/objstore"
)

const quotaScanInterval = 5 * time.Minute

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run the object storage service",
	Long: `The storage service exposes tenant-scoped buckets and objects on a
local filesystem root: multipart uploads, presigned URLs, quotas, image
transforms, and brotli response compression.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		startReporter(ctx, cfg)

		store, err := objstore.NewStore(cfg.StorageRoot)
		if err != nil {
			return fmt.Errorf("failed to open storage root: %w", err)
		}
		go store.RunSweeper(ctx, objstore.DefaultSweepInterval, objstore.DefaultUploadTimeout)

		quota := objstore.NewQuotaScanner(store, objstore.Quota{
			MaxObjectSizeBytes: cfg.MaxObjectBytes,
			MaxTotalBytes:      cfg.MaxTotalBytes,
			MaxObjectCount:     cfg.MaxObjectCount,
		})
		go quota.Run(ctx, quotaScanInterval)

		handler := objstore.NewHandler(store, objstore.HandlerOptions{
			Presigner:   objstore.NewPresigner(cfg.StorageSecret),
			Quota:       quota,
			Transformer: objstore.NewTransformer(objstore.TransformerConfig{}),
			Compressor:  objstore.NewCompressor(0, nil),
		})

		checks := health.NewRegistry(5 * time.Second)
		serveMetrics(ctx, cfg.MetricsAddr, checks)

		logger := log.WithComponent("storage")
		logger.Info().
			Str("root", cfg.StorageRoot).
			Msg("storage service starting")
		return runServer(ctx, "storage", cfg.ListenAddr, handler.Router())
	},
}
