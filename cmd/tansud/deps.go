package main

import (
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/tansucloud/tansucloud/pkg/audit"
	"github.com/tansucloud/tansucloud/pkg/config"
)

// openDatabase connects to the shared relational store.
func openDatabase(url string) (*sqlx.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is not configured")
	}
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRedisClient builds the event-bus client.
func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

// auditPipeline assembles the enricher, bounded queue, batch writer, and
// retention sweeper for one service instance.
func auditPipeline(cfg *config.Config, db *sqlx.DB) (*audit.Queue, *audit.Writer, *audit.Retention) {
	host, _ := os.Hostname()
	enricher := &audit.Enricher{
		Service:     cfg.ServiceName,
		Environment: string(cfg.Environment),
		Version:     cfg.Version,
		SourceHost:  host,
		IPHashSalt:  cfg.AuditIPHashSalt,
	}
	queue := audit.NewQueue(enricher, audit.QueueConfig{
		Capacity: cfg.AuditQueueCapacity,
		Mode:     audit.DropOnFull,
	})

	wcfg := audit.DefaultWriterConfig()
	wcfg.BatchSize = cfg.AuditBatchSize
	writer := audit.NewWriter(db, queue, wcfg)

	rcfg := audit.DefaultRetentionConfig()
	rcfg.RetentionDays = cfg.AuditRetentionDays
	retention := audit.NewRetention(db, queue, rcfg)

	return queue, writer, retention
}
