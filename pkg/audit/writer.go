package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
)

// WriterConfig tunes the background writer.
type WriterConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	WriteTimeout time.Duration
	FailBackoff  time.Duration
}

// DefaultWriterConfig returns the production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:    256,
		FlushTimeout: time.Second,
		WriteTimeout: 5 * time.Second,
		FailBackoff:  2 * time.Second,
	}
}

// Writer is the single reader of the audit queue. It batches events and
// writes each batch in one transaction. The table is created by migrations;
// the writer never does DDL.
type Writer struct {
	db    *sqlx.DB
	queue *Queue
	cfg   WriterConfig
}

// NewWriter creates a writer for the queue.
func NewWriter(db *sqlx.DB, queue *Queue, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.FailBackoff <= 0 {
		cfg.FailBackoff = 2 * time.Second
	}
	return &Writer{db: db, queue: queue, cfg: cfg}
}

// Run consumes the queue until the context is cancelled. A failed batch is
// dropped after logging once; the loop backs off and resumes.
func (w *Writer) Run(ctx context.Context) {
	logger := log.WithComponent("audit-writer")

	for {
		batch := w.collect(ctx)
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := w.WriteBatch(ctx, batch); err != nil {
			metrics.AuditWriteFailures.Inc()
			metrics.AuditDroppedOnFailure.Add(float64(len(batch)))
			logger.Error().Err(err).Int("batch_size", len(batch)).Msg("audit batch write failed, dropping batch")
			select {
			case <-time.After(w.cfg.FailBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

// collect blocks for the first event, then drains more until the batch is
// full or the flush timeout fires.
func (w *Writer) collect(ctx context.Context) []*Event {
	var batch []*Event

	select {
	case evt := <-w.queue.events():
		batch = append(batch, evt)
	case <-ctx.Done():
		return nil
	}

	timer := time.NewTimer(w.cfg.FlushTimeout)
	defer timer.Stop()

	for len(batch) < w.cfg.BatchSize {
		select {
		case evt := <-w.queue.events():
			batch = append(batch, evt)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// WriteBatch inserts a batch inside one transaction, ignoring duplicates by
// idempotency key.
func (w *Writer) WriteBatch(ctx context.Context, batch []*Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(writeCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO audit_events (
			id, when_utc, service, environment, version, tenant_id, subject,
			action, category, route_template, correlation_id, trace_id, span_id,
			client_ip_hash, user_agent, outcome, reason_code, details,
			impersonated_by, source_host, unique_key, idempotency_key
		) VALUES (
			:id, :when_utc, :service, :environment, :version, :tenant_id, :subject,
			:action, :category, :route_template, :correlation_id, :trace_id, :span_id,
			:client_ip_hash, :user_agent, :outcome, :reason_code, :details,
			:impersonated_by, :source_host, :unique_key, :idempotency_key
		)
		ON CONFLICT (idempotency_key) DO NOTHING`

	for _, evt := range batch {
		if _, err := tx.NamedExecContext(writeCtx, q, evt); err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return nil
}
