package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
)

// RetentionMode selects what happens to expired rows.
type RetentionMode string

const (
	// RetentionHardDelete removes expired rows entirely.
	RetentionHardDelete RetentionMode = "delete"
	// RetentionRedact keeps rows but strips details and marks the outcome.
	RetentionRedact RetentionMode = "redact"
)

// RetentionConfig tunes the retention worker.
type RetentionConfig struct {
	Interval      time.Duration
	RetentionDays int
	Mode          RetentionMode
	// LegalHolds lists tenants whose rows are never touched.
	LegalHolds []string
}

// DefaultRetentionConfig returns the production defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Interval:      6 * time.Hour,
		RetentionDays: 90,
		Mode:          RetentionHardDelete,
	}
}

// Retention periodically deletes or redacts audit rows older than the
// retention window, skipping tenants under legal hold, and records its own
// action in the audit stream.
type Retention struct {
	db    *sqlx.DB
	queue *Queue
	cfg   RetentionConfig
}

// NewRetention creates the retention worker.
func NewRetention(db *sqlx.DB, queue *Queue, cfg RetentionConfig) *Retention {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.Mode == "" {
		cfg.Mode = RetentionHardDelete
	}
	return &Retention{db: db, queue: queue, cfg: cfg}
}

// Run sweeps on the configured interval until cancelled.
func (r *Retention) Run(ctx context.Context) {
	logger := log.WithComponent("audit-retention")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("retention sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce applies retention to rows older than the cutoff and returns the
// number of affected rows.
func (r *Retention) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.RetentionDays)
	holds := r.cfg.LegalHolds
	if holds == nil {
		holds = []string{}
	}

	var (
		result int64
		err    error
	)
	redacted := r.cfg.Mode == RetentionRedact
	if redacted {
		result, err = r.redact(ctx, cutoff, holds)
	} else {
		result, err = r.hardDelete(ctx, cutoff, holds)
	}
	if err != nil {
		return 0, err
	}

	metrics.AuditRetentionAffected.WithLabelValues(string(r.cfg.Mode)).Add(float64(result))

	details, _ := json.Marshal(map[string]any{
		"cutoff":   cutoff.Format(time.RFC3339),
		"redacted": redacted,
		"affected": result,
		"holds":    holds,
	})
	r.queue.TryEnqueue(&Event{
		Action:   "audit.retention",
		Category: "Audit",
		Outcome:  "Success",
		Details:  details,
	}, nil)

	logger := log.WithComponent("audit-retention")
	logger.Info().
		Time("cutoff", cutoff).Int64("affected", result).Bool("redacted", redacted).
		Msg("retention sweep complete")
	return result, nil
}

func (r *Retention) hardDelete(ctx context.Context, cutoff time.Time, holds []string) (int64, error) {
	const q = `DELETE FROM audit_events WHERE when_utc < $1 AND tenant_id <> ALL($2)`
	res, err := r.db.ExecContext(ctx, q, cutoff, pq.Array(holds))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit rows: %w", err)
	}
	return res.RowsAffected()
}

func (r *Retention) redact(ctx context.Context, cutoff time.Time, holds []string) (int64, error) {
	const q = `
		UPDATE audit_events
		SET details = NULL,
		    outcome = COALESCE(NULLIF(outcome, ''), 'Redacted'),
		    reason_code = 'Retention'
		WHERE when_utc < $1 AND tenant_id <> ALL($2) AND reason_code IS DISTINCT FROM 'Retention'`
	res, err := r.db.ExecContext(ctx, q, cutoff, pq.Array(holds))
	if err != nil {
		return 0, fmt.Errorf("failed to redact expired audit rows: %w", err)
	}
	return res.RowsAffected()
}
