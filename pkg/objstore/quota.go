package objstore

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tansucloud/tansucloud/pkg/metrics"
)

// Quota holds per-tenant storage limits. A limit of zero or below disables
// that constraint.
type Quota struct {
	MaxObjectSizeBytes int64
	MaxTotalBytes      int64
	MaxObjectCount     int64
}

// Usage is the result of a tenant subtree scan.
type Usage struct {
	TotalBytes  int64
	ObjectCount int64
	ScannedAt   time.Time
}

// QuotaViolation identifies the first constraint an incoming write would
// break.
type QuotaViolation struct {
	Constraint string
	Limit      int64
	Actual     int64
}

func (v *QuotaViolation) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit %d, would be %d", v.Constraint, v.Limit, v.Actual)
}

// Evaluate checks an incoming write of incomingBytes against the quota given
// the current usage. Constraints are checked in a fixed order and the first
// violation wins.
func (q Quota) Evaluate(usage Usage, incomingBytes int64) *QuotaViolation {
	if q.MaxObjectSizeBytes > 0 && incomingBytes > q.MaxObjectSizeBytes {
		return &QuotaViolation{Constraint: "MaxObjectSizeBytes", Limit: q.MaxObjectSizeBytes, Actual: incomingBytes}
	}
	if q.MaxTotalBytes > 0 && usage.TotalBytes+incomingBytes > q.MaxTotalBytes {
		return &QuotaViolation{Constraint: "MaxTotalBytes", Limit: q.MaxTotalBytes, Actual: usage.TotalBytes + incomingBytes}
	}
	if q.MaxObjectCount > 0 && usage.ObjectCount+1 > q.MaxObjectCount {
		return &QuotaViolation{Constraint: "MaxObjectCount", Limit: q.MaxObjectCount, Actual: usage.ObjectCount + 1}
	}
	return nil
}

// Usage scans a tenant's subtree, counting user files and bytes. Metadata
// sidecars and multipart staging directories are excluded.
func (s *Store) Usage(tenantID string) (Usage, error) {
	td, err := s.tenantDir(tenantID)
	if err != nil {
		return Usage{}, err
	}

	var usage Usage
	err = filepath.WalkDir(td, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == td {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != td {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		usage.TotalBytes += st.Size()
		usage.ObjectCount++
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("failed to scan tenant usage: %w", err)
	}
	usage.ScannedAt = time.Now().UTC()
	return usage, nil
}

// QuotaScanner periodically refreshes per-tenant usage so quota checks read
// a recent snapshot instead of walking the tree per request.
type QuotaScanner struct {
	store *Store
	quota Quota

	mu    sync.Mutex
	cache map[string]Usage
}

// NewQuotaScanner builds a scanner over the store with the given limits.
func NewQuotaScanner(store *Store, quota Quota) *QuotaScanner {
	return &QuotaScanner{
		store: store,
		quota: quota,
		cache: make(map[string]Usage),
	}
}

// Quota returns the configured limits.
func (q *QuotaScanner) Quota() Quota { return q.quota }

// UsageFor returns the cached usage for a tenant, scanning on a cache miss.
func (q *QuotaScanner) UsageFor(tenantID string) (Usage, error) {
	q.mu.Lock()
	usage, ok := q.cache[tenantID]
	q.mu.Unlock()
	if ok {
		return usage, nil
	}
	return q.Refresh(tenantID)
}

// Refresh rescans one tenant and updates the usage gauge.
func (q *QuotaScanner) Refresh(tenantID string) (Usage, error) {
	usage, err := q.store.Usage(tenantID)
	if err != nil {
		return Usage{}, err
	}
	q.mu.Lock()
	q.cache[tenantID] = usage
	q.mu.Unlock()
	metrics.StorageBytesUsed.WithLabelValues(tenantID).Set(float64(usage.TotalBytes))
	return usage, nil
}

// Record adjusts the cached usage after a successful write or delete without
// waiting for the next scan.
func (q *QuotaScanner) Record(tenantID string, deltaBytes, deltaCount int64) {
	q.mu.Lock()
	usage, ok := q.cache[tenantID]
	if ok {
		usage.TotalBytes += deltaBytes
		usage.ObjectCount += deltaCount
		q.cache[tenantID] = usage
	}
	q.mu.Unlock()
	if ok {
		metrics.StorageBytesUsed.WithLabelValues(tenantID).Set(float64(usage.TotalBytes))
	}
}

// Run rescans every tenant on the given interval until cancelled.
func (q *QuotaScanner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := q.store.Tenants()
			if err != nil {
				q.store.logger.Error().Err(err).Msg("quota scan failed to list tenants")
				continue
			}
			for _, t := range tenants {
				if _, err := q.Refresh(t); err != nil {
					q.store.logger.Error().Err(err).Str("tenant", t).Msg("quota scan failed")
				}
			}
		}
	}
}
