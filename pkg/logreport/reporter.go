package logreport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/etag"
	"github.com/tansucloud/tansucloud/pkg/log"
)

// Reporting cadence defaults.
const (
	DefaultInterval      = time.Hour
	DefaultWindowMinutes = 60
	MinReportItems       = 50

	initialStagger = 10 * time.Second
	minJitter      = 5 * time.Second
	maxJitter      = 30 * time.Second
	sendTimeout    = 30 * time.Second
)

// Config controls what the agent ships and where.
type Config struct {
	// ServerURL is the telemetry ingest endpoint. Empty disables the agent
	// entirely.
	ServerURL string
	// APIKey is sent as a bearer token when set.
	APIKey string

	Host        string
	Environment string
	Service     string

	SeverityThreshold Severity
	WindowMinutes     int
	MaxItems          int

	// WarningCategories are category prefixes always included at Warning
	// level; other warnings are sampled.
	WarningCategories      []string
	WarningSamplingPercent int

	PseudonymizeTenants bool
	PseudonymSecret     string

	Interval time.Duration
}

// reportItem mirrors the telemetry service's item schema.
type reportItem struct {
	Kind         string            `json:"kind"`
	Timestamp    time.Time         `json:"timestamp"`
	Level        string            `json:"level"`
	Category     string            `json:"category,omitempty"`
	EventID      int               `json:"eventId,omitempty"`
	Message      string            `json:"message"`
	TemplateHash string            `json:"templateHash,omitempty"`
	Count        int               `json:"count"`
	TenantHash   string            `json:"tenantHash,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

type reportEnvelope struct {
	Host              string       `json:"host"`
	Environment       string       `json:"environment"`
	Service           string       `json:"service"`
	SeverityThreshold string       `json:"severityThreshold"`
	WindowMinutes     int          `json:"windowMinutes"`
	MaxItems          int          `json:"maxItems"`
	Items             []reportItem `json:"items"`
}

// Reporter ships buffered records on an interval.
type Reporter struct {
	cfg     Config
	buffer  *Buffer
	client  *http.Client
	enabled atomic.Bool
	logger  zerolog.Logger

	now    func() time.Time
	sample func() int
	jitter func() time.Duration
}

// NewReporter builds a reporter over a buffer. Zero-valued config fields
// get the documented defaults.
func NewReporter(cfg Config, buffer *Buffer) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = DefaultWindowMinutes
	}
	if cfg.MaxItems < MinReportItems {
		cfg.MaxItems = MinReportItems
	}

	r := &Reporter{
		cfg:    cfg,
		buffer: buffer,
		client: &http.Client{Timeout: sendTimeout},
		logger: log.WithComponent("logreport"),
		now:    time.Now,
		sample: func() int { return rand.Intn(100) },
		jitter: func() time.Duration {
			return minJitter + time.Duration(rand.Int63n(int64(maxJitter-minJitter)))
		},
	}
	r.enabled.Store(true)
	return r
}

// SetEnabled flips the runtime switch. A disabled reporter keeps sleeping
// without consuming the buffer.
func (r *Reporter) SetEnabled(v bool) { r.enabled.Store(v) }

// Run ships batches until the context ends. The first cycle is staggered so
// a fleet restarting together does not stampede the server.
func (r *Reporter) Run(ctx context.Context) {
	if r.cfg.ServerURL == "" {
		r.logger.Info().Msg("log reporting disabled: no server url")
		return
	}

	if !sleep(ctx, initialStagger) {
		return
	}
	for {
		delay := r.cfg.Interval
		if r.enabled.Load() {
			if err := r.Report(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("log report failed")
				delay += r.jitter()
			}
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Report builds and sends one batch. The consumed prefix is removed from
// the buffer only after a successful send.
func (r *Reporter) Report(ctx context.Context) error {
	snapshot := r.buffer.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	consumed := len(snapshot)

	items := r.build(snapshot)
	if len(items) == 0 {
		r.buffer.RemoveBatch(consumed)
		return nil
	}

	payload := reportEnvelope{
		Host:              r.cfg.Host,
		Environment:       r.cfg.Environment,
		Service:           r.cfg.Service,
		SeverityThreshold: r.cfg.SeverityThreshold.String(),
		WindowMinutes:     r.cfg.WindowMinutes,
		MaxItems:          r.cfg.MaxItems,
		Items:             items,
	}
	if err := r.send(ctx, payload); err != nil {
		return err
	}

	r.buffer.RemoveBatch(consumed)
	return nil
}

// build filters, classifies, and aggregates a snapshot into report items.
// Aggregated perf items are appended after everything else; overflow past
// MaxItems is trimmed from the tail.
func (r *Reporter) build(records []Record) []reportItem {
	now := r.now()
	window := time.Duration(r.cfg.WindowMinutes) * time.Minute

	var regular []reportItem
	perf := map[string]*reportItem{}
	var perfOrder []string

	for _, rec := range records {
		if rec.Level < r.cfg.SeverityThreshold {
			continue
		}
		if now.Sub(rec.Timestamp) > window {
			continue
		}
		if rec.Level == SeverityWarning && !r.keepWarning(rec) {
			continue
		}

		kind := rec.Kind()
		hash := rec.TemplateHash()
		if kind == "perf_slo_breach" {
			if existing, ok := perf[hash]; ok {
				existing.Count++
				continue
			}
			item := r.item(rec, kind, hash)
			perf[hash] = &item
			perfOrder = append(perfOrder, hash)
			continue
		}
		regular = append(regular, r.item(rec, kind, hash))
	}

	out := regular
	for _, hash := range perfOrder {
		out = append(out, *perf[hash])
	}
	if len(out) > r.cfg.MaxItems {
		out = out[:r.cfg.MaxItems]
	}
	return out
}

func (r *Reporter) item(rec Record, kind, hash string) reportItem {
	return reportItem{
		Kind:         kind,
		Timestamp:    rec.Timestamp.UTC(),
		Level:        rec.Level.String(),
		Category:     rec.Category,
		EventID:      rec.EventID,
		Message:      rec.Message,
		TemplateHash: hash,
		Count:        1,
		TenantHash:   r.tenantHash(rec.TenantID),
		Properties:   rec.Properties,
	}
}

func (r *Reporter) tenantHash(tenantID string) string {
	if tenantID == "" {
		return ""
	}
	if !r.cfg.PseudonymizeTenants {
		return tenantID
	}
	return etag.Pseudonymize(r.cfg.PseudonymSecret, tenantID)
}

// keepWarning applies the allowlist, then percentage sampling.
func (r *Reporter) keepWarning(rec Record) bool {
	for _, prefix := range r.cfg.WarningCategories {
		if strings.HasPrefix(rec.Category, prefix) {
			return true
		}
	}
	return r.sample() < r.cfg.WarningSamplingPercent
}

func (r *Reporter) send(ctx context.Context, payload reportEnvelope) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ServerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report rejected with status %d", resp.StatusCode)
	}
	return nil
}
