package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MaxExportLimit clamps the number of rows an export may return.
const MaxExportLimit = 10000

// exportColumns is the fixed CSV column order of the export contract.
var exportColumns = []string{
	"WhenUtc", "TenantId", "Subject", "Category", "Action", "Service",
	"Outcome", "ReasonCode", "CorrelationId", "TraceId", "SpanId",
	"RouteTemplate", "Environment", "Version", "ClientIpHash", "UserAgent",
	"ImpersonatedBy", "SourceHost", "Details",
}

// Exporter streams filtered audit rows as CSV or JSON. Exports are admin
// only and record their own allowlisted audit event.
type Exporter struct {
	query *QueryService
	queue *Queue
}

// NewExporter creates an exporter.
func NewExporter(query *QueryService, queue *Queue) *Exporter {
	return &Exporter{query: query, queue: queue}
}

// ClampExportLimit bounds a requested export limit to [1, MaxExportLimit].
func ClampExportLimit(limit int) int {
	if limit <= 0 || limit > MaxExportLimit {
		return MaxExportLimit
	}
	return limit
}

// collect pages through the query until the limit is reached.
func (e *Exporter) collect(ctx context.Context, f Filter, limit int) ([]*Event, error) {
	var all []*Event
	f.PageSize = MaxPageSize
	f.PageToken = ""

	for len(all) < limit {
		page, err := e.query.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.NextPageToken == "" {
			break
		}
		f.PageToken = page.NextPageToken
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ExportCSV writes matching rows as RFC 4180 CSV and returns the row count.
func (e *Exporter) ExportCSV(ctx context.Context, w io.Writer, f Filter, limit int, subject string) (int, error) {
	limit = ClampExportLimit(limit)
	items, err := e.collect(ctx, f, limit)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, evt := range items {
		if err := cw.Write(csvRow(evt)); err != nil {
			return 0, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush CSV: %w", err)
	}

	e.recordExport(f, "csv", len(items), subject)
	return len(items), nil
}

// ExportJSON writes matching rows as a JSON array and returns the row count.
func (e *Exporter) ExportJSON(ctx context.Context, w io.Writer, f Filter, limit int, subject string) (int, error) {
	limit = ClampExportLimit(limit)
	items, err := e.collect(ctx, f, limit)
	if err != nil {
		return 0, err
	}

	if err := json.NewEncoder(w).Encode(items); err != nil {
		return 0, fmt.Errorf("failed to encode JSON export: %w", err)
	}

	e.recordExport(f, "json", len(items), subject)
	return len(items), nil
}

func csvRow(e *Event) []string {
	details := ""
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	return []string{
		e.WhenUTC.UTC().Format(time.RFC3339Nano),
		e.TenantID, e.Subject, e.Category, e.Action, e.Service,
		e.Outcome, e.ReasonCode, e.CorrelationID, e.TraceID, e.SpanID,
		e.RouteTemplate, e.Environment, e.Version, e.ClientIPHash, e.UserAgent,
		e.ImpersonatedBy, e.SourceHost, details,
	}
}

// recordExport audits the export itself with the sanitized filter set: only
// the allowlisted filter fields, never row contents.
func (e *Exporter) recordExport(f Filter, format string, count int, subject string) {
	details, _ := json.Marshal(map[string]any{
		"format":            format,
		"count":             count,
		"startUtc":          f.StartUTC.UTC().Format(time.RFC3339),
		"endUtc":            f.EndUTC.UTC().Format(time.RFC3339),
		"tenantId":          f.TenantID,
		"subject":           f.Subject,
		"category":          f.Category,
		"action":            f.Action,
		"service":           f.Service,
		"outcome":           f.Outcome,
		"impersonationOnly": f.ImpersonationOnly,
	})
	e.queue.TryEnqueue(&Event{
		Subject:  subject,
		Action:   "audit.export",
		Category: "Audit",
		Outcome:  "Success",
		Details:  details,
	}, nil)
}
