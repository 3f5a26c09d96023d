package audit

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tansucloud/tansucloud/pkg/etag"
)

// DefaultMaxDetailsBytes caps the serialized size of Event.Details.
const DefaultMaxDetailsBytes = 4096

// Event is an immutable audit record. Details must already be redacted by
// the caller; the pipeline only truncates oversized payloads.
type Event struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	WhenUTC        time.Time       `db:"when_utc" json:"whenUtc"`
	Service        string          `db:"service" json:"service"`
	Environment    string          `db:"environment" json:"environment"`
	Version        string          `db:"version" json:"version"`
	TenantID       string          `db:"tenant_id" json:"tenantId"`
	Subject        string          `db:"subject" json:"subject"`
	Action         string          `db:"action" json:"action"`
	Category       string          `db:"category" json:"category"`
	RouteTemplate  string          `db:"route_template" json:"routeTemplate"`
	CorrelationID  string          `db:"correlation_id" json:"correlationId"`
	TraceID        string          `db:"trace_id" json:"traceId"`
	SpanID         string          `db:"span_id" json:"spanId"`
	ClientIPHash   string          `db:"client_ip_hash" json:"clientIpHash,omitempty"`
	UserAgent      string          `db:"user_agent" json:"userAgent,omitempty"`
	Outcome        string          `db:"outcome" json:"outcome,omitempty"`
	ReasonCode     string          `db:"reason_code" json:"reasonCode,omitempty"`
	Details        json.RawMessage `db:"details" json:"details,omitempty"`
	ImpersonatedBy string          `db:"impersonated_by" json:"impersonatedBy,omitempty"`
	SourceHost     string          `db:"source_host" json:"sourceHost,omitempty"`
	UniqueKey      string          `db:"unique_key" json:"uniqueKey,omitempty"`

	IdempotencyKey string `db:"idempotency_key" json:"-"`
}

// truncationMarker replaces oversized details, preserving the original
// length and a short preview.
type truncationMarker struct {
	Truncated bool   `json:"truncated"`
	Len       int    `json:"len"`
	Preview   string `json:"preview"`
}

const previewBytes = 64

// TruncateDetails enforces the details size cap. Payloads within maxBytes
// pass through untouched; larger ones are replaced by the truncation marker.
func TruncateDetails(details json.RawMessage, maxBytes int) json.RawMessage {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDetailsBytes
	}
	if details == nil || len(details) <= maxBytes {
		return details
	}
	preview := string(details)
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	marker, _ := json.Marshal(truncationMarker{
		Truncated: true,
		Len:       len(details),
		Preview:   preview,
	})
	return marker
}

// ComputeIdempotencyKey derives the event's dedupe key from its natural key:
// service, second-floored timestamp, subject, action, correlation and unique
// key. Two enqueues of the same logical event in the same second collapse to
// a single stored row.
func ComputeIdempotencyKey(e *Event) string {
	second := e.WhenUTC.UTC().Truncate(time.Second).Unix()
	return etag.IdempotencyKey(
		e.Service,
		strconv.FormatInt(second, 10),
		e.Subject,
		e.Action,
		e.CorrelationID,
		e.UniqueKey,
	)
}

// finalize fills derived and defaulted fields before enqueue.
func finalize(e *Event, maxDetailsBytes int) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.WhenUTC.IsZero() {
		e.WhenUTC = time.Now().UTC()
	}
	e.WhenUTC = e.WhenUTC.UTC()
	if e.Subject == "" {
		e.Subject = "system"
	}
	e.Details = TruncateDetails(e.Details, maxDetailsBytes)
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = ComputeIdempotencyKey(e)
	}
}
