package audit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Page size bounds for audit queries.
const (
	MinPageSize = 1
	MaxPageSize = 200
)

// Filter narrows an audit query. Start and End are required; everything
// else is optional.
type Filter struct {
	StartUTC          time.Time
	EndUTC            time.Time
	PageSize          int
	TenantID          string
	Subject           string
	Category          string
	Action            string
	Service           string
	Outcome           string
	CorrelationID     string
	ImpersonationOnly bool
	PageToken         string
}

// Page is one keyset-paginated result page.
type Page struct {
	Items         []*Event `json:"items"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

// pageCursor is the decoded form of a page token: the sort-key tuple of the
// last row of the previous page.
type pageCursor struct {
	whenNanos int64
	id        uuid.UUID
}

// EncodePageToken builds the opaque continuation token for an event.
func EncodePageToken(e *Event) string {
	raw := fmt.Sprintf("%d:%s", e.WhenUTC.UnixNano(), e.ID)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodePageToken parses a token; ok is false for any malformed input.
func decodePageToken(token string) (pageCursor, bool) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return pageCursor{}, false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return pageCursor{}, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return pageCursor{}, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return pageCursor{}, false
	}
	return pageCursor{whenNanos: nanos, id: id}, true
}

// QueryService reads audit rows with keyset pagination, immune to insert
// and delete shifts: the cursor is the (when_utc, id) tuple of the last row.
type QueryService struct {
	db *sqlx.DB
}

// NewQueryService wraps a database handle.
func NewQueryService(db *sqlx.DB) *QueryService {
	return &QueryService{db: db}
}

// Validate checks the filter's required fields.
func (f *Filter) Validate() map[string]string {
	errs := map[string]string{}
	if f.StartUTC.IsZero() {
		errs["startUtc"] = "required"
	}
	if f.EndUTC.IsZero() {
		errs["endUtc"] = "required"
	}
	if !f.StartUTC.IsZero() && !f.EndUTC.IsZero() && !f.EndUTC.After(f.StartUTC) {
		errs["endUtc"] = "must be after startUtc"
	}
	return errs
}

// clampPageSize bounds the requested size to [1, 200].
func clampPageSize(n int) int {
	if n < MinPageSize {
		return MinPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// Query returns one page ordered by (when_utc DESC, id DESC). An invalid
// page token yields an empty page rather than an error.
func (s *QueryService) Query(ctx context.Context, f Filter) (*Page, error) {
	if errs := f.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid audit filter: %v", errs)
	}
	pageSize := clampPageSize(f.PageSize)

	where, args := buildWhere(f)

	if f.PageToken != "" {
		cursor, ok := decodePageToken(f.PageToken)
		if !ok {
			return &Page{Items: []*Event{}}, nil
		}
		args = append(args, time.Unix(0, cursor.whenNanos).UTC())
		whenArg := len(args)
		args = append(args, cursor.id)
		idArg := len(args)
		where = append(where, fmt.Sprintf("(when_utc < $%d OR (when_utc = $%d AND id < $%d))", whenArg, whenArg, idArg))
	}

	args = append(args, pageSize+1)
	q := fmt.Sprintf(`
		SELECT id, when_utc, service, environment, version, tenant_id, subject,
		       action, category, route_template, correlation_id, trace_id, span_id,
		       client_ip_hash, user_agent, outcome, reason_code, details,
		       impersonated_by, source_host, unique_key, idempotency_key
		FROM audit_events
		WHERE %s
		ORDER BY when_utc DESC, id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	var items []*Event
	if err := s.db.SelectContext(ctx, &items, q, args...); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	page := &Page{Items: items}
	if len(items) > pageSize {
		// The extra row proves another page exists; its predecessor is the cursor.
		page.Items = items[:pageSize]
		page.NextPageToken = EncodePageToken(items[pageSize-1])
	}
	if page.Items == nil {
		page.Items = []*Event{}
	}
	return page, nil
}

// buildWhere translates the filter into predicates and positional args.
func buildWhere(f Filter) ([]string, []any) {
	where := []string{"when_utc BETWEEN $1 AND $2"}
	args := []any{f.StartUTC.UTC(), f.EndUTC.UTC()}

	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("tenant_id", f.TenantID)
	add("subject", f.Subject)
	add("category", f.Category)
	add("action", f.Action)
	add("service", f.Service)
	add("outcome", f.Outcome)
	add("correlation_id", f.CorrelationID)

	if f.ImpersonationOnly {
		where = append(where, "impersonated_by <> ''")
	}
	return where, args
}
