package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tansucloud/tansucloud/pkg/problem"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

// Principal is the caller identity the gateway resolved from the access
// token. Admin means the admin.full scope was present.
type Principal struct {
	Subject string
	Admin   bool
}

// AuthFunc extracts the caller principal from a request. A nil return means
// the request is unauthenticated.
type AuthFunc func(*http.Request) *Principal

// Handler exposes the audit query and export API.
type Handler struct {
	query    *QueryService
	exporter *Exporter
	auth     AuthFunc
}

// NewHandler creates the audit HTTP handler.
func NewHandler(query *QueryService, exporter *Exporter, auth AuthFunc) *Handler {
	return &Handler{query: query, exporter: exporter, auth: auth}
}

// Routes mounts the audit API on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleQuery)
	r.Get("/export/csv", h.handleExportCSV)
	r.Get("/export/json", h.handleExportJSON)
	return r
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	principal := h.auth(r)
	if principal == nil {
		problem.AuthRequired(w)
		return
	}

	f, fieldErrs := parseFilter(r)
	if len(fieldErrs) > 0 {
		problem.Validation(w, "invalid audit query", fieldErrs)
		return
	}

	// Non-admin callers are confined to a single tenant.
	if !principal.Admin && f.TenantID == "" {
		problem.Validation(w, "tenant required", map[string]string{"tenantId": "required for non-admin callers"})
		return
	}

	page, err := h.query.Query(r.Context(), *f)
	if err != nil {
		problem.Internal(w, r.Header.Get(CorrelationHeader))
		return
	}
	writeJSON(w, page)
}

func (h *Handler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	h.handleExport(w, r, "csv")
}

func (h *Handler) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	h.handleExport(w, r, "json")
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	principal := h.auth(r)
	if principal == nil {
		problem.AuthRequired(w)
		return
	}
	if !principal.Admin {
		problem.Forbidden(w, "audit export requires admin scope", r.URL.Path)
		return
	}

	f, fieldErrs := parseFilter(r)
	if len(fieldErrs) > 0 {
		problem.Validation(w, "invalid audit export query", fieldErrs)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	limit = ClampExportLimit(limit)

	// Buffer the export so the count header can precede the body.
	var (
		buf   bytes.Buffer
		count int
		err   error
	)
	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
		count, err = h.exporter.ExportCSV(r.Context(), &buf, *f, limit, principal.Subject)
	} else {
		count, err = h.exporter.ExportJSON(r.Context(), &buf, *f, limit, principal.Subject)
	}
	if err != nil {
		problem.Internal(w, r.Header.Get(CorrelationHeader))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Export-Limit", strconv.Itoa(limit))
	w.Header().Set("X-Export-Count", strconv.Itoa(count))
	_, _ = buf.WriteTo(w)
}

// parseFilter reads query parameters into a Filter with field-scoped errors.
func parseFilter(r *http.Request) (*Filter, map[string]string) {
	q := r.URL.Query()
	errs := map[string]string{}

	start, err := time.Parse(time.RFC3339, q.Get("startUtc"))
	if err != nil {
		errs["startUtc"] = "must be an RFC 3339 timestamp"
	}
	end, err := time.Parse(time.RFC3339, q.Get("endUtc"))
	if err != nil {
		errs["endUtc"] = "must be an RFC 3339 timestamp"
	}
	if len(errs) == 0 && !end.After(start) {
		errs["endUtc"] = "must be after startUtc"
	}

	pageSize := MaxPageSize
	if v := q.Get("pageSize"); v != "" {
		pageSize, err = strconv.Atoi(v)
		if err != nil {
			errs["pageSize"] = "must be an integer"
		}
	}

	tenantID := q.Get("tenantId")
	if tenantID == "" {
		tenantID = r.Header.Get(tenant.HeaderName)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &Filter{
		StartUTC:          start,
		EndUTC:            end,
		PageSize:          pageSize,
		TenantID:          tenantID,
		Subject:           q.Get("subject"),
		Category:          q.Get("category"),
		Action:            q.Get("action"),
		Service:           q.Get("service"),
		Outcome:           q.Get("outcome"),
		CorrelationID:     q.Get("correlationId"),
		ImpersonationOnly: q.Get("impersonationOnly") == "true",
		PageToken:         q.Get("pageToken"),
	}, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	// Encoding a fully-materialized page cannot fail on valid events.
	_ = json.NewEncoder(w).Encode(v)
}
