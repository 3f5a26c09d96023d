package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/problem"
)

// Handler serves telemetry ingestion and the admin surface.
type Handler struct {
	queue  *Queue
	store  *Store
	auth   *Authenticator
	logger zerolog.Logger
}

// NewHandler wires the telemetry HTTP surface.
func NewHandler(queue *Queue, store *Store, auth *Authenticator) *Handler {
	return &Handler{
		queue:  queue,
		store:  store,
		auth:   auth,
		logger: log.WithComponent("telemetry-http"),
	}
}

// Router returns the chi router for the telemetry service.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/ingest", h.handleIngest)
	r.Post(LoginPath, h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Get("/admin/envelopes", h.handleList)
		r.Get("/admin/envelopes/{id}", h.handleGet)
		r.Post("/admin/envelopes/{id}/acknowledge", h.handleAcknowledge)
		r.Post("/admin/envelopes/{id}/delete", h.handleSoftDelete)
	})
	return r
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var e Envelope
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		problem.Validation(w, "invalid envelope body", map[string]string{"body": err.Error()})
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.ReceivedAt = time.Now().UTC()
	e.AcknowledgedAt = nil
	e.DeletedAt = nil

	if err := h.queue.Enqueue(&e); err != nil {
		if errors.Is(err, ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			problem.Write(w, problem.Details{
				Type:   "https://tansu.cloud/problems/telemetry-queue-full",
				Title:  "Too Many Requests",
				Status: http.StatusTooManyRequests,
				Detail: "telemetry queue is full",
			})
			return
		}
		problem.Internal(w, r.Header.Get("X-Correlation-ID"))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": e.ID.String()})
}

// handleLogin exchanges the admin API key for a session cookie.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		problem.Validation(w, "invalid login form", map[string]string{"form": err.Error()})
		return
	}
	if !h.auth.KeyMatches(r.PostFormValue("apiKey")) {
		problem.AuthRequired(w)
		return
	}
	h.auth.MintSession(w, r)
	http.Redirect(w, r, "/admin/envelopes", http.StatusFound)
}

// parseFilter reads listing filters from the query string.
func parseFilter(q url.Values) (Filter, map[string]string) {
	f := Filter{
		Service:           q.Get("service"),
		Host:              q.Get("host"),
		Environment:       q.Get("environment"),
		SeverityThreshold: q.Get("severityThreshold"),
		Search:            q.Get("search"),
		Page:              1,
		PageSize:          DefaultPageSize,
	}

	fieldErrs := map[string]string{}
	parseTime := func(name string, dst *time.Time) {
		raw := q.Get(name)
		if raw == "" {
			return
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fieldErrs[name] = "must be RFC 3339"
			return
		}
		*dst = t
	}
	parseTime("fromUtc", &f.FromUTC)
	parseTime("toUtc", &f.ToUTC)

	parseBool := func(name string, dst *bool) {
		raw := q.Get(name)
		if raw == "" {
			return
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fieldErrs[name] = "must be a boolean"
			return
		}
		*dst = v
	}
	parseBool("includeAcknowledged", &f.IncludeAcknowledged)
	parseBool("includeDeleted", &f.IncludeDeleted)

	parseOptionalBool := func(name string) *bool {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fieldErrs[name] = "must be a boolean"
			return nil
		}
		return &v
	}
	f.Acknowledged = parseOptionalBool("acknowledged")
	f.Deleted = parseOptionalBool("deleted")

	parseInt := func(name string, dst *int) {
		raw := q.Get(name)
		if raw == "" {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			fieldErrs[name] = "must be an integer"
			return
		}
		*dst = v
	}
	parseInt("page", &f.Page)
	parseInt("pageSize", &f.PageSize)

	for field, msg := range f.Validate() {
		if _, seen := fieldErrs[field]; !seen {
			fieldErrs[field] = msg
		}
	}
	if len(fieldErrs) > 0 {
		return f, fieldErrs
	}
	return f, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	f, fieldErrs := parseFilter(r.URL.Query())
	if fieldErrs != nil {
		problem.Validation(w, "invalid envelope filter", fieldErrs)
		return
	}

	page, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list envelopes")
		problem.Internal(w, r.Header.Get("X-Correlation-ID"))
		return
	}

	// A page beyond the result set bounces to page 1 with the filters kept.
	if page.Total > 0 && f.Page > page.TotalPages {
		q := r.URL.Query()
		q.Set("page", "1")
		http.Redirect(w, r, r.URL.Path+"?"+q.Encode(), http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		problem.Validation(w, "invalid envelope id", map[string]string{"id": "must be a UUID"})
		return
	}
	e, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrEnvelopeNotFound) {
		problem.NotFound(w, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load envelope")
		problem.Internal(w, r.Header.Get("X-Correlation-ID"))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.applyAction(w, r, h.store.Acknowledge)
}

func (h *Handler) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	h.applyAction(w, r, h.store.SoftDelete)
}

func (h *Handler) applyAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id uuid.UUID) (bool, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		problem.Validation(w, "invalid envelope id", map[string]string{"id": "must be a UUID"})
		return
	}
	changed, err := action(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Msg("envelope action failed")
		problem.Internal(w, r.Header.Get("X-Correlation-ID"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
