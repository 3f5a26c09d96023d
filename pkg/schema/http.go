package schema

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tansucloud/tansucloud/pkg/audit"
	"github.com/tansucloud/tansucloud/pkg/problem"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

// TenantProvisioner is the subset of Provisioner the HTTP surface needs.
type TenantProvisioner interface {
	Provision(ctx context.Context, tenantID string) (string, error)
}

// Handler exposes tenant provisioning and schema version inspection.
type Handler struct {
	prov    TenantProvisioner
	connect Connector
	audits  *audit.Queue
}

// NewHandler builds the provisioning API. audits may be nil.
func NewHandler(prov TenantProvisioner, connect Connector, audits *audit.Queue) *Handler {
	return &Handler{prov: prov, connect: connect, audits: audits}
}

// Router mounts the provisioning routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/provisioning/tenants", h.handleProvision)
	r.Get("/provisioning/tenants/{tenantID}/schema", h.handleSchemaStatus)
	return r
}

type provisionRequest struct {
	TenantID string `json:"tenantId"`
}

type provisionResponse struct {
	TenantID string `json:"tenantId"`
	Database string `json:"database"`
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Validation(w, "invalid provisioning request", map[string]string{"body": err.Error()})
		return
	}
	if tenant.Normalize(req.TenantID) == "" {
		problem.Validation(w, "invalid provisioning request", map[string]string{"tenantId": "must not be blank"})
		return
	}

	database, err := h.prov.Provision(r.Context(), req.TenantID)
	if err != nil {
		h.auditProvision(r, req.TenantID, "Failure")
		problem.Internal(w, "")
		return
	}
	h.auditProvision(r, req.TenantID, "Success")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(provisionResponse{TenantID: req.TenantID, Database: database})
}

type schemaStatusResponse struct {
	Database string `json:"database"`
	Exists   bool   `json:"exists"`
	Current  string `json:"current,omitempty"`
	Matches  *bool  `json:"matches,omitempty"`
}

// handleSchemaStatus reports the recorded schema version of a tenant
// database, optionally compared against ?expected=.
func (h *Handler) handleSchemaStatus(w http.ResponseWriter, r *http.Request) {
	name := tenant.DatabaseName(chi.URLParam(r, "tenantID"))
	if name == "" {
		problem.Validation(w, "invalid tenant id", map[string]string{"tenantId": "must not be blank"})
		return
	}

	db, err := h.connect(r.Context(), name)
	if err != nil {
		problem.NotFound(w, "tenant database not found: "+name)
		return
	}
	defer db.Close()

	resp := schemaStatusResponse{Database: name}
	if expected := r.URL.Query().Get("expected"); expected != "" {
		exists, matches, current, err := Validate(r.Context(), db, name, expected)
		if err != nil {
			problem.Internal(w, "")
			return
		}
		resp.Exists = exists
		resp.Current = current
		resp.Matches = &matches
	} else {
		current, err := CurrentVersion(r.Context(), db, name)
		if err != nil {
			problem.Internal(w, "")
			return
		}
		resp.Exists = current != ""
		resp.Current = current
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) auditProvision(r *http.Request, tenantID, outcome string) {
	if h.audits == nil {
		return
	}
	h.audits.TryEnqueue(&audit.Event{
		TenantID: tenant.Normalize(tenantID),
		Action:   "TenantProvisioned",
		Category: "Provisioning",
		Outcome:  outcome,
	}, r)
}

var _ TenantProvisioner = (*Provisioner)(nil)
