package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/engine"
	"github.com/arbiterai/costgate/internal/money"
)

// Handlers binds the engine to the HTTP routes.
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers creates the handler set for the given engine.
func NewHandlers(e *engine.Engine) *Handlers {
	return &Handlers{engine: e}
}

// Mount registers the API routes on the server.
func (h *Handlers) Mount(s *Server, registry *prometheus.Registry) {
	s.Router.Post("/v1/admissions", h.Admit)
	s.Router.Post("/v1/usage", h.RecordUsage)
	s.Router.Get("/healthz", h.Health)
	if registry != nil {
		s.Router.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

type admissionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Provider    string `json:"provider"`
	UserID      string `json:"user_id"`
	Prompt      string `json:"prompt"`
	Attempt     int    `json:"attempt"`
}

type admissionResponse struct {
	Model         string `json:"model"`
	CredentialID  string `json:"credential_id"`
	SharedPool    bool   `json:"shared_pool"`
	EstimatedCost string `json:"estimated_cost"`
	Decision      string `json:"decision"`
}

type denialResponse struct {
	Denied   bool   `json:"denied"`
	Reason   string `json:"reason"`
	Terminal bool   `json:"terminal"`
	Message  string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Admit handles POST /v1/admissions.
func (h *Handlers) Admit(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.WorkspaceID == "" || req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workspace_id and provider are required"})
		return
	}
	if req.Attempt == 0 {
		req.Attempt = 1
	}

	AddLogField(r.Context(), "workspace_id", req.WorkspaceID)

	adm, err := h.engine.Admit(r.Context(), engine.AdmissionRequest{
		WorkspaceID:  req.WorkspaceID,
		ProviderSlug: req.Provider,
		UserID:       req.UserID,
		Prompt:       req.Prompt,
		Attempt:      req.Attempt,
	})
	if err != nil {
		var denied *domain.AdmissionDenied
		if errors.As(err, &denied) {
			status := http.StatusForbidden
			if denied.Reason == domain.ReasonRateOrBudgetLimited {
				status = http.StatusTooManyRequests
			}
			writeJSON(w, status, denialResponse{
				Denied:   true,
				Reason:   string(denied.Reason),
				Terminal: denied.Terminal,
				Message:  denied.Message,
			})
			return
		}
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown workspace"})
			return
		}
		AddError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "admission check failed"})
		return
	}

	writeJSON(w, http.StatusOK, admissionResponse{
		Model:         adm.Model,
		CredentialID:  adm.Credential.CredentialID(),
		SharedPool:    adm.Credential.Shared(),
		EstimatedCost: adm.EstimatedCost.String(),
		Decision:      adm.Decision.String(),
	})
}

type usageRequest struct {
	WorkspaceID  string `json:"workspace_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id"`
	SharedPool   bool   `json:"shared_pool"`
	Cost         string `json:"cost"`
}

// credentialRef carries the identity of the credential a usage report is
// about, reconstructed from the wire form of the earlier admission.
type credentialRef struct {
	id       string
	provider string
	shared   bool
}

func (c credentialRef) CredentialID() string       { return c.id }
func (c credentialRef) CredentialProvider() string { return c.provider }
func (c credentialRef) Model() string              { return "" }
func (c credentialRef) Shared() bool               { return c.shared }

// RecordUsage handles POST /v1/usage. Recording failures do not fail the
// report: the admission already served its request, so the handler accepts
// the report and logs what could not be persisted.
func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.WorkspaceID == "" || req.CredentialID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workspace_id and credential_id are required"})
		return
	}
	cost, err := money.Parse(req.Cost)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cost must be a decimal dollar amount"})
		return
	}

	AddLogField(r.Context(), "workspace_id", req.WorkspaceID)

	err = h.engine.RecordUsage(r.Context(), engine.UsageReport{
		WorkspaceID:  req.WorkspaceID,
		ProviderSlug: req.Provider,
		Model:        req.Model,
		UserID:       req.UserID,
		Credential: credentialRef{
			id:       req.CredentialID,
			provider: req.Provider,
			shared:   req.SharedPool,
		},
		Cost: cost,
	})
	if err != nil {
		AddError(r.Context(), err)
	}
	w.WriteHeader(http.StatusAccepted)
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
