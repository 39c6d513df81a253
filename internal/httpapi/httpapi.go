// Package httpapi mounts the HTTP boundary: contract analysis and diff
// admission, health/readiness probes, Prometheus metrics, and the
// WebSocket upgrade endpoint. The router wiring (chi + RealIP + Recoverer
// + optional otel middleware) is adapted from the teacher's
// internal/proxy/server.go; everything behind the routes is specific to
// this domain.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/admission"
	"github.com/lexai-io/contract-intel/internal/apierrors"
	"github.com/lexai-io/contract-intel/internal/diffengine"
	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/metrics"
	"github.com/lexai-io/contract-intel/internal/tracing"
	"github.com/lexai-io/contract-intel/internal/ws"
)

// Principal is the caller identity attached to the request context by an
// upstream auth layer. Authentication/RBAC proper is out of scope for this
// repo (§1); handlers only read the already-verified identity.
type Principal struct {
	UserID   string
	TenantID string
	Plan     string
	Role     string
}

type principalKey struct{}

// WithPrincipal attaches p to ctx, for use by the external auth middleware
// this repo assumes but does not implement.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the Principal attached by the auth layer.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ContractStore is the subset of docstore.ContractRepository the diff
// endpoint depends on.
type ContractStore interface {
	Get(ctx context.Context, tenantID, contractID string) (*docstore.Contract, error)
}

// DiffEnqueuer publishes diff jobs; satisfied by *queue.Client.
type DiffEnqueuer interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// diffJobPayload mirrors worker.DiffJob; duplicated here (rather than
// imported) to keep internal/httpapi from depending on internal/worker for
// a single wire struct.
type diffJobPayload struct {
	JobID         string    `json:"jobId"`
	Type          string    `json:"type"`
	ContractID    string    `json:"contractId"`
	TenantID      string    `json:"tenantId"`
	UserID        string    `json:"userId"`
	ContractTitle string    `json:"contractTitle"`
	DiffText      string    `json:"diffText"`
	VersionA      int       `json:"versionA"`
	VersionB      int       `json:"versionB"`
	QueuedAt      time.Time `json:"queuedAt"`
}

// DiffRouteKey is the routing key diff jobs are published under (shares
// the analysis queue; the worker distinguishes by the job's type field).
const DiffRouteKey = "analysis"

// Ready reports whether the service's dependencies are reachable; wired by
// the API process to ping Mongo and Redis.
type Ready func(ctx context.Context) error

// Router builds the full chi router.
func Router(
	admit *admission.Service,
	contracts ContractStore,
	diffQueue DiffEnqueuer,
	hub *ws.Hub,
	ready Ready,
	tracingEnabled bool,
	log zerolog.Logger,
) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	h := &handlers{admit: admit, contracts: contracts, diffQueue: diffQueue, ready: ready, log: log.With().Str("component", "httpapi").Logger()}

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/v1/ws", hub.ServeHTTP)
	r.Post("/v1/contracts/{id}/analysis", h.handleRequestAnalysis)
	r.Post("/v1/contracts/{id}/diff", h.handleRequestDiff)

	return r
}

type handlers struct {
	admit     *admission.Service
	contracts ContractStore
	diffQueue DiffEnqueuer
	ready     Ready
	log       zerolog.Logger
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.ready(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type analysisRequest struct {
	Version *int `json:"version"`
}

type analysisResponse struct {
	AnalysisID string `json:"analysisId"`
	State      string `json:"state"`
	Cached     bool   `json:"cached"`
}

func (h *handlers) handleRequestAnalysis(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, apierrors.Forbidden("missing authenticated principal", nil))
		return
	}
	contractID := chi.URLParam(r, "id")

	var req analysisRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierrors.Validation("malformed request body", err))
			return
		}
	}

	result, err := h.admit.Admit(r.Context(), contractID, principal.TenantID, principal.UserID, principal.Plan, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, analysisResponse{
		AnalysisID: result.AnalysisID,
		State:      string(result.State),
		Cached:     result.Cached,
	})
}

type diffRequest struct {
	VersionA int `json:"versionA"`
	VersionB int `json:"versionB"`
}

type diffResponse struct {
	Status string `json:"status"`
}

// handleRequestDiff computes the unified diff between two versions at
// request time (cheap, deterministic) and enqueues a single diff job that
// asks the Model client to summarise what changed (§4.11). The diff text
// itself is never recomputed by the worker.
func (h *handlers) handleRequestDiff(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, apierrors.Forbidden("missing authenticated principal", nil))
		return
	}
	contractID := chi.URLParam(r, "id")

	var req diffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.Validation("malformed request body", err))
		return
	}

	contract, err := h.contracts.Get(r.Context(), principal.TenantID, contractID)
	if err != nil {
		writeError(w, err)
		return
	}
	versionA, ok := contract.VersionByNumber(req.VersionA)
	if !ok {
		writeError(w, apierrors.NotFound("versionA not found", nil))
		return
	}
	versionB, ok := contract.VersionByNumber(req.VersionB)
	if !ok {
		writeError(w, apierrors.NotFound("versionB not found", nil))
		return
	}

	diff := diffengine.Compare(versionA.Body, versionB.Body)

	job := diffJobPayload{
		Type:          "diff",
		ContractID:    contractID,
		TenantID:      principal.TenantID,
		UserID:        principal.UserID,
		ContractTitle: contract.Title,
		DiffText:      diff.UnifiedText,
		VersionA:      req.VersionA,
		VersionB:      req.VersionB,
		QueuedAt:      time.Now().UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		writeError(w, apierrors.InfrastructureDown("failed to marshal diff job", err))
		return
	}
	if err := h.diffQueue.Publish(r.Context(), DiffRouteKey, body); err != nil {
		writeError(w, apierrors.InfrastructureDown("failed to publish diff job", err))
		return
	}

	writeJSON(w, http.StatusAccepted, diffResponse{Status: "pending"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierrors.Error
	status := http.StatusInternalServerError
	kind := "internal"
	message := "internal error"
	if as, ok := err.(*apierrors.Error); ok {
		apiErr = as
		status = apiErr.HTTPStatus()
		kind = string(apiErr.Kind)
		message = apiErr.Message
	}
	writeJSON(w, status, errorResponse{Kind: kind, Message: message})
}
