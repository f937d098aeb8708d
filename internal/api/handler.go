package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pipewatch/pipewatch/internal/ci"
	"github.com/pipewatch/pipewatch/internal/service"
	"github.com/pipewatch/pipewatch/internal/updates"
)

// Handler is the HTTP handler for all /api/v1/* endpoints and /metrics.
// Reads go through the cached data service; engine state comes from the
// update engine.
type Handler struct {
	svc    *service.Service
	engine *updates.Engine
	mux    *http.ServeMux
}

// New creates a Handler wired to the given service and engine and registers
// all routes.
func New(svc *service.Service, engine *updates.Engine) http.Handler {
	h := &Handler{svc: svc, engine: engine, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/stats", h.stats)
	h.mux.HandleFunc("/api/v1/projects", h.listProjects)
	h.mux.HandleFunc("/api/v1/projects/", h.projectSubtree) // extracts path segments
	h.mux.HandleFunc("/metrics", h.metrics)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health — engine liveness at a glance.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s := h.engine.Stats()
	resp := HealthResponse{
		Status:              "ok",
		ActiveSubscriptions: s.ActiveSubscriptions,
		BackgroundRefresh:   s.BackgroundRefreshActive,
	}
	if !s.LastUpdate.IsZero() {
		resp.LastUpdate = s.LastUpdate.UTC().Format(time.RFC3339)
	}
	jsonResp(w, http.StatusOK, resp)
}

// stats returns GET /api/v1/stats — full engine and cache counters.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, StatsResponse{
		Engine: h.engine.Stats(),
		Cache:  h.svc.CacheStats(),
	})
}

// listProjects returns GET /api/v1/projects.
func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	projects, err := h.svc.Projects(r.Context())
	if err != nil {
		jsonErr(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, projects)
}

// projectSubtree dispatches everything under /api/v1/projects/{id}/...:
//
//	GET  {proj}/pipelines
//	GET  {proj}/pipelines/{pipe}/runs
//	POST {proj}/pipelines/{pipe}/runs              (trigger)
//	GET  {proj}/pipelines/{pipe}/runs/{run}
//	POST {proj}/pipelines/{pipe}/runs/{run}/cancel
func (h *Handler) projectSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/projects/")
	segs := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(segs) == 2 && segs[1] == "pipelines":
		h.listPipelines(w, r, segs[0])

	case len(segs) == 4 && segs[1] == "pipelines" && segs[3] == "runs":
		key := ci.PipelineKey{ProjectID: segs[0], PipelineID: segs[2]}
		switch r.Method {
		case http.MethodGet:
			h.listRuns(w, r, key)
		case http.MethodPost:
			h.triggerRun(w, r, key)
		default:
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case len(segs) == 5 && segs[1] == "pipelines" && segs[3] == "runs":
		key := ci.RunKey{ProjectID: segs[0], PipelineID: segs[2], RunID: segs[4]}
		h.getRun(w, r, key)

	case len(segs) == 6 && segs[1] == "pipelines" && segs[3] == "runs" && segs[5] == "cancel":
		key := ci.RunKey{ProjectID: segs[0], PipelineID: segs[2], RunID: segs[4]}
		h.cancelRun(w, r, key)

	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pipelines, err := h.svc.Pipelines(r.Context(), projectID)
	if err != nil {
		jsonErr(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, pipelines)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request, key ci.PipelineKey) {
	runs, err := h.svc.FetchPipelineRuns(r.Context(), key)
	if err != nil {
		jsonErr(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request, key ci.RunKey) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	details, err := h.svc.FetchRunDetails(r.Context(), key)
	if err != nil {
		jsonErr(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, details)
}

func (h *Handler) triggerRun(w http.ResponseWriter, r *http.Request, key ci.PipelineKey) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := h.svc.TriggerRun(r.Context(), key, req.Ref)
	if err != nil {
		jsonErr(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonResp(w, http.StatusCreated, run)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request, key ci.RunKey) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.svc.CancelRun(r.Context(), key); err != nil {
		jsonErr(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
