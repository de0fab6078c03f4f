// Package handlers implements the read-only introspection endpoints of the
// agent process: registry contents, per-agent status and execution history,
// and per-agent memory statistics.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/KSDGitMe/LiMOS-sub001/internal/memory"
	"github.com/KSDGitMe/LiMOS-sub001/internal/registry"
	"github.com/KSDGitMe/LiMOS-sub001/internal/store"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const defaultHistoryLimit = 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry *registry.Registry
	Backend  store.Backend
}

// New creates a new Handlers instance.
func New(reg *registry.Registry, backend store.Backend) *Handlers {
	return &Handlers{Registry: reg, Backend: backend}
}

// ── Agents ───────────────────────────────────────────────────

// ListAgents handles GET /api/v1/agents.
// Query: status=<status>, tag=<tag> (repeatable), capability=<cap> (repeatable).
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f registry.Filter
	if s := q.Get("status"); s != "" {
		st, err := models.ParseAgentStatus(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	f.Tags = q["tag"]
	for _, c := range q["capability"] {
		f.Capabilities = append(f.Capabilities, models.Capability(c))
	}

	agents := h.Registry.ListAgents(f)
	respondJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// GetAgent handles GET /api/v1/agents/{agentID}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	a := h.Registry.GetAgent(id)
	if a == nil {
		respondError(w, http.StatusNotFound, "agent not found: "+id)
		return
	}

	info := a.StatusInfo()
	resp := map[string]any{"agent": info}
	if reg, ok := h.Registry.GetRegistration(id); ok {
		resp["registration"] = reg
	}
	respondJSON(w, http.StatusOK, resp)
}

// AgentHistory handles GET /api/v1/agents/{agentID}/history?limit=N.
// Newest executions come first; limit=0 returns the full history.
func (h *Handlers) AgentHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	a := h.Registry.GetAgent(id)
	if a == nil {
		respondError(w, http.StatusNotFound, "agent not found: "+id)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	history := a.ContextHistory(limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id": id,
		"history":  history,
		"count":    len(history),
	})
}

// ── Registry & memory ────────────────────────────────────────

// RegistryStats handles GET /api/v1/registry/stats.
func (h *Handlers) RegistryStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.Stats())
}

// MemoryStats handles GET /api/v1/memory/stats?agent_id=<id>.
// The agent does not need to be live; stats are read from the backend namespace.
func (h *Handlers) MemoryStats(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("agent_id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	mem, err := memory.New(id, h.Backend)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := mem.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Str("agent_id", id).Msg("Failed to compute memory stats")
		respondError(w, http.StatusInternalServerError, "failed to compute memory stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
