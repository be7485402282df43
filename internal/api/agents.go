package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agenthub/internal/agentapi"
)

// AgentHandler serves the marketplace listing and agent details.
type AgentHandler struct {
	*Handler
}

// NewAgentHandler creates a marketplace handler.
func NewAgentHandler(base *Handler) *AgentHandler {
	return &AgentHandler{Handler: base}
}

// RegisterRoutes registers the public marketplace routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{slug}", h.Get)
	})
}

// List returns one page of agents, optionally filtered by ?q=.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.catalog.ListAgents(r.Context())
	if err != nil {
		UpstreamError(w, err)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	matched := agentapi.Search(agents, query)
	items, totalPages := agentapi.Page(matched, page)
	JSON(w, http.StatusOK, map[string]interface{}{
		"agents":      items,
		"page":        page,
		"total_pages": totalPages,
		"total":       len(matched),
	})
}

// Get returns the manifest of one agent.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if slug == "" {
		Error(w, http.StatusBadRequest, "slug is required")
		return
	}

	detail, err := h.catalog.Detail(r.Context(), slug)
	if err != nil {
		UpstreamError(w, err)
		return
	}
	JSON(w, http.StatusOK, detail)
}
