package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agenthub/internal/store"
)

// SessionCounter reports live chat sessions.
type SessionCounter interface {
	Count() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo     store.Repository
	sessions SessionCounter
	timeout  time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, sessions SessionCounter) *HealthHandler {
	return &HealthHandler{repo: repo, sessions: sessions, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if h.sessions != nil {
		status["chat_sessions"] = h.sessions.Count()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
