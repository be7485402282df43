// Package api provides HTTP handlers for the agent hub API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/agenthub/internal/agentapi"
	"github.com/ashureev/agenthub/internal/apiclient"
	"github.com/ashureev/agenthub/internal/store"
	"github.com/ashureev/agenthub/internal/userapi"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Catalog is the agent server surface the handlers use.
type Catalog interface {
	ListAgents(ctx context.Context) ([]agentapi.Agent, error)
	Detail(ctx context.Context, slug string) (*agentapi.Detail, error)
	Details(ctx context.Context, slugs []string) ([]agentapi.Detail, error)
}

// Users is the user server surface the handlers use.
type Users interface {
	SignIn(ctx context.Context, loginID, password string) (*userapi.SignInResult, error)
	SignUp(ctx context.Context, loginID, password, username string) error
	Subscriptions(ctx context.Context, token string) ([]string, error)
	Subscribe(ctx context.Context, token string, slugs []string) error
	Unsubscribe(ctx context.Context, token, slug string) error
}

// Handler provides common handler dependencies.
type Handler struct {
	repo    store.Repository
	catalog Catalog
	users   Users
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, catalog Catalog, users Users) *Handler {
	return &Handler{repo: repo, catalog: catalog, users: users}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// UpstreamError writes the error of a backend call. Backend 4xx responses keep
// their status and message; anything else becomes 502.
func UpstreamError(w http.ResponseWriter, err error) {
	var apiErr *apiclient.Error
	switch {
	case errors.Is(err, userapi.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, "authentication required")
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		Error(w, apiErr.Status, apiErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, "upstream timed out")
	default:
		slog.Warn("Upstream request failed", "error", err)
		Error(w, http.StatusBadGateway, "upstream request failed")
	}
}

// decodeBody decodes a size-limited JSON body into v. It writes the error
// response itself and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// isAuthError reports whether err means the access token was missing or rejected.
func isAuthError(err error) bool {
	if errors.Is(err, userapi.ErrUnauthorized) {
		return true
	}
	status := apiclient.StatusCode(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
