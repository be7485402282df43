package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agenthub/internal/agentapi"
	"github.com/ashureev/agenthub/internal/identity"
)

// mirrorTimeout bounds writes to the local subscription mirror.
const mirrorTimeout = 5 * time.Second

// SubscriptionHandler manages subscriptions and the room list built from them.
// Subscriptions live on the user server; a local copy keeps the room list
// available when the user server cannot be reached.
type SubscriptionHandler struct {
	*Handler
}

// NewSubscriptionHandler creates a subscription handler.
func NewSubscriptionHandler(base *Handler) *SubscriptionHandler {
	return &SubscriptionHandler{Handler: base}
}

// RegisterRoutes registers the subscription and room routes (requires authentication).
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/subscriptions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Subscribe)
		r.Delete("/{slug}", h.Unsubscribe)
	})
	r.Get("/api/rooms", h.Rooms)
}

type subscribeRequest struct {
	Slugs []string `json:"slugs"`
}

// List returns the slugs the user subscribed to.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	slugs, err := h.subscriptions(r.Context())
	if err != nil {
		UpstreamError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string][]string{"subscriptions": slugs})
}

// Subscribe adds agents to the user's subscriptions.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	slugs := cleanSlugs(req.Slugs)
	if len(slugs) == 0 {
		Error(w, http.StatusBadRequest, "slugs are required")
		return
	}

	username := identity.UsernameFromContext(r.Context())
	if err := h.users.Subscribe(r.Context(), identity.TokenFromContext(r.Context()), slugs); err != nil {
		UpstreamError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), mirrorTimeout)
	defer cancel()
	if err := h.repo.AddSubscriptions(ctx, username, slugs); err != nil {
		slog.Warn("Failed to mirror subscriptions", "user", username, "error", err)
	}

	slog.Info("Agents subscribed", "user", username, "slugs", slugs)
	JSON(w, http.StatusOK, map[string][]string{"subscribed": slugs})
}

// Unsubscribe removes one agent from the user's subscriptions.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	username := identity.UsernameFromContext(r.Context())

	if err := h.users.Unsubscribe(r.Context(), identity.TokenFromContext(r.Context()), slug); err != nil {
		UpstreamError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), mirrorTimeout)
	defer cancel()
	if err := h.repo.RemoveSubscription(ctx, username, slug); err != nil {
		slog.Warn("Failed to mirror unsubscribe", "user", username, "slug", slug, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// roomSummary is one entry of the room list.
type roomSummary struct {
	Slug         string   `json:"slug"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Icon         string   `json:"icon,omitempty"`
	InputLabel   string   `json:"input_label,omitempty"`
	AuthRequired bool     `json:"auth_required"`
	AuthScopes   []string `json:"auth_scopes,omitempty"`
}

// Rooms returns the chat rooms of the user: one per subscribed agent whose
// manifest could be resolved.
func (h *SubscriptionHandler) Rooms(w http.ResponseWriter, r *http.Request) {
	slugs, err := h.subscriptions(r.Context())
	if err != nil {
		UpstreamError(w, err)
		return
	}

	details, err := h.catalog.Details(r.Context(), slugs)
	if err != nil {
		slog.Warn("Some rooms could not be resolved", "error", err)
	}

	rooms := make([]roomSummary, 0, len(details))
	for i := range details {
		rooms = append(rooms, summarize(&details[i]))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

// subscriptions reads the user server and refreshes the local mirror. When the
// user server fails with anything but an auth error the mirror is served instead.
func (h *SubscriptionHandler) subscriptions(ctx context.Context) ([]string, error) {
	username := identity.UsernameFromContext(ctx)
	slugs, err := h.users.Subscriptions(ctx, identity.TokenFromContext(ctx))
	if err == nil {
		mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := h.repo.ReplaceSubscriptions(mirrorCtx, username, slugs); err != nil {
			slog.Warn("Failed to refresh subscription mirror", "user", username, "error", err)
		}
		return slugs, nil
	}
	if isAuthError(err) {
		return nil, err
	}

	subs, mirrorErr := h.repo.ListSubscriptions(ctx, username)
	if mirrorErr != nil || len(subs) == 0 {
		return nil, err
	}
	slog.Warn("User server unavailable, serving mirrored subscriptions", "user", username, "error", err)
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Slug)
	}
	return out, nil
}

func summarize(d *agentapi.Detail) roomSummary {
	s := roomSummary{
		Slug:         d.Slug,
		Name:         d.Info.Name,
		Description:  d.Info.Description,
		Icon:         d.Info.Icon,
		AuthRequired: d.RequiresAuth(),
		AuthScopes:   d.Scopes(),
	}
	if len(d.Inputs) > 0 {
		s.InputLabel = d.Inputs[0].Label
	}
	return s
}

func cleanSlugs(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
