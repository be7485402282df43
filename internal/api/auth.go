package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agenthub/internal/identity"
)

// AuthHandler handles sign-in, sign-up and sign-out.
type AuthHandler struct {
	*Handler
	sessionTTL time.Duration
	isDev      bool
	onSignOut  func(username, tokenHash string)
}

// NewAuthHandler creates an auth handler. onSignOut, if set, is called after a
// user signs out so live chat sessions can be closed.
func NewAuthHandler(base *Handler, sessionTTL time.Duration, isDev bool, onSignOut func(username, tokenHash string)) *AuthHandler {
	return &AuthHandler{Handler: base, sessionTTL: sessionTTL, isDev: isDev, onSignOut: onSignOut}
}

type signInRequest struct {
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
}

type signUpRequest struct {
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// RegisterRoutes registers the public auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signin", h.SignIn)
		r.Post("/signup", h.SignUp)
		r.Post("/signout", h.SignOut)
	})
}

// SignIn exchanges credentials for a session cookie.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.LoginID = strings.TrimSpace(req.LoginID)
	if req.LoginID == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "login_id and password are required")
		return
	}

	res, err := h.users.SignIn(r.Context(), req.LoginID, req.Password)
	if err != nil {
		UpstreamError(w, err)
		return
	}

	username := res.Username
	if username == "" {
		username = req.LoginID
	}
	sess, err := identity.Issue(r.Context(), w, h.repo, res.AccessToken, username, h.sessionTTL, h.isDev)
	if err != nil {
		slog.Error("Failed to store session", "error", err, "user", username)
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	slog.Info("User signed in", "user", username)
	JSON(w, http.StatusOK, map[string]interface{}{
		"username":   sess.Username,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// SignUp registers an account on the user server.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.LoginID = strings.TrimSpace(req.LoginID)
	req.Username = strings.TrimSpace(req.Username)
	if req.LoginID == "" || req.Password == "" || req.Username == "" {
		Error(w, http.StatusBadRequest, "login_id, password and username are required")
		return
	}

	if err := h.users.SignUp(r.Context(), req.LoginID, req.Password, req.Username); err != nil {
		UpstreamError(w, err)
		return
	}

	slog.Info("User signed up", "user", req.Username)
	JSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// SignOut ends the session of the request.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())
	token := identity.TokenFromContext(r.Context())
	if err := identity.Revoke(r.Context(), w, r, h.repo, h.isDev); err != nil {
		slog.Warn("Failed to revoke session", "error", err, "user", username)
	}
	if username != "" && token != "" && h.onSignOut != nil {
		h.onSignOut(username, identity.HashToken(token))
	}
	JSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// GetMe returns the signed-in user.
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())
	if username == "" {
		Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"username": username})
}
