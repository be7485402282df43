// Package identity resolves the signed-in user of a request from the access
// token issued by the user server.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/agenthub/internal/domain"
	"github.com/ashureev/agenthub/internal/store"
)

const (
	AccessCookieName = "access_token"
	TabHeaderName    = "X-Agenthub-Tab-ID"
	DefaultTabID     = "default"
	// DefaultSessionTTL matches the lifetime of the user server's access tokens.
	DefaultSessionTTL = 6 * time.Hour
	// SignInPath is where pages send visitors without a session.
	SignInPath = "/signin"
)

type contextKey int

const (
	usernameKey contextKey = iota
	tokenKey
	tabIDKey
)

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UsernameFromContext extracts the signed-in username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// TokenFromContext extracts the user server access token from the request context.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey).(string); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the browser tab ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabID
}

// WithUser returns a context carrying a signed-in identity.
func WithUser(ctx context.Context, username, token string) context.Context {
	ctx = context.WithValue(ctx, usernameKey, username)
	return context.WithValue(ctx, tokenKey, token)
}

// HashToken returns the key a session is stored under.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

func tabIDFromRequest(r *http.Request) string {
	id := r.Header.Get(TabHeaderName)
	if id == "" {
		id = r.URL.Query().Get("tab_id")
	}
	return sanitizeTabID(id)
}

// tokenFromRequest prefers the access cookie and falls back to a bearer token.
func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Middleware resolves the access token of a request against the session store
// and injects the username, token and tab ID. Requests without a live session
// pass through anonymously.
func Middleware(repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), tabIDKey, tabIDFromRequest(r))

			if token := tokenFromRequest(r); token != "" {
				now := time.Now()
				hash := HashToken(token)
				sess, err := repo.GetSession(ctx, hash)
				switch {
				case err != nil:
					slog.Warn("Session lookup failed", "error", err)
				case sess != nil && !sess.Expired(now):
					ctx = WithUser(ctx, sess.Username, token)
					if err := repo.TouchSession(ctx, hash, now); err != nil {
						slog.Warn("Failed to touch session", "user", sess.Username, "error", err)
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests without a signed-in user.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UsernameFromContext(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RedirectToSignIn sends page requests without a signed-in user to the sign-in
// page, remembering where they were going.
func RedirectToSignIn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UsernameFromContext(r.Context()) == "" {
			http.Redirect(w, r, SignInURL(r.URL.RequestURI()), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SignInURL returns the sign-in page URL that returns to target afterwards.
func SignInURL(target string) string {
	if target == "" || target == "/" {
		return SignInPath
	}
	return SignInPath + "?redirect=" + url.QueryEscape(target)
}

// Issue records a session for token and sets the access cookie.
func Issue(ctx context.Context, w http.ResponseWriter, repo store.Repository, token, username string, ttl time.Duration, isDev bool) (*domain.WebSession, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	sess := &domain.WebSession{
		TokenHash:  HashToken(token),
		Username:   username,
		LastSeenAt: now,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := repo.UpsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	setAccessCookie(w, token, int(ttl.Seconds()), now.Add(ttl), isDev)
	return sess, nil
}

// Revoke deletes the session of the request, if any, and clears the access cookie.
func Revoke(ctx context.Context, w http.ResponseWriter, r *http.Request, repo store.Repository, isDev bool) error {
	var err error
	if token := tokenFromRequest(r); token != "" {
		if delErr := repo.DeleteSession(ctx, HashToken(token)); delErr != nil {
			err = fmt.Errorf("delete session: %w", delErr)
		}
	}
	setAccessCookie(w, "", -1, time.Unix(0, 0), isDev)
	return err
}

func setAccessCookie(w http.ResponseWriter, value string, maxAge int, expires time.Time, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// IPFromRequest returns a normalized remote IP for rate limiting and request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
