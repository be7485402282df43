// Package web embeds the page shell (dist/) and serves it as a single-page app.
// The checked-in dist/ holds a minimal shell; a frontend build replaces it.
package web

import (
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

const immutableCache = "public, max-age=31536000, immutable"

// SPAHandler serves the embedded shell.
func SPAHandler() http.Handler {
	sub, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return Handler(sub)
}

// Handler serves files from fsys. Paths that name no file fall back to
// index.html so client-side routes such as /chat resolve, except under /api/
// and /ws/, which get a JSON 404.
func Handler(fsys fs.FS) http.Handler {
	files := http.FileServer(http.FS(fsys))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isBackendPath(r.URL.Path) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/")
		if name != "" && isFile(fsys, name) {
			if strings.HasPrefix(name, "assets/") {
				w.Header().Set("Cache-Control", immutableCache)
			}
			files.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Cache-Control", "no-cache")
		r.URL.Path = "/"
		files.ServeHTTP(w, r)
	})
}

func isBackendPath(p string) bool {
	return strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/ws/")
}

// isFile reports whether name is a regular file. Directories fall through to the
// shell so the file server never lists them.
func isFile(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("web: stat failed", "path", name, "error", err)
		}
		return false
	}
	return !info.IsDir()
}
