package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredits bool
	}{
		{"explicit origin", []string{"http://localhost:3000"}, "http://localhost:3000", "http://localhost:3000", true},
		{"wildcard", []string{"*"}, "https://example.com", "https://example.com", false},
		{"rejected", []string{"http://localhost:3000"}, "https://evil.example", "", false},
		{"no origin", []string{"*"}, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(okHandler()).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Expected origin %q, got %q", tt.wantOrigin, got)
			}
			gotCreds := rec.Header().Get("Access-Control-Allow-Credentials") == "true"
			if gotCreds != tt.wantCredits {
				t.Errorf("Expected credentials %v, got %v", tt.wantCredits, gotCreds)
			}
			if rec.Code != http.StatusNoContent {
				t.Errorf("Expected request to reach handler, got %d", rec.Code)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/agents", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	CORS([]string{"http://localhost:3000"})(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", rec.Code)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	if !rl.Allow("kim") || !rl.Allow("kim") {
		t.Fatal("Expected first two requests to be allowed")
	}
	if rl.Allow("kim") {
		t.Error("Expected third request to be rejected")
	}
	if !rl.Allow("lee") {
		t.Error("Expected other key to have its own budget")
	}
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)
	defer rl.Stop()

	if !rl.Allow("kim") {
		t.Fatal("Expected first request to be allowed")
	}
	if rl.Allow("kim") {
		t.Fatal("Expected second request to be rejected")
	}
	time.Sleep(40 * time.Millisecond)
	if !rl.Allow("kim") {
		t.Error("Expected request to be allowed after the window")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	h := rl.Middleware(func(r *http.Request) string { return r.Header.Get("X-Key") })(okHandler())

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", nil)
		req.Header.Set("X-Key", key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("a"); code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", code)
	}
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", code)
	}
	for i := 0; i < 3; i++ {
		if code := send(""); code != http.StatusNoContent {
			t.Errorf("Expected unkeyed request to pass, got %d", code)
		}
	}
}
