package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string detail", `{"detail":"Invalid credentials"}`, "Invalid credentials"},
		{"list detail", `{"detail":[{"msg":"field required"},{"msg":"too short"}]}`, "field required, too short"},
		{"list without msg", `{"detail":[{"loc":["body"]}]}`, `{"loc":["body"]}`},
		{"no detail", `{"error":"boom"}`, "Request failed"},
		{"not json", `<html>bad gateway</html>`, "Request failed"},
		{"empty", ``, "Request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseError(http.StatusBadRequest, []byte(tt.body))
			if got.Message != tt.want {
				t.Errorf("Expected message %q, got %q", tt.want, got.Message)
			}
			if got.Status != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", got.Status)
			}
		})
	}
}

func TestClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/smart-sourcer" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("Expected page=2, got %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["hello"] != "world" {
			t.Errorf("Expected body hello=world, got %v", in)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	c, err := New(server.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var out struct {
		Status string `json:"status"`
	}
	err = c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   []string{"agents", "smart-sourcer"},
		Query:  map[string][]string{"page": {"2"}},
		Token:  "tok",
		Body:   map[string]string{"hello": "world"},
	}, &out)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if out.Status != "success" {
		t.Errorf("Expected success, got %s", out.Status)
	}
}

func TestClient_DoReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Token expired"}`))
	}))
	defer server.Close()

	c, _ := New(server.URL, time.Second)
	err := c.Do(context.Background(), Request{Path: []string{"me"}}, nil)

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if apiErr.Message != "Token expired" {
		t.Errorf("Expected Token expired, got %s", apiErr.Message)
	}
	if StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", StatusCode(err))
	}
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	if _, err := New("localhost:8000", time.Second); err == nil {
		t.Error("Expected error for URL without scheme")
	}
}
