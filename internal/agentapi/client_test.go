package agentapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const detailBody = `{
  "agent": {
    "info": {"slug": "email-ghostwriter", "name": "Email Ghostwriter", "price": 0},
    "resources": {"auth": [
      {"provider": "google", "service_name": "gmail", "scopes": ["gmail.readonly", "gmail.compose"]},
      {"provider": "google", "service_name": "gmail", "scopes": ["gmail.readonly"]}
    ]},
    "inputs": [{"name": "request", "type": "text", "label": "Request", "required": true}],
    "outputs": {"view_type": "markdown"}
  },
  "model_card": "# Email Ghostwriter"
}`

func TestClient_Detail(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/email-ghostwriter" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"detail":"Agent not found"}`)
			return
		}
		calls.Add(1)
		fmt.Fprint(w, detailBody)
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	d, err := c.Detail(context.Background(), "email-ghostwriter")
	if err != nil {
		t.Fatalf("Detail failed: %v", err)
	}
	if d.Slug != "email-ghostwriter" {
		t.Errorf("Expected slug to be filled, got %q", d.Slug)
	}
	if d.InputField() != "request" {
		t.Errorf("Expected input field request, got %q", d.InputField())
	}
	if !d.RequiresAuth() {
		t.Error("Expected agent to require auth")
	}
	if scopes := d.Scopes(); len(scopes) != 2 {
		t.Errorf("Expected 2 distinct scopes, got %v", scopes)
	}
	if d.ModelCard != "# Email Ghostwriter" {
		t.Errorf("Expected model card, got %q", d.ModelCard)
	}

	if _, err := c.Detail(context.Background(), "email-ghostwriter"); err != nil {
		t.Fatalf("Cached Detail failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call with cache, got %d", calls.Load())
	}

	details, err := c.Details(context.Background(), []string{"email-ghostwriter", "missing"})
	if err == nil {
		t.Error("Expected error for missing agent")
	}
	if len(details) != 1 {
		t.Errorf("Expected resolved agents to be kept, got %d", len(details))
	}
}

func TestClient_DetailCacheExpires(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, detailBody)
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Detail(context.Background(), "email-ghostwriter"); err != nil {
			t.Fatalf("Detail failed: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call within TTL, got %d", calls.Load())
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := c.Detail(context.Background(), "email-ghostwriter"); err != nil {
		t.Fatalf("Detail failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected a refetch after TTL, got %d calls", calls.Load())
	}
}

func TestClient_DetailCacheDisabled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, detailBody)
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second, 0)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Detail(context.Background(), "email-ghostwriter"); err != nil {
			t.Fatalf("Detail failed: %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("Expected every call to reach upstream without a cache, got %d", calls.Load())
	}
}

func TestClient_ListAgents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"agents":[{"slug":"a","name":"A"},{"slug":"b","name":"B"}]}`)
	}))
	defer server.Close()

	c, _ := NewClient(server.URL, time.Second, 0)
	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 2 || agents[1].Slug != "b" {
		t.Errorf("Unexpected agents: %+v", agents)
	}
}

func TestDetail_NoInputsNoAuth(t *testing.T) {
	var d *Detail
	if d.InputField() != "" || d.RequiresAuth() {
		t.Error("Expected nil detail to have no input field and no auth")
	}
}

func TestSearchAndPage(t *testing.T) {
	var agents []Agent
	for i := 0; i < 14; i++ {
		agents = append(agents, Agent{Slug: fmt.Sprintf("a%d", i), Name: fmt.Sprintf("Agent %d", i)})
	}
	agents = append(agents, Agent{Slug: "mail", Name: "Mailer", Description: "drafts replies"})

	if got := Search(agents, "replies"); len(got) != 1 || got[0].Slug != "mail" {
		t.Errorf("Expected description match, got %+v", got)
	}
	if got := Search(agents, ""); len(got) != len(agents) {
		t.Errorf("Expected empty query to match all, got %d", len(got))
	}

	page, total := Page(agents, 3)
	if total != 3 {
		t.Errorf("Expected 3 pages, got %d", total)
	}
	if len(page) != 3 {
		t.Errorf("Expected 3 agents on last page, got %d", len(page))
	}
	if page, _ := Page(agents, 9); len(page) != 0 {
		t.Errorf("Expected empty page past the end, got %d", len(page))
	}
	if page, _ := Page(agents, 0); len(page) != PageSize {
		t.Errorf("Expected first page for page 0, got %d", len(page))
	}
}
