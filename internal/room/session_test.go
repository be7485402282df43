package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/agenthub/internal/session"
	"github.com/ashureev/agenthub/internal/transcript"
)

// newStalledAgent accepts a run, streams one chunk and then never finishes.
func newStalledAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		var start session.Frame
		if err := wsjson.Read(ctx, ws, &start); err != nil {
			return
		}
		_ = wsjson.Write(ctx, ws, map[string]any{"type": session.FrameOutput, "data": "working"})
		_, _, _ = ws.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newManagedHarness(t *testing.T, conn *session.Conn) *harness {
	t.Helper()
	h := &harness{history: newFakeHistory()}
	c, err := New(Config{
		Runner:  conn,
		History: h.history,
		Agents:  defaultAgents(),
		Listener: func(u Update) {
			h.mu.Lock()
			h.updates = append(h.updates, u)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.c = c
	t.Cleanup(c.Close)
	return h
}

func TestCoordinator_ClosedSessionEndsRun(t *testing.T) {
	srv := newStalledAgent(t)
	mgr := session.NewManager(session.DefaultConfig(srv.URL))
	conn := mgr.Acquire("alice", "sess-a", "tab-1")
	h := newManagedHarness(t, conn)
	h.open(t, "smart-sourcer")

	if err := h.c.Submit("find a designer"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.waitFor(t, "streamed chunk", func(v View) bool {
		return len(v.Entries) == 2 && v.Entries[1].Content == "working"
	})

	mgr.CloseSession("alice", "sess-a")

	v := h.waitFor(t, "run settled", func(v View) bool { return !v.Submitting })
	if n := countProcessing(v.Entries); n != 0 {
		t.Errorf("Expected no processing entries, got %d", n)
	}
	log := v.Entries[1]
	if log.Sender != transcript.SenderLog || !strings.Contains(log.Content, "⚠ "+session.ErrSessionClosed.Error()) {
		t.Errorf("Expected closed-session diagnostic in log entry, got %+v", log)
	}
	if saves := h.history.saves("smart-sourcer"); len(saves) != 0 {
		t.Errorf("Expected no save for an ended run, got %d", len(saves))
	}

	// The coordinator is free for the next turn.
	if err := h.c.Submit("try again"); err != nil {
		t.Errorf("Expected next submit to be accepted, got %v", err)
	}
}

func TestCoordinator_ReplacedHandleEndsRun(t *testing.T) {
	srv := newStalledAgent(t)
	mgr := session.NewManager(session.DefaultConfig(srv.URL))
	h := newManagedHarness(t, mgr.Acquire("alice", "sess-a", "tab-1"))
	h.open(t, "smart-sourcer")

	if err := h.c.Submit("find a designer"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.waitFor(t, "run started", func(v View) bool { return v.Submitting })

	mgr.Acquire("alice", "sess-a", "tab-1")

	v := h.waitFor(t, "run settled", func(v View) bool { return !v.Submitting })
	if n := countProcessing(v.Entries); n != 0 {
		t.Errorf("Expected no processing entries, got %d", n)
	}
}
