package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/agenthub/internal/config"
	"github.com/ashureev/agenthub/internal/room"
	"github.com/ashureev/agenthub/internal/session"
	"github.com/ashureev/agenthub/internal/transcript"
)

func newTestPrinter() (*printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return &printer{
		out:     &buf,
		printed: make(map[string]int),
		closed:  make(map[string]bool),
	}, &buf
}

func TestPrinter_StreamsLogSuffixes(t *testing.T) {
	p, buf := newTestPrinter()

	log := transcript.Entry{ID: "l1", Sender: transcript.SenderLog, Status: transcript.StatusProcessing}
	p.print(room.Update{Kind: room.UpdateReset, Room: "smart-sourcer"})
	p.print(room.Update{Kind: room.UpdateEntry, Entry: &transcript.Entry{ID: "u1", Sender: transcript.SenderUser, Content: "find a designer"}})
	log.Content = "searching"
	p.print(room.Update{Kind: room.UpdateEntry, Entry: &log})
	log.Content = "searching..."
	p.print(room.Update{Kind: room.UpdateEntry, Entry: &log})
	log.Status = transcript.StatusDone
	p.print(room.Update{Kind: room.UpdateEntry, Entry: &log})
	p.print(room.Update{Kind: room.UpdateEntry, Entry: &log})
	p.print(room.Update{Kind: room.UpdateEntry, Entry: &transcript.Entry{ID: "a1", Sender: transcript.SenderAgent, Content: "**done**"}})

	want := "-- room smart-sourcer\n> find a designer\nsearching...\n**done**\n"
	if buf.String() != want {
		t.Errorf("Expected %q, got %q", want, buf.String())
	}
}

func TestPrinter_StateChangesPrintOnce(t *testing.T) {
	p, buf := newTestPrinter()

	awaiting := &room.View{AwaitingInput: true}
	p.print(room.Update{Kind: room.UpdateState, View: awaiting})
	p.print(room.Update{Kind: room.UpdateState, View: awaiting})
	p.print(room.Update{Kind: room.UpdateState, View: &room.View{AuthRequired: true, AuthScopes: []string{"gmail.send"}}})

	want := "-- agent is waiting for input\n-- authorization required (gmail.send), use /auth <code>\n"
	if buf.String() != want {
		t.Errorf("Expected %q, got %q", want, buf.String())
	}
}

func TestPrinter_HistoryAndNotice(t *testing.T) {
	p, buf := newTestPrinter()

	p.print(room.Update{Kind: room.UpdateHistory, View: &room.View{Entries: []transcript.Entry{
		{ID: "u1", Sender: transcript.SenderUser, Content: "hi"},
		{ID: "l1", Sender: transcript.SenderLog, Content: "ok\n", Status: transcript.StatusDone},
	}}})
	p.print(room.Update{Kind: room.UpdateNotice, Notice: "Could not load chat history."})

	want := "> hi\nok\n! Could not load chat history.\n"
	if buf.String() != want {
		t.Errorf("Expected %q, got %q", want, buf.String())
	}
}

// newBackend serves both the agent and the user server. The run answers slowly so
// the prompt is still in flight when stdin ends.
func newBackend(t *testing.T, saves *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents/email-ghostwriter", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"agent":{"info":{"slug":"email-ghostwriter","name":"Email Ghostwriter"},
			"inputs":[{"name":"request","type":"text","label":"Request"}]}}`)
	})
	mux.HandleFunc("GET /chat-history/email-ghostwriter", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","chat_history":[]}`)
	})
	mux.HandleFunc("POST /chat-history/email-ghostwriter", func(w http.ResponseWriter, r *http.Request) {
		saves.Add(1)
		fmt.Fprint(w, `{"status":"success"}`)
	})
	mux.HandleFunc("/ws/agents/email-ghostwriter/run", func(w http.ResponseWriter, r *http.Request) {
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
		time.Sleep(200 * time.Millisecond)
		send := func(typ string, data any) {
			raw, _ := json.Marshal(data)
			_ = wsjson.Write(ctx, ws, session.Frame{Type: typ, Data: raw})
		}
		send(session.FrameOutput, "Drafting reply")
		send(session.FrameResult, map[string]any{"subject": "Re: invoice", "body": "Paid today."})
		send(session.FrameDone, nil)
		_, _, _ = ws.Read(ctx)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_PipedPromptWaitsForResult(t *testing.T) {
	var saves atomic.Int32
	srv := newBackend(t, &saves)

	cfg := config.Default()
	cfg.AgentServerURL = srv.URL
	cfg.UserServerURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := options{token: "tok", room: "email-ghostwriter"}
	if err := run(ctx, cfg, opts, strings.NewReader("Reply to the invoice mail\n"), &out, logger); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "> Reply to the invoice mail") {
		t.Errorf("Expected the prompt to be echoed, got %q", got)
	}
	if !strings.Contains(got, "**Subject:** Re: invoice") {
		t.Errorf("Expected the agent result before exit, got %q", got)
	}
	if saves.Load() != 1 {
		t.Errorf("Expected one history save, got %d", saves.Load())
	}
}
