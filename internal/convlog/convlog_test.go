package convlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesPerRoomNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		Username:   "kim",
		Room:       "email-ghostwriter",
		Channel:    ChannelChatSocket,
		Direction:  DirectionOutbound,
		EventType:  "chat_user_message",
		ContentRaw: "reply to my inbox",
	})

	line := waitForLogLine(t, filepath.Join(dir, "kim", "email-ghostwriter.ndjson"))
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "reply to my inbox" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" || got.Timestamp == "" {
		t.Fatal("expected cleaned content and timestamp to be populated")
	}

	if line := waitForLogLine(t, global); !strings.Contains(line, "chat_user_message") {
		t.Fatalf("expected event in global log, got %q", line)
	}
}

func TestLoggerSanitizesPathSegments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 4}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Log(Event{Username: "../../etc", Room: "", EventType: "x"})
	waitForLogLine(t, filepath.Join(dir, "etc", "lobby.ndjson"))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Logging after Close is a no-op.
	logger.Log(Event{Username: "kim", Room: "a", EventType: "late"})
	if _, err := os.Stat(filepath.Join(dir, "kim")); !os.IsNotExist(err) {
		t.Errorf("Expected no file after Close, got %v", err)
	}
}

func TestDisabledLoggerIsNop(t *testing.T) {
	logger, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(nopLogger); !ok {
		t.Errorf("Expected nop logger, got %T", logger)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain\r\nnext\x07"
	clean := CleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if clean != "error plain\nnext" {
		t.Fatalf("unexpected cleaned text: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
