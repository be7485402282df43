// Package convlog writes an NDJSON audit trail of chat traffic, one file per
// user and room plus an optional global file.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Channels and directions used by the chat bridge.
const (
	ChannelChatSocket = "chat_ws"
	ChannelAgentRun   = "agent_run"

	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one logged line.
type Event struct {
	Timestamp  string         `json:"ts"`
	Username   string         `json:"username"`
	TabID      string         `json:"tab_id,omitempty"`
	Room       string         `json:"room"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records conversation events without blocking the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(Event)    {}
func (nopLogger) Close() error { return nil }

type fileLogger struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	mu      sync.Mutex
	files   map[string]*os.File
	global  *os.File
	dropped int
}

// New starts a background writer. A disabled config yields a no-op logger.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileLogger{
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan Event, cfg.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		files:   make(map[string]*os.File),
	}

	if cfg.GlobalEnabled {
		f, err := openAppend(cfg.GlobalPath)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues event, dropping it when the queue is full.
func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = CleanForReadability(event.ContentRaw)
	}

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- event:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		l.logger.Warn("Conversation log queue full, dropping event", "event_type", event.EventType, "dropped", dropped)
	}
}

// Close drains queued events and closes every file.
func (l *fileLogger) Close() error {
	l.once.Do(func() { close(l.done) })
	<-l.stopped

	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for key, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close conversation log %s: %w", key, err)
		}
		delete(l.files, key)
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close global conversation log: %w", err)
		}
		l.global = nil
	}
	return firstErr
}

func (l *fileLogger) run() {
	defer close(l.stopped)
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *fileLogger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("Failed to marshal conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fileFor(event.Username, event.Room)
	if err != nil {
		l.logger.Warn("Failed to open conversation log", "username", event.Username, "room", event.Room, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write conversation log", "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("Failed to write global conversation log", "error", err)
		}
	}
}

// fileFor must be called with l.mu held.
func (l *fileLogger) fileFor(username, room string) (*os.File, error) {
	key := safeName(username, "anonymous") + "/" + safeName(room, "lobby")
	if f, ok := l.files[key]; ok {
		return f, nil
	}
	f, err := openAppend(filepath.Join(l.cfg.Dir, filepath.FromSlash(key)+".ndjson"))
	if err != nil {
		return nil, err
	}
	l.files[key] = f
	return f, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

var (
	unsafeName  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	underscores = regexp.MustCompile(`_+`)
)

// safeName turns s into a single path segment.
func safeName(s, fallback string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.ReplaceAll(s, "..", "_")
	s = underscores.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return fallback
	}
	return s
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// CleanForReadability strips terminal escapes and control characters so the
// logged content reads as plain text.
func CleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
}
