// Package chatsocket bridges a browser websocket to a room coordinator.
package chatsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agenthub/internal/convlog"
	"github.com/ashureev/agenthub/internal/identity"
	"github.com/ashureev/agenthub/internal/render"
	"github.com/ashureev/agenthub/internal/room"
	"github.com/ashureev/agenthub/internal/session"
	"github.com/ashureev/agenthub/internal/transcript"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
)

// Config holds the bridge settings.
type Config struct {
	AllowedOrigins  []string
	IsDev           bool
	MaxMessageBytes int64
	SendBuffer      int
	LoadTimeout     time.Duration
	SaveTimeout     time.Duration
	InputTimeout    time.Duration
}

// Handler upgrades chat requests and runs one coordinator per socket.
type Handler struct {
	cfg        Config
	sessions   *session.Manager
	agents     room.Agents
	historyFor func(token string) room.History
	log        convlog.Logger
	origins    []string
}

// NewHandler creates a chat socket handler. historyFor binds the history store
// to the access token of the connecting user.
func NewHandler(cfg Config, sessions *session.Manager, agents room.Agents, historyFor func(token string) room.History, log convlog.Logger) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	if log == nil {
		log = convlog.Nop()
	}
	return &Handler{
		cfg:        cfg,
		sessions:   sessions,
		agents:     agents,
		historyFor: historyFor,
		log:        log,
		origins:    originPatterns(cfg.AllowedOrigins),
	}
}

// originPatterns turns allowed origins into the host patterns websocket.Accept checks.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

// client is the per-socket state.
type client struct {
	h        *Handler
	username string
	tabID    string
	coord    *room.Coordinator
	out      chan serverMessage
	// overflow is set when an update was dropped; the writer then resyncs with a snapshot.
	overflow atomic.Bool
	// closing makes the writer flush what is queued and end the socket.
	closing  chan struct{}
	logger   *slog.Logger
	mu       sync.Mutex
	room     string
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())
	token := identity.TokenFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	if username == "" {
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("Chat socket connection request", "user", username, "tab", tabID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: h.cfg.IsDev,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user", username)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user", username)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxMessageBytes)

	conn := h.sessions.Acquire(username, identity.HashToken(token), tabID)
	defer h.sessions.Release(username, tabID, conn)

	c := &client{
		h:        h,
		username: username,
		tabID:    tabID,
		out:      make(chan serverMessage, h.cfg.SendBuffer),
		closing:  make(chan struct{}),
		logger:   slog.Default().With("user", username, "tab", tabID),
	}

	coord, err := room.New(room.Config{
		Runner:       conn,
		History:      h.historyFor(token),
		Agents:       h.agents,
		Listener:     c.onUpdate,
		LoadTimeout:  h.cfg.LoadTimeout,
		SaveTimeout:  h.cfg.SaveTimeout,
		InputTimeout: h.cfg.InputTimeout,
		Logger:       c.logger,
	})
	if err != nil {
		slog.Error("Failed to start room coordinator", "error", err, "user", username)
		return
	}
	defer coord.Close()
	c.coord = coord

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if slug := r.URL.Query().Get("room"); slug != "" {
		if err := coord.SelectRoom(slug); err != nil {
			c.logger.Warn("Failed to select initial room", "room", slug, "error", err)
		}
	}
	c.sendSnapshot(ctx)

	var wg sync.WaitGroup
	wg.Add(3)

	// A handle terminated by the session registry ends the socket.
	go func() {
		defer wg.Done()
		select {
		case <-conn.Terminated():
			c.logger.Info("Agent session terminated, closing chat socket")
			// The snapshot is taken after the coordinator has settled the ended run.
			c.sendSnapshot(ctx)
			c.enqueue(serverMessage{Type: msgError, Code: codeSessionClosed, Error: session.ErrSessionClosed.Error()})
			close(c.closing)
		case <-ctx.Done():
		}
	}()

	// Input loop: WebSocket -> coordinator.
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(ctx, ws)
	}()

	// Output loop: coordinator -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(ctx, ws)
	}()

	wg.Wait()
	c.logger.Info("Chat session ended")
}

func (c *client) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				c.logger.Debug("WebSocket closed by client")
			} else {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(serverMessage{Type: msgError, Code: "bad_request", Error: "invalid message"})
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			c.enqueue(serverMessage{Type: msgError, Command: msg.Type, Code: errorCode(err), Error: err.Error()})
		}
	}
}

func (c *client) handle(ctx context.Context, msg clientMessage) error {
	switch msg.Type {
	case cmdSelectRoom:
		return c.coord.SelectRoom(msg.Room)
	case cmdLeaveRoom:
		return c.coord.LeaveRoom()
	case cmdSetInput:
		return c.coord.SetInput(msg.Text)
	case cmdSubmit:
		if err := c.coord.Submit(msg.Text); err != nil {
			return err
		}
		c.record(convlog.DirectionOutbound, "chat_user_message", msg.Text, nil)
		return nil
	case cmdInputResponse:
		if err := c.coord.RespondToInput(msg.Text); err != nil {
			return err
		}
		c.record(convlog.DirectionOutbound, "chat_input_response", msg.Text, nil)
		return nil
	case cmdAuthCode:
		return c.coord.ProvideAuthCode(msg.Code)
	case cmdCancel:
		if err := c.coord.Cancel(); err != nil {
			return err
		}
		c.record(convlog.DirectionOutbound, "chat_run_cancelled", "", nil)
		return nil
	case cmdSnapshot:
		c.sendSnapshot(ctx)
		return nil
	case cmdPing:
		c.enqueue(serverMessage{Type: msgPong})
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// onUpdate runs on the coordinator loop and must not block.
func (c *client) onUpdate(u room.Update) {
	c.mu.Lock()
	c.room = u.Room
	c.mu.Unlock()

	msg := serverMessage{Type: msgUpdate, Update: &u}
	switch {
	case u.Entry != nil:
		msg.HTML = renderHTML([]transcript.Entry{*u.Entry}, c.logger)
		if u.Entry.Sender == transcript.SenderAgent {
			c.record(convlog.DirectionInbound, "chat_agent_result", u.Entry.Content, map[string]any{"entry_id": u.Entry.ID})
		}
	case u.View != nil && len(u.View.Entries) > 0:
		msg.HTML = renderHTML(u.View.Entries, c.logger)
	}
	c.enqueue(msg)
}

func (c *client) enqueue(msg serverMessage) {
	select {
	case c.out <- msg:
	default:
		c.overflow.Store(true)
		c.logger.Warn("Chat socket send buffer full, dropping message", "type", msg.Type)
	}
}

func (c *client) sendSnapshot(ctx context.Context) {
	view, err := c.coord.Snapshot(ctx)
	if err != nil {
		c.logger.Debug("Snapshot failed", "error", err)
		return
	}
	c.enqueue(serverMessage{Type: msgSnapshot, View: &view, HTML: renderHTML(view.Entries, c.logger)})
}

func (c *client) writeLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closing:
			for {
				select {
				case msg := <-c.out:
					if err := c.write(ctx, ws, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		case msg := <-c.out:
			if err := c.write(ctx, ws, msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "error", err)
				}
				return
			}
			if len(c.out) == 0 && c.overflow.CompareAndSwap(true, false) {
				view, err := c.coord.Snapshot(ctx)
				if err != nil {
					continue
				}
				snap := serverMessage{Type: msgSnapshot, View: &view, HTML: renderHTML(view.Entries, c.logger)}
				if err := c.write(ctx, ws, snap); err != nil {
					return
				}
			}
		}
	}
}

func (c *client) write(ctx context.Context, ws *websocket.Conn, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func (c *client) record(direction, eventType, content string, meta map[string]any) {
	c.mu.Lock()
	current := c.room
	c.mu.Unlock()
	c.h.log.Log(convlog.Event{
		Username:   c.username,
		TabID:      c.tabID,
		Room:       current,
		Channel:    convlog.ChannelChatSocket,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// renderHTML converts the agent entries among entries to HTML.
func renderHTML(entries []transcript.Entry, logger *slog.Logger) map[string]string {
	var out map[string]string
	for _, e := range entries {
		if e.Sender != transcript.SenderAgent {
			continue
		}
		html, err := render.HTML(e.Content)
		if err != nil {
			logger.Warn("Failed to render agent entry", "entry_id", e.ID, "error", err)
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[e.ID] = html
	}
	return out
}
