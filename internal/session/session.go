// Package session owns the websocket channel to the agent server's run endpoint.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// State is the lifecycle position of a Conn.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingStartAck
	StateStreaming
	StateAwaitingInput
	StateCompleting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingStartAck:
		return "awaiting_start_ack"
	case StateStreaming:
		return "streaming"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateCompleting:
		return "completing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives the events of one turn, in the order the agent server sent them.
// Methods are called from the connection's reader goroutine and must not block
// for long. Complete is called at most once per turn.
type Sink interface {
	Chunk(entryID, chunk string)
	InputRequested()
	Complete(entryID string, result Result, err error)
}

// StartRequest describes a new run.
type StartRequest struct {
	Input      string
	RoomID     string
	InputField string
	EntryID    string
	AuthCode   string
}

// Config holds connection settings.
type Config struct {
	BaseURL     string // agent server, http(s):// or ws(s)://
	DialTimeout time.Duration
	ReadLimit   int64
	Logger      *slog.Logger
}

// DefaultConfig returns default connection settings for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		DialTimeout: 10 * time.Second,
		ReadLimit:   1 << 20,
	}
}

// Conn is a single logical agent run channel. At most one websocket is open at a time.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	cur            *run
	state          State
	running        bool
	inputRequested bool

	terminated    chan struct{}
	terminateOnce sync.Once
}

// run is the per-connection state. sink is nil once the run has been detached.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	ws        *websocket.Conn
	sink      Sink
	entryID   string
	completed bool
}

// New creates an idle connection.
func New(cfg Config) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{cfg: cfg, logger: logger, terminated: make(chan struct{})}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a run is in flight. Callers use it to block new submissions.
func (c *Conn) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// InputRequested reports whether the agent is waiting for a follow-up answer.
func (c *Conn) InputRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputRequested
}

// Start opens a new run channel for req.RoomID and sends the start frame once the
// handshake completes. It is a no-op when RoomID or InputField is empty. Any previous
// channel is torn down first. Failures are delivered through sink.Complete.
func (c *Conn) Start(ctx context.Context, req StartRequest, sink Sink) {
	if req.RoomID == "" || req.InputField == "" {
		return
	}
	c.Cancel()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{ctx: runCtx, cancel: cancel, sink: sink, entryID: req.EntryID}

	c.mu.Lock()
	c.cur = r
	c.running = true
	c.inputRequested = false
	c.state = StateConnecting
	c.mu.Unlock()

	go c.serve(r, req)
}

// SendInput answers an input request on the open channel and points streaming at
// entryID. It is a no-op when no channel is open and reports whether the answer was
// handed to the channel. Write failures are delivered through sink.Complete.
func (c *Conn) SendInput(ctx context.Context, value, entryID string, sink Sink) bool {
	c.mu.Lock()
	r := c.cur
	if r == nil || r.ws == nil {
		c.mu.Unlock()
		return false
	}
	r.sink = sink
	r.entryID = entryID
	r.completed = false
	c.inputRequested = false
	c.running = true
	c.state = StateStreaming
	ws := r.ws
	c.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		go c.finish(r, ws, fmt.Errorf("encode input response: %w", err))
		return true
	}
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameInputResponse, Data: data}); err != nil {
		go c.finish(r, ws, fmt.Errorf("send input response: %w", err))
	}
	return true
}

// Cancel detaches the sink, closes the channel and clears the running and
// awaiting-input flags. It is safe to call at any time, any number of times.
func (c *Conn) Cancel() {
	c.mu.Lock()
	r, ws := c.detachLocked()
	c.mu.Unlock()
	closeRun(r, ws)
}

// Terminate ends the channel on behalf of whoever handed it out. Unlike Cancel,
// a turn still in flight is completed with err so its owner can settle it, and
// Terminated is closed. Later calls only cancel.
func (c *Conn) Terminate(err error) {
	c.mu.Lock()
	var sink Sink
	var entryID string
	if r := c.cur; r != nil && r.sink != nil && !r.completed {
		r.completed = true
		sink, entryID = r.sink, r.entryID
	}
	r, ws := c.detachLocked()
	c.mu.Unlock()

	closeRun(r, ws)
	if sink != nil {
		sink.Complete(entryID, nil, err)
	}
	c.terminateOnce.Do(func() { close(c.terminated) })
}

// Terminated is closed once Terminate has been called.
func (c *Conn) Terminated() <-chan struct{} {
	return c.terminated
}

func (c *Conn) detachLocked() (*run, *websocket.Conn) {
	r := c.cur
	c.cur = nil
	var ws *websocket.Conn
	if r != nil {
		r.sink = nil
		ws = r.ws
	}
	c.running = false
	c.inputRequested = false
	if c.state != StateIdle {
		c.state = StateClosed
	}
	return r, ws
}

func closeRun(r *run, ws *websocket.Conn) {
	if r == nil {
		return
	}
	r.cancel()
	if ws != nil {
		_ = ws.CloseNow()
	}
}

func (c *Conn) serve(r *run, req StartRequest) {
	defer r.cancel()

	target, err := c.runURL(req.RoomID)
	if err != nil {
		c.finish(r, nil, err)
		return
	}

	dialCtx, cancelDial := context.WithTimeout(r.ctx, c.cfg.DialTimeout)
	ws, _, err := websocket.Dial(dialCtx, target, nil)
	cancelDial()
	if err != nil {
		c.finish(r, nil, fmt.Errorf("dial agent run: %w", err))
		return
	}
	ws.SetReadLimit(c.cfg.ReadLimit)

	if !c.attach(r, ws) {
		_ = ws.CloseNow()
		return
	}

	inputs := map[string]string{req.InputField: req.Input}
	if req.AuthCode != "" {
		inputs[AuthCodeField] = req.AuthCode
	}
	if err := wsjson.Write(r.ctx, ws, Frame{Type: FrameStart, Inputs: inputs}); err != nil {
		c.finish(r, ws, fmt.Errorf("send start frame: %w", err))
		return
	}
	c.logger.Info("Agent run started", "room", req.RoomID)

	c.readLoop(r, ws)
}

// attach records the dialed websocket unless the run was cancelled meanwhile.
func (c *Conn) attach(r *run, ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != r {
		return false
	}
	r.ws = ws
	c.state = StateAwaitingStartAck
	return true
}

func (c *Conn) readLoop(r *run, ws *websocket.Conn) {
	for {
		_, message, err := ws.Read(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				c.logger.Debug("Agent run channel closed by server", "status", websocket.CloseStatus(err))
				c.finish(r, ws, ErrClosed)
			} else {
				c.logger.Warn("Agent run read error", "error", err)
				c.finish(r, ws, fmt.Errorf("read agent frame: %w", err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("Ignoring malformed agent frame", "error", err)
			continue
		}
		if c.handle(r, ws, f) {
			return
		}
	}
}

// handle dispatches one inbound frame and reports whether the run is over.
func (c *Conn) handle(r *run, ws *websocket.Conn, f Frame) bool {
	switch f.Type {
	case FrameOutput:
		var chunk string
		if err := json.Unmarshal(f.Data, &chunk); err != nil {
			return false
		}
		c.setState(r, StateStreaming)
		c.deliver(r, func(s Sink, entryID string) { s.Chunk(entryID, chunk) })
	case FrameInputRequest:
		c.mu.Lock()
		if c.cur == r {
			c.inputRequested = true
			c.state = StateAwaitingInput
		}
		c.mu.Unlock()
		c.deliver(r, func(s Sink, _ string) { s.InputRequested() })
	case FrameResult:
		c.setState(r, StateCompleting)
		c.complete(r, ParseResult(f.Data), nil)
	case FrameDone:
		c.finish(r, ws, nil)
		return true
	case FrameError:
		runErr := newRunError(f)
		c.logger.Error("Agent run reported an error", "detail", runErr.Detail, "traceback", runErr.Traceback)
		c.finish(r, ws, runErr)
		return true
	default:
		c.logger.Debug("Ignoring unknown agent frame", "type", f.Type)
	}
	return false
}

func (c *Conn) setState(r *run, s State) {
	c.mu.Lock()
	if c.cur == r {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Conn) deliver(r *run, fn func(Sink, string)) {
	c.mu.Lock()
	sink, entryID := r.sink, r.entryID
	c.mu.Unlock()
	if sink != nil {
		fn(sink, entryID)
	}
}

// complete hands the turn's outcome to the sink once.
func (c *Conn) complete(r *run, result Result, err error) {
	c.mu.Lock()
	if r.sink == nil || r.completed {
		c.mu.Unlock()
		return
	}
	r.completed = true
	sink, entryID := r.sink, r.entryID
	c.mu.Unlock()
	sink.Complete(entryID, result, err)
}

// finish ends the run: flags are cleared, the channel closed, then the sink completed
// without a result unless it already received one.
func (c *Conn) finish(r *run, ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.cur == r {
		c.cur = nil
		c.running = false
		c.inputRequested = false
		c.state = StateClosed
	}
	c.mu.Unlock()

	if ws != nil {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "run finished"); closeErr != nil && !errors.Is(closeErr, context.Canceled) {
			c.logger.Debug("Failed to close agent run channel", "error", closeErr)
		}
	}
	c.complete(r, nil, err)
}

func (c *Conn) runURL(slug string) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse agent server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported agent server scheme %q", u.Scheme)
	}
	return u.JoinPath("ws", "agents", slug, "run").String(), nil
}
