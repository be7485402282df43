// Package room coordinates one chat view: the active room, its transcript and the
// agent run feeding it.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agenthub/internal/agentapi"
	"github.com/ashureev/agenthub/internal/render"
	"github.com/ashureev/agenthub/internal/session"
	"github.com/ashureev/agenthub/internal/transcript"
)

// Config wires a Coordinator to its collaborators.
type Config struct {
	Runner  Runner
	History History
	Agents  Agents

	// Render turns a result into the agent entry's content. Defaults to render.Markdown.
	Render func(result map[string]any, slug string) string
	// Listener receives every update on the coordinator's loop. It must not block.
	Listener func(Update)

	LoadTimeout  time.Duration
	SaveTimeout  time.Duration
	InputTimeout time.Duration
	Logger       *slog.Logger
}

// Coordinator owns the transcript of one chat view. All state lives on a single
// loop goroutine; public methods are safe to call from any goroutine.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	saves     sync.WaitGroup

	// Loop-owned state.
	store          *transcript.Store
	room           string
	detail         *agentapi.Detail
	input          string
	submitting     bool
	awaitingInput  bool
	historyLoading bool
	authRequired   bool
	authCode       string
	runID          string
	runEntryID     string
	loadSeq        uint64

	afterLoadApplied func(room string, applied bool)
}

// New starts a coordinator with no room selected.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Runner == nil || cfg.History == nil || cfg.Agents == nil {
		return nil, errors.New("room coordinator needs a runner, history and agents")
	}
	if cfg.Render == nil {
		cfg.Render = render.Markdown
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 15 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 15 * time.Second
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		ops:    make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		store:  transcript.NewStore(),
	}
	go c.loop()
	return c, nil
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.quit:
			return
		}
	}
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.ops <- func() { errc <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting. It is dropped once the loop has stopped.
func (c *Coordinator) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

// Close cancels any live run and stops the loop. In-flight saves are allowed to finish.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		_ = c.call(context.Background(), func() error {
			c.cancelRun()
			return nil
		})
		c.cancel()
		close(c.quit)
		<-c.done
	})
}

// WaitSaves blocks until every save started so far has returned.
func (c *Coordinator) WaitSaves() {
	c.saves.Wait()
}

// SelectRoom makes slug the active room. Any live run is cancelled, the transcript
// and input box are cleared, and the agent manifest and saved history are fetched.
// Responses that arrive after another switch are dropped.
func (c *Coordinator) SelectRoom(slug string) error {
	return c.call(context.Background(), func() error {
		if slug == "" {
			c.leave()
			return nil
		}
		c.switchTo(slug)
		return nil
	})
}

// LeaveRoom returns to the room list.
func (c *Coordinator) LeaveRoom() error {
	return c.call(context.Background(), func() error {
		c.leave()
		return nil
	})
}

// SetInput replaces the input box content.
func (c *Coordinator) SetInput(text string) error {
	return c.call(context.Background(), func() error {
		c.input = text
		return nil
	})
}

// Submit sends text as a new run of the active room's agent.
func (c *Coordinator) Submit(text string) error {
	return c.call(context.Background(), func() error { return c.submit(text) })
}

// RespondToInput answers the agent's pending input request.
func (c *Coordinator) RespondToInput(text string) error {
	return c.call(context.Background(), func() error { return c.respond(text) })
}

// ProvideAuthCode stores the code returned by a third-party authorization and lifts
// the guard. The code is consumed by the next run.
func (c *Coordinator) ProvideAuthCode(code string) error {
	return c.call(context.Background(), func() error {
		if code == "" {
			return ErrEmptyInput
		}
		c.authCode = code
		c.authRequired = false
		c.emitState()
		return nil
	})
}

// Cancel stops the live run, if any.
func (c *Coordinator) Cancel() error {
	return c.call(context.Background(), func() error {
		c.cancelRun()
		c.emitState()
		return nil
	})
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := c.call(ctx, func() error {
		v = c.view()
		return nil
	})
	return v, err
}

func (c *Coordinator) view() View {
	v := View{
		Room:           c.room,
		Entries:        c.store.Snapshot(),
		Input:          c.input,
		Submitting:     c.submitting,
		AwaitingInput:  c.awaitingInput,
		HistoryLoading: c.historyLoading,
		AuthRequired:   c.authRequired,
		Agent:          agentView(c.detail),
	}
	if c.authRequired {
		v.AuthScopes = c.detail.Scopes()
	}
	return v
}

func (c *Coordinator) leave() {
	c.cancelRun()
	c.loadSeq++
	c.room = ""
	c.detail = nil
	c.input = ""
	c.historyLoading = false
	c.authRequired = false
	c.store.Reset("")
	c.emitReset()
}

func (c *Coordinator) switchTo(slug string) {
	c.cancelRun()
	c.loadSeq++
	seq := c.loadSeq

	c.room = slug
	c.detail = nil
	c.input = ""
	c.historyLoading = true
	c.authRequired = false
	c.store.Reset(slug)
	c.emitReset()

	ctx := c.ctx
	go func() {
		loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
		defer cancel()
		d, err := c.cfg.Agents.Detail(loadCtx, slug)
		c.post(func() { c.applyDetail(seq, slug, d, err) })
	}()
	go func() {
		loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
		defer cancel()
		entries, err := c.cfg.History.Load(loadCtx, slug)
		c.post(func() { c.applyHistory(seq, slug, entries, err) })
	}()
}

func (c *Coordinator) current(seq uint64, slug string) bool {
	return seq == c.loadSeq && slug == c.room
}

func (c *Coordinator) applyDetail(seq uint64, slug string, d *agentapi.Detail, err error) {
	if !c.current(seq, slug) {
		c.logger.Debug("Dropping stale agent detail", "room", slug)
		return
	}
	if err != nil {
		c.logger.Warn("Failed to resolve agent", "room", slug, "error", err)
		c.emit(Update{Kind: UpdateNotice, Room: slug, Notice: "Could not load agent details."})
		return
	}
	c.detail = d
	// The guard follows the manifest: it is evaluated here and nowhere else.
	c.authRequired = d.RequiresAuth() && c.authCode == ""
	c.emitState()
}

func (c *Coordinator) applyHistory(seq uint64, slug string, entries []transcript.Entry, err error) {
	applied := c.current(seq, slug)
	defer func() {
		if c.afterLoadApplied != nil {
			c.afterLoadApplied(slug, applied)
		}
	}()
	if !applied {
		c.logger.Debug("Dropping stale chat history", "room", slug)
		return
	}

	c.historyLoading = false
	if err != nil {
		c.logger.Warn("Failed to load chat history", "room", slug, "error", err)
		c.emit(Update{Kind: UpdateNotice, Room: slug, Notice: "Could not load chat history."})
		c.emitState()
		return
	}

	c.store.Load(slug, entries)
	// A saved transcript cannot have a live run behind it.
	if _, err := c.store.UpdateWhere(transcript.Entry.IsProcessing, func(e *transcript.Entry) {
		e.Status = transcript.StatusDone
	}); err != nil {
		c.logger.Warn("Failed to settle loaded log entries", "room", slug, "error", err)
	}

	v := c.view()
	c.emit(Update{Kind: UpdateHistory, Room: slug, View: &v, Scroll: ScrollBottom})
}

func (c *Coordinator) submit(text string) error {
	if c.room == "" {
		return ErrNoRoom
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if c.detail == nil {
		return ErrAgentUnresolved
	}
	if c.historyLoading {
		return ErrLoading
	}
	field := c.detail.InputField()
	if field == "" {
		return ErrNoInputField
	}
	if c.authRequired {
		return ErrAuthRequired
	}
	if c.submitting || c.awaitingInput {
		return ErrBusy
	}

	runID := uuid.NewString()
	placeholder, err := c.beginTurn(runID, text)
	if err != nil {
		return err
	}

	code := c.authCode
	c.authCode = ""
	c.cfg.Runner.Start(c.ctx, session.StartRequest{
		Input:      text,
		RoomID:     c.room,
		InputField: field,
		EntryID:    placeholder.ID,
		AuthCode:   code,
	}, &turnSink{c: c, runID: runID})

	c.input = ""
	c.logger.Info("Agent run submitted", "room", c.room, "run_id", runID)
	c.emitState()
	return nil
}

func (c *Coordinator) respond(text string) error {
	if c.room == "" {
		return ErrNoRoom
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if !c.awaitingInput {
		return ErrNotAwaitingInput
	}
	if c.submitting {
		return ErrBusy
	}

	runID := uuid.NewString()
	placeholder, err := c.beginTurn(runID, text)
	if err != nil {
		return err
	}
	c.awaitingInput = false
	c.input = ""

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.InputTimeout)
	defer cancel()
	if !c.cfg.Runner.SendInput(ctx, text, placeholder.ID, &turnSink{c: c, runID: runID}) {
		c.finishTurn(ErrNotConnected)
		c.emitState()
		return ErrNotConnected
	}
	c.logger.Info("Agent input sent", "room", c.room, "run_id", runID)
	c.emitState()
	return nil
}

// beginTurn appends the user entry and the processing log placeholder of a new turn.
func (c *Coordinator) beginTurn(runID, text string) (transcript.Entry, error) {
	if _, busy := c.store.Processing(); busy {
		return transcript.Entry{}, ErrBusy
	}

	user, err := c.store.Append(c.store.NewEntry(transcript.SenderUser, text, runID))
	if err != nil {
		return transcript.Entry{}, fmt.Errorf("append user entry: %w", err)
	}
	c.emitEntry(user)

	placeholder := c.store.NewEntry(transcript.SenderLog, "", runID)
	placeholder.Status = transcript.StatusProcessing
	placeholder, err = c.store.Append(placeholder)
	if err != nil {
		return transcript.Entry{}, fmt.Errorf("append log entry: %w", err)
	}
	c.emitEntry(placeholder)

	c.runID = runID
	c.runEntryID = placeholder.ID
	c.submitting = true
	return placeholder, nil
}

// cancelRun detaches and closes the live run and settles its placeholder.
func (c *Coordinator) cancelRun() {
	c.cfg.Runner.Cancel()
	if c.runID == "" {
		return
	}
	c.logger.Info("Agent run cancelled", "room", c.room, "run_id", c.runID)
	c.settlePlaceholder()
	c.runID = ""
	c.runEntryID = ""
	c.submitting = false
	c.awaitingInput = false
}

// finishTurn ends the current turn without a result.
func (c *Coordinator) finishTurn(err error) {
	if err != nil {
		c.appendLogLine("⚠ " + err.Error())
	}
	c.settlePlaceholder()
	c.runID = ""
	c.runEntryID = ""
	c.submitting = false
	c.awaitingInput = false
}

func (c *Coordinator) appendLogLine(line string) {
	e, ok := c.store.Get(c.runEntryID)
	if !ok {
		return
	}
	if e.Content != "" && !strings.HasSuffix(e.Content, "\n") {
		line = "\n" + line
	}
	if c.store.AppendContent(e.ID, line) {
		c.emitStored(e.ID)
	}
}

func (c *Coordinator) settlePlaceholder() {
	if c.runEntryID == "" {
		return
	}
	if c.store.MarkDone(c.runEntryID) {
		c.emitStored(c.runEntryID)
	}
}

func (c *Coordinator) stale(runID string) bool {
	return runID == "" || runID != c.runID
}

func (c *Coordinator) onChunk(runID, entryID, chunk string) {
	if c.stale(runID) {
		return
	}
	if c.store.AppendContent(entryID, chunk) {
		c.emitStored(entryID)
	}
}

func (c *Coordinator) onInputRequest(runID string) {
	if c.stale(runID) {
		return
	}
	c.settlePlaceholder()
	c.submitting = false
	c.awaitingInput = true
	c.emitState()
}

func (c *Coordinator) onComplete(runID, entryID string, result session.Result, err error) {
	if c.stale(runID) {
		return
	}
	room := c.room

	if err != nil {
		c.logger.Warn("Agent run failed", "room", room, "run_id", runID, "error", err)
		c.finishTurn(err)
		c.emitState()
		return
	}

	c.settlePlaceholder()
	c.runID = ""
	c.runEntryID = ""
	c.submitting = false
	c.awaitingInput = false

	if len(result) == 0 {
		c.emitState()
		return
	}

	content := c.cfg.Render(result, room)
	agent, appendErr := c.store.Append(c.store.NewEntry(transcript.SenderAgent, content, runID))
	if appendErr != nil {
		c.logger.Warn("Failed to append agent entry", "room", room, "error", appendErr)
		c.emitState()
		return
	}
	c.emitEntry(agent)
	c.emitState()
	c.logger.Info("Agent run completed", "room", room, "run_id", runID, "entry_id", entryID)

	c.save(room, c.store.Snapshot())
}

// save persists entries in the background. Failures are logged and local state is kept.
func (c *Coordinator) save(room string, entries []transcript.Entry) {
	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
		defer cancel()
		if err := c.cfg.History.Save(ctx, room, entries); err != nil {
			c.logger.Warn("Failed to save chat history", "room", room, "error", err)
			return
		}
		c.logger.Debug("Chat history saved", "room", room, "entries", len(entries))
	}()
}

func (c *Coordinator) emit(u Update) {
	if c.cfg.Listener != nil {
		c.cfg.Listener(u)
	}
}

func (c *Coordinator) emitReset() {
	v := c.view()
	c.emit(Update{Kind: UpdateReset, Room: c.room, View: &v, Scroll: ScrollBottom})
}

func (c *Coordinator) emitState() {
	v := c.view()
	v.Entries = nil
	c.emit(Update{Kind: UpdateState, Room: c.room, View: &v})
}

func (c *Coordinator) emitEntry(e transcript.Entry) {
	c.emit(Update{Kind: UpdateEntry, Room: c.room, Entry: &e, Scroll: ScrollFollowLog, LogID: c.lastLogID()})
}

func (c *Coordinator) emitStored(id string) {
	if e, ok := c.store.Get(id); ok {
		c.emitEntry(e)
	}
}

func (c *Coordinator) lastLogID() string {
	entries := c.store.Snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Sender == transcript.SenderLog {
			return entries[i].ID
		}
	}
	return ""
}

// turnSink routes one turn's session events onto the loop, tagged with the turn's run id.
type turnSink struct {
	c     *Coordinator
	runID string
}

func (s *turnSink) Chunk(entryID, chunk string) {
	s.c.post(func() { s.c.onChunk(s.runID, entryID, chunk) })
}

func (s *turnSink) InputRequested() {
	s.c.post(func() { s.c.onInputRequest(s.runID) })
}

func (s *turnSink) Complete(entryID string, result session.Result, err error) {
	s.c.post(func() { s.c.onComplete(s.runID, entryID, result, err) })
}
