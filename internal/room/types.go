package room

import (
	"context"
	"errors"

	"github.com/ashureev/agenthub/internal/agentapi"
	"github.com/ashureev/agenthub/internal/session"
	"github.com/ashureev/agenthub/internal/transcript"
)

var (
	ErrClosed           = errors.New("room coordinator closed")
	ErrNoRoom           = errors.New("no room selected")
	ErrEmptyInput       = errors.New("message is empty")
	ErrAgentUnresolved  = errors.New("agent detail not loaded")
	ErrLoading          = errors.New("chat history is still loading")
	ErrNoInputField     = errors.New("agent declares no input field")
	ErrAuthRequired     = errors.New("agent requires authorization")
	ErrBusy             = errors.New("a run is already in progress")
	ErrNotAwaitingInput = errors.New("agent is not waiting for input")
	ErrNotConnected     = errors.New("agent connection is not open")
)

// Runner is the command surface of a session connection.
type Runner interface {
	Start(ctx context.Context, req session.StartRequest, sink session.Sink)
	SendInput(ctx context.Context, value, entryID string, sink session.Sink) bool
	Cancel()
}

// History loads and saves a room's transcript. Load returns no entries when
// nothing was saved.
type History interface {
	Load(ctx context.Context, room string) ([]transcript.Entry, error)
	Save(ctx context.Context, room string, entries []transcript.Entry) error
}

// Agents resolves agent manifests.
type Agents interface {
	Detail(ctx context.Context, slug string) (*agentapi.Detail, error)
}

// UpdateKind tells a listener what changed.
type UpdateKind string

const (
	// UpdateReset means the transcript was cleared for a new room (or no room).
	UpdateReset UpdateKind = "reset"
	// UpdateHistory means a saved transcript replaced the local one.
	UpdateHistory UpdateKind = "history_loaded"
	// UpdateEntry means one entry was appended or changed.
	UpdateEntry UpdateKind = "entry"
	// UpdateState means flags (submitting, awaiting input, auth guard, agent) changed.
	UpdateState UpdateKind = "state"
	// UpdateNotice carries a non-fatal message for the user.
	UpdateNotice UpdateKind = "notice"
)

// Scroll is a hint for how a view should move after an update.
type Scroll string

const (
	ScrollNone Scroll = ""
	// ScrollBottom jumps to the end of the transcript.
	ScrollBottom Scroll = "bottom"
	// ScrollFollowLog keeps the most recent log entry in view.
	ScrollFollowLog Scroll = "follow_log"
)

// Update is emitted on the coordinator's loop after every visible change.
type Update struct {
	Kind   UpdateKind        `json:"kind"`
	Room   string            `json:"room"`
	Entry  *transcript.Entry `json:"entry,omitempty"`
	View   *View             `json:"view,omitempty"`
	Scroll Scroll            `json:"scroll,omitempty"`
	// LogID is the newest log entry, the target of ScrollFollowLog.
	LogID  string `json:"log_id,omitempty"`
	Notice string `json:"notice,omitempty"`
}

// View is a consistent copy of the coordinator's state.
type View struct {
	Room           string             `json:"room"`
	Entries        []transcript.Entry `json:"entries"`
	Input          string             `json:"input"`
	Submitting     bool               `json:"submitting"`
	AwaitingInput  bool               `json:"awaiting_input"`
	HistoryLoading bool               `json:"history_loading"`
	AuthRequired   bool               `json:"auth_required"`
	AuthScopes     []string           `json:"auth_scopes,omitempty"`
	Agent          *AgentView         `json:"agent,omitempty"`
}

// AgentView is the part of an agent manifest a chat view shows.
type AgentView struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	InputLabel  string `json:"input_label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

func agentView(d *agentapi.Detail) *AgentView {
	if d == nil {
		return nil
	}
	v := &AgentView{Slug: d.Slug, Name: d.Info.Name, Icon: d.Info.Icon}
	if len(d.Inputs) > 0 {
		v.InputLabel = d.Inputs[0].Label
		v.Placeholder = d.Inputs[0].Placeholder
	}
	return v
}
