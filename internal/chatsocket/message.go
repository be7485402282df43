package chatsocket

import (
	"errors"

	"github.com/ashureev/agenthub/internal/room"
)

// Browser commands.
const (
	cmdSelectRoom    = "select_room"
	cmdLeaveRoom     = "leave_room"
	cmdSetInput      = "set_input"
	cmdSubmit        = "submit"
	cmdInputResponse = "input_response"
	cmdAuthCode      = "auth_code"
	cmdCancel        = "cancel"
	cmdSnapshot      = "snapshot"
	cmdPing          = "ping"
)

// Server message types.
const (
	msgUpdate   = "update"
	msgSnapshot = "snapshot"
	msgError    = "error"
	msgPong     = "pong"
)

// codeSessionClosed tells the browser its socket ends because its agent session
// was closed by the registry.
const codeSessionClosed = "session_closed"

// clientMessage is a command sent by the browser.
type clientMessage struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Text string `json:"text,omitempty"`
	Code string `json:"code,omitempty"`
}

// serverMessage is pushed to the browser.
type serverMessage struct {
	Type   string       `json:"type"`
	Update *room.Update `json:"update,omitempty"`
	View   *room.View   `json:"view,omitempty"`
	// HTML holds rendered agent entries keyed by entry ID.
	HTML    map[string]string `json:"html,omitempty"`
	Command string            `json:"command,omitempty"`
	Code    string            `json:"code,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// errorCode maps coordinator errors to stable codes the browser can switch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrNoRoom):
		return "no_room"
	case errors.Is(err, room.ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, room.ErrAgentUnresolved):
		return "agent_unresolved"
	case errors.Is(err, room.ErrLoading):
		return "loading"
	case errors.Is(err, room.ErrNoInputField):
		return "no_input_field"
	case errors.Is(err, room.ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, room.ErrBusy):
		return "busy"
	case errors.Is(err, room.ErrNotAwaitingInput):
		return "not_awaiting_input"
	case errors.Is(err, room.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, room.ErrClosed):
		return "closed"
	default:
		return "bad_request"
	}
}
