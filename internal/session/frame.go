package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame types on the agent run channel.
const (
	FrameStart         = "start"
	FrameInputResponse = "input_response"

	FrameOutput       = "output"
	FrameInputRequest = "input_request"
	FrameResult       = "result"
	FrameDone         = "done"
	FrameError        = "error"
)

// AuthCodeField is the start input that carries a delegated authorization code.
const AuthCodeField = "auth_code"

// ErrClosed is reported when the agent server drops the channel before the run ends.
var ErrClosed = errors.New("agent connection closed before the run finished")

// Frame is one JSON message on the run channel, in either direction.
type Frame struct {
	Type      string            `json:"type"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Traceback string            `json:"traceback,omitempty"`
}

// Result is the final structured payload of a run.
type Result map[string]any

// ParseResult decodes the data of a result frame.
// A string payload is parsed as JSON: an object is used as-is, any other parsed
// value is wrapped as {"value": parsed}, and text that is not JSON is wrapped as
// {"value": raw}. An object payload is used as-is and arrays are wrapped under
// "value". Anything else, including a string holding null, yields no result.
func ParseResult(raw json.RawMessage) Result {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case map[string]any:
		return Result(x)
	case []any:
		return Result{"value": x}
	case string:
		var inner any
		if err := json.Unmarshal([]byte(x), &inner); err != nil {
			return Result{"value": x}
		}
		switch y := inner.(type) {
		case map[string]any:
			return Result(y)
		case nil:
			return nil
		default:
			return Result{"value": y}
		}
	default:
		return nil
	}
}

// RunError is a failure reported by the agent server in an error frame.
type RunError struct {
	Detail    string
	Traceback string
}

func (e *RunError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = lastLine(e.Traceback)
	}
	if detail == "" {
		return "agent run failed"
	}
	return fmt.Sprintf("agent run failed: %s", detail)
}

func newRunError(f Frame) *RunError {
	return &RunError{Detail: dataText(f.Data), Traceback: f.Traceback}
}

// dataText renders a frame's data as text: strings unquoted, other JSON verbatim.
func dataText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
