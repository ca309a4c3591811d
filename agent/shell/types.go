package shell

import (
	"encoding/json"
	"fmt"
)

// Event names. Every WebSocket message in either direction is an Event.
const (
	EventExecuteCommand = "execute_command"
	EventKillProcess    = "kill_process"
	EventJoinSession    = "join_session"
	EventLeaveSession   = "leave_session"

	EventConnected       = "connected"
	EventTerminalOutput  = "terminal_output"
	EventCommandFinished = "command_finished"
	EventTerminalError   = "terminal_error"
)

const (
	DefaultSessionID = "default"

	connectedMessage = "Connected to terminal"
	interruptOutput  = "\n^C\n"
)

// Event is the envelope for all messages: {"event": name, "data": payload}.
// Events decoded by Client carry one of the payload types below as Data.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type rawEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type ExecuteCommand struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id"`
}

// SessionRequest is the payload of kill_process, join_session and leave_session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type Connected struct {
	Data string `json:"data"`
}

type TerminalOutput struct {
	Data      string `json:"data"`
	SessionID string `json:"session_id"`
}

type CommandFinished struct {
	ReturnCode int    `json:"return_code"`
	SessionID  string `json:"session_id"`
}

type TerminalError struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id"`
}

func outputEvent(sessionID, data string) Event {
	return Event{Name: EventTerminalOutput, Data: TerminalOutput{Data: data, SessionID: sessionID}}
}

func finishedEvent(sessionID string, code int) Event {
	return Event{Name: EventCommandFinished, Data: CommandFinished{ReturnCode: code, SessionID: sessionID}}
}

func errorEvent(sessionID, msg string) Event {
	return Event{Name: EventTerminalError, Data: TerminalError{Error: msg, SessionID: sessionID}}
}

// sessionOrDefault mirrors clients that omit session_id.
func sessionOrDefault(id string) string {
	if id == "" {
		return DefaultSessionID
	}
	return id
}

// decode turns a raw envelope into an Event with a typed payload.
func (e rawEvent) decode() (Event, error) {
	var data any
	switch e.Name {
	case EventExecuteCommand:
		data = &ExecuteCommand{}
	case EventKillProcess, EventJoinSession, EventLeaveSession:
		data = &SessionRequest{}
	case EventConnected:
		data = &Connected{}
	case EventTerminalOutput:
		data = &TerminalOutput{}
	case EventCommandFinished:
		data = &CommandFinished{}
	case EventTerminalError:
		data = &TerminalError{}
	default:
		return Event{}, fmt.Errorf("unknown event %q", e.Name)
	}
	if len(e.Data) > 0 && string(e.Data) != "null" {
		if err := json.Unmarshal(e.Data, data); err != nil {
			return Event{}, fmt.Errorf("decoding %s payload: %w", e.Name, err)
		}
	}

	ev := Event{Name: e.Name}
	switch d := data.(type) {
	case *ExecuteCommand:
		ev.Data = *d
	case *SessionRequest:
		ev.Data = *d
	case *Connected:
		ev.Data = *d
	case *TerminalOutput:
		ev.Data = *d
	case *CommandFinished:
		ev.Data = *d
	case *TerminalError:
		ev.Data = *d
	}
	return ev, nil
}
