package opencode

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies one recognized event variant. The event feed is a
// closed union: every wire event decodes into exactly one variant, and
// anything outside the recognized set becomes KindIgnored.
type EventKind int

const (
	// KindIgnored is the catch-all for event types the bridge does not track.
	KindIgnored EventKind = iota
	// KindMessageMeta carries message metadata (role, error, finish time).
	KindMessageMeta
	// KindPartDelta carries an incremental part update, the streaming hot path.
	KindPartDelta
	// KindSessionError reports a turn-level failure for a session.
	KindSessionError
	// KindSessionIdle signals the session finished its current turn.
	KindSessionIdle
	// KindSessionDeleted signals the session was removed on the backend.
	KindSessionDeleted
)

// Part type tags recognized by the accumulator. Anything else is a no-op.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartTool       = "tool"
	PartStepFinish = "step-finish"
)

// Tool call states as reported by the backend.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Backend error names recognized by the terminal-status mapping.
const (
	ErrNameAborted      = "MessageAbortedError"
	ErrNameOutputLength = "MessageOutputLengthError"
	ErrNameAPI          = "APIError"
)

// Event is the decoded form of one wire event. Exactly the fields matching
// Kind are populated.
type Event struct {
	Kind       EventKind
	Message    *MessageMeta
	Part       *PartDelta
	SessionID  string
	SessionErr *BackendError
}

// MessageMeta mirrors the info payload of a message.updated event.
type MessageMeta struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionID"`
	Role      string        `json:"role"`
	Error     *BackendError `json:"error,omitempty"`
	Time      MessageTime   `json:"time"`
}

// MessageTime carries lifecycle timestamps in unix milliseconds.
// Completed being non-zero is the finish signal.
type MessageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// BackendError is the structured error the backend attaches to messages
// and session.error events.
type BackendError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

// PartDelta pairs one part snapshot with an optional append-only delta.
type PartDelta struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is an atomic unit of streamed generation.
type Part struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState is the tool-call view embedded in a tool part.
type ToolState struct {
	Status string          `json:"status"`
	Title  string          `json:"title,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Time   *ToolTime       `json:"time,omitempty"`
}

// ToolTime carries tool call start/end in unix milliseconds.
type ToolTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type wireEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type sessionProps struct {
	SessionID string        `json:"sessionID"`
	Error     *BackendError `json:"error,omitempty"`
	Info      struct {
		ID string `json:"id"`
	} `json:"info"`
}

// DecodeEvent parses one raw event payload into the closed union.
// Unrecognized event types decode to KindIgnored without error; a decode
// failure on a recognized type is an error so the consumer can count it
// as a malformed event.
func DecodeEvent(data []byte) (Event, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}

	switch we.Type {
	case "message.updated":
		var props struct {
			Info MessageMeta `json:"info"`
		}
		if err := json.Unmarshal(we.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode message.updated: %w", err)
		}
		return Event{Kind: KindMessageMeta, Message: &props.Info}, nil

	case "message.part.updated":
		var pd PartDelta
		if err := json.Unmarshal(we.Properties, &pd); err != nil {
			return Event{}, fmt.Errorf("decode message.part.updated: %w", err)
		}
		return Event{Kind: KindPartDelta, Part: &pd}, nil

	case "session.error":
		var props sessionProps
		if err := json.Unmarshal(we.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode session.error: %w", err)
		}
		return Event{Kind: KindSessionError, SessionID: props.SessionID, SessionErr: props.Error}, nil

	case "session.idle":
		var props sessionProps
		if err := json.Unmarshal(we.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode session.idle: %w", err)
		}
		return Event{Kind: KindSessionIdle, SessionID: props.SessionID}, nil

	case "session.deleted":
		var props sessionProps
		if err := json.Unmarshal(we.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("decode session.deleted: %w", err)
		}
		id := props.Info.ID
		if id == "" {
			id = props.SessionID
		}
		return Event{Kind: KindSessionDeleted, SessionID: id}, nil
	}

	return Event{Kind: KindIgnored}, nil
}
