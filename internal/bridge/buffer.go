// Package bridge implements the stream-to-chat synchronization engine:
// the event consumer, session router, per-message accumulation state
// machine, and the throttled flush scheduler.
package bridge

import (
	"encoding/json"
	"time"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/opencode"
)

// Status is the lifecycle state of a message buffer.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

// ToolView accumulates the state of one tool call inside a message.
type ToolView struct {
	CallID       string
	Name         string
	Status       string
	Title        string
	Input        json.RawMessage
	Output       string
	ErrorMessage string
	Start        time.Time
	End          time.Time
}

// Buffer is the accumulation record for one AI message. AnswerText and
// ReasoningText only ever grow: deltas append, snapshots replace only when
// strictly longer. All mutation happens on the consumer's dispatch
// goroutine, so Buffer carries no lock.
type Buffer struct {
	MessageID         string
	SessionID         string
	PlatformMessageID string
	AnswerText        string
	ReasoningText     string
	Tools             map[string]*ToolView
	ToolOrder         []string
	LastFlush         time.Time
	LastHash          string
	Status            Status
	StatusNote        string
}

// HasContent reports whether there is anything worth showing yet.
func (b *Buffer) HasContent() bool {
	return b.AnswerText != "" || b.ReasoningText != "" || len(b.Tools) > 0
}

// MarkDone moves a still-streaming buffer to done. Terminal statuses
// reached earlier (aborted, error) are never overwritten by completion
// signals; repeated terminal signals are idempotent.
func (b *Buffer) MarkDone() {
	if b.Status == StatusStreaming {
		b.Status = StatusDone
	}
}

// MarkFailure records a terminal failure. The first failure wins; a later
// failure for an already aborted/errored buffer does not reclassify it.
// A failure does override done, since error/abort dominates completion.
func (b *Buffer) MarkFailure(status Status, note string) {
	if b.Status == StatusAborted || b.Status == StatusError {
		return
	}
	b.Status = status
	b.StatusNote = note
}

// BufferStore owns all live message buffers. It is accessed only from the
// consumer's single dispatch goroutine, so it needs no lock.
type BufferStore struct {
	bufs map[string]*Buffer
}

// NewBufferStore creates an empty buffer store.
func NewBufferStore() *BufferStore {
	return &BufferStore{bufs: make(map[string]*Buffer)}
}

// Get returns the buffer for a message ID, or nil.
func (s *BufferStore) Get(messageID string) *Buffer {
	return s.bufs[messageID]
}

// GetOrInit returns the buffer for a message ID, creating a streaming one
// bound to the session if absent.
func (s *BufferStore) GetOrInit(sessionID, messageID string) *Buffer {
	if buf, ok := s.bufs[messageID]; ok {
		return buf
	}
	buf := &Buffer{
		MessageID: messageID,
		SessionID: sessionID,
		Tools:     make(map[string]*ToolView),
		Status:    StatusStreaming,
	}
	s.bufs[messageID] = buf
	return buf
}

// Remove drops the buffer for a message ID.
func (s *BufferStore) Remove(messageID string) {
	delete(s.bufs, messageID)
}

// All returns every live buffer.
func (s *BufferStore) All() []*Buffer {
	out := make([]*Buffer, 0, len(s.bufs))
	for _, buf := range s.bufs {
		out = append(out, buf)
	}
	return out
}

// BySession returns every live buffer belonging to a session.
func (s *BufferStore) BySession(sessionID string) []*Buffer {
	var out []*Buffer
	for _, buf := range s.bufs {
		if buf.SessionID == sessionID {
			out = append(out, buf)
		}
	}
	return out
}

// Apply folds one part update into the buffer. Text and reasoning parts
// follow delta-append with snapshot-replaces-if-longer, tolerating backends
// that alternate delta and snapshot delivery. Tool parts merge into the
// call's view with forward-only status. Unknown part kinds are no-ops.
func Apply(buf *Buffer, part opencode.Part, delta string) {
	switch part.Type {
	case opencode.PartText:
		buf.AnswerText = growText(buf.AnswerText, part.Text, delta)
	case opencode.PartReasoning:
		buf.ReasoningText = growText(buf.ReasoningText, part.Text, delta)
	case opencode.PartTool:
		applyTool(buf, part)
	case opencode.PartStepFinish:
		buf.MarkDone()
	}
}

// growText implements the append-only accumulation rule: a non-empty delta
// appends; otherwise a full snapshot replaces only if strictly longer, so
// replayed or stale snapshots never regress accumulated content.
func growText(current, snapshot, delta string) string {
	if delta != "" {
		return current + delta
	}
	if len(snapshot) > len(current) {
		return snapshot
	}
	return current
}

func applyTool(buf *Buffer, part opencode.Part) {
	if part.CallID == "" || part.State == nil {
		return
	}

	view, ok := buf.Tools[part.CallID]
	if !ok {
		view = &ToolView{CallID: part.CallID, Status: opencode.ToolPending}
		buf.Tools[part.CallID] = view
		buf.ToolOrder = append(buf.ToolOrder, part.CallID)
	}

	state := part.State
	if part.Tool != "" {
		view.Name = part.Tool
	}
	// Status never regresses out of a terminal state; a stale pending or
	// running snapshot after completion only refreshes auxiliary fields.
	if toolStatusRank(state.Status) >= toolStatusRank(view.Status) {
		view.Status = state.Status
	}
	if len(state.Input) > 0 {
		view.Input = state.Input
	}

	switch state.Status {
	case opencode.ToolRunning:
		if state.Title != "" {
			view.Title = state.Title
		}
		if state.Time != nil && state.Time.Start != 0 {
			view.Start = time.UnixMilli(state.Time.Start)
		}
	case opencode.ToolCompleted:
		view.Title = state.Title
		view.Output = state.Output
		adoptToolTimes(view, state.Time)
	case opencode.ToolError:
		view.ErrorMessage = state.Error
		adoptToolTimes(view, state.Time)
	}
}

func adoptToolTimes(view *ToolView, t *opencode.ToolTime) {
	if t == nil {
		return
	}
	if t.Start != 0 {
		view.Start = time.UnixMilli(t.Start)
	}
	if t.End != 0 {
		view.End = time.UnixMilli(t.End)
	}
}

func toolStatusRank(status string) int {
	switch status {
	case opencode.ToolPending:
		return 0
	case opencode.ToolRunning:
		return 1
	case opencode.ToolCompleted, opencode.ToolError:
		return 2
	default:
		return 0
	}
}

// OrderedTools returns the buffer's tool views in first-seen order.
func (b *Buffer) OrderedTools() []*ToolView {
	out := make([]*ToolView, 0, len(b.ToolOrder))
	for _, callID := range b.ToolOrder {
		if view, ok := b.Tools[callID]; ok {
			out = append(out, view)
		}
	}
	return out
}
