package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/render"
)

// Transport is the edit-capable chat surface the scheduler writes to.
// Implementations live per platform; content is the rendered markdown
// document, which card-capable transports may reshape.
type Transport interface {
	// SendMessage creates a new chat message and returns its platform ID.
	SendMessage(ctx context.Context, conversationID, content string) (string, error)
	// EditMessage replaces the content of an existing chat message.
	EditMessage(ctx context.Context, conversationID, messageID, content string) error
}

// writeOutcome classifies one transport write attempt so the retry policy
// stays explicit instead of hiding in catch-all error handling.
type writeOutcome int

const (
	writeOK writeOutcome = iota
	writeRetryable
	writeFatal
)

// Scheduler decides when a buffer's state is written to the chat surface.
// Flushes are throttled to one edit per interval per message, and writes
// whose rendered content hash matches the previous flush are suppressed:
// redundant edits violate the surface's rate-limit contract, they are not
// merely wasteful.
type Scheduler struct {
	transport  Transport
	interval   time.Duration
	retryDelay time.Duration

	// Injection points for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewScheduler creates a scheduler. interval is the minimum spacing
// between unforced flushes of one buffer; retryDelay is the pause before
// the single edit retry.
func NewScheduler(transport Transport, interval, retryDelay time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 900 * time.Millisecond
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &Scheduler{
		transport:  transport,
		interval:   interval,
		retryDelay: retryDelay,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// MaybeFlush renders the buffer and writes it to the chat surface if due.
// Called only from the consumer's dispatch goroutine, so writes to one
// platform message are serialized: the next event for a buffer is not
// processed until this attempt has been issued and returned.
func (s *Scheduler) MaybeFlush(ctx context.Context, buf *Buffer, sctx *SessionContext, force bool) {
	if sctx == nil || !buf.HasContent() {
		return
	}

	due := force ||
		buf.PlatformMessageID == "" ||
		s.now().Sub(buf.LastFlush) > s.interval
	if !due {
		return
	}

	content := render.Render(bufferView(buf))
	hash := contentHash(content)
	if !force && hash == buf.LastHash {
		return
	}

	if buf.PlatformMessageID == "" {
		messageID, err := s.transport.SendMessage(ctx, sctx.ConversationID, content)
		if err != nil {
			slog.Warn("failed to create chat message",
				"conversation_id", sctx.ConversationID,
				"message_id", buf.MessageID,
				"error", err,
			)
			return
		}
		buf.PlatformMessageID = messageID
		buf.LastHash = hash
		buf.LastFlush = s.now()
		return
	}

	switch s.editWithRetry(ctx, sctx.ConversationID, buf.PlatformMessageID, content) {
	case writeOK:
		buf.LastHash = hash
		buf.LastFlush = s.now()
	case writeRetryable:
		// Swallowed: the next due flush supersedes this content anyway.
		buf.LastFlush = s.now()
	case writeFatal:
	}
}

// editWithRetry issues the edit, retrying exactly once after a short delay.
func (s *Scheduler) editWithRetry(ctx context.Context, conversationID, messageID, content string) writeOutcome {
	outcome := s.editOnce(ctx, conversationID, messageID, content)
	if outcome != writeRetryable {
		return outcome
	}

	s.sleep(s.retryDelay)
	outcome = s.editOnce(ctx, conversationID, messageID, content)
	if outcome == writeRetryable {
		slog.Warn("edit retry failed, dropping update",
			"conversation_id", conversationID,
			"platform_message_id", messageID,
		)
	}
	return outcome
}

func (s *Scheduler) editOnce(ctx context.Context, conversationID, messageID, content string) writeOutcome {
	err := s.transport.EditMessage(ctx, conversationID, messageID, content)
	switch {
	case err == nil:
		return writeOK
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return writeFatal
	default:
		slog.Debug("edit attempt failed",
			"conversation_id", conversationID,
			"platform_message_id", messageID,
			"error", err,
		)
		return writeRetryable
	}
}

// bufferView projects the buffer onto the renderer's input type.
func bufferView(buf *Buffer) render.Message {
	msg := render.Message{
		Answer:    buf.AnswerText,
		Reasoning: buf.ReasoningText,
		Status:    string(buf.Status),
		Note:      buf.StatusNote,
	}
	for _, view := range buf.OrderedTools() {
		msg.Tools = append(msg.Tools, render.Tool{
			Name:   view.Name,
			Status: view.Status,
			Title:  view.Title,
			Input:  rawToString(view.Input),
			Output: view.Output,
			Error:  view.ErrorMessage,
		})
	}
	return msg
}

func rawToString(raw json.RawMessage) string {
	return string(raw)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
