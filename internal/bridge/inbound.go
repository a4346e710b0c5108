package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/opencode"
)

// pingReply is the fixed acknowledgement for liveness checks; it never
// touches the AI backend.
const pingReply = "pong"

// sessionLostReply is surfaced when a cached session turned out stale and
// was evicted.
const sessionLostReply = "The previous session is gone. Send your message again to start a fresh one."

// PromptBackend is the prompting half of the AI backend.
type PromptBackend interface {
	Prompt(ctx context.Context, sessionID, text string) error
}

// Inbound handles user messages arriving from the chat transport. It runs
// on the transport's goroutines and touches only its own guard, the
// router's locked maps, and the transport: never the buffer store.
type Inbound struct {
	router     *Router
	guard      *DedupeGuard
	transport  Transport
	backend    PromptBackend
	adapterKey string
}

// NewInbound creates the inbound handler for one chat adapter.
func NewInbound(router *Router, guard *DedupeGuard, transport Transport, backend PromptBackend, adapterKey string) *Inbound {
	return &Inbound{
		router:     router,
		guard:      guard,
		transport:  transport,
		backend:    backend,
		adapterKey: adapterKey,
	}
}

// OnIncomingMessage processes one inbound user message. Re-deliveries of
// the same inbound message ID are absorbed by the duplicate guard; "ping"
// replies immediately without involving the backend; everything else is
// forwarded as a prompt on the conversation's session.
func (h *Inbound) OnIncomingMessage(ctx context.Context, conversationID, text, inboundMessageID, senderID string) {
	if inboundMessageID != "" && h.guard.Seen(inboundMessageID) {
		slog.Debug("duplicate inbound message dropped",
			"inbound_message_id", inboundMessageID,
			"conversation_id", conversationID,
		)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if strings.EqualFold(text, "ping") {
		if _, err := h.transport.SendMessage(ctx, conversationID, pingReply); err != nil {
			slog.Warn("failed to send ping reply", "conversation_id", conversationID, "error", err)
		}
		return
	}

	sessionID, err := h.router.AcquireSession(ctx, h.adapterKey, conversationID)
	if err != nil {
		slog.Error("failed to acquire session", "conversation_id", conversationID, "error", err)
		h.replyError(ctx, conversationID, "Could not reach the AI backend. Please try again.")
		return
	}

	h.router.Bind(sessionID, &SessionContext{
		SessionID:      sessionID,
		ConversationID: conversationID,
		AdapterKey:     h.adapterKey,
		RequesterID:    senderID,
	})

	slog.Info("forwarding prompt",
		"session_id", sessionID,
		"conversation_id", conversationID,
		"sender_id", senderID,
		"text_len", len(text),
	)

	// The prompt call blocks for the whole generation turn; the answer
	// streams back through the event feed, so nothing waits on it here.
	go func() {
		if err := h.backend.Prompt(context.WithoutCancel(ctx), sessionID, text); err != nil {
			if errors.Is(err, opencode.ErrSessionNotFound) {
				slog.Warn("cached session rejected by backend, evicting",
					"session_id", sessionID,
					"conversation_id", conversationID,
				)
				h.router.EvictSession(context.WithoutCancel(ctx), h.adapterKey, conversationID)
				h.replyError(context.WithoutCancel(ctx), conversationID, sessionLostReply)
				return
			}
			slog.Error("prompt failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (h *Inbound) replyError(ctx context.Context, conversationID, text string) {
	if _, err := h.transport.SendMessage(ctx, conversationID, text); err != nil {
		slog.Warn("failed to send error reply", "conversation_id", conversationID, "error", err)
	}
}
