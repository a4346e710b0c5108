package lark

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// InboundSink receives decoded user messages from the transport.
type InboundSink interface {
	OnIncomingMessage(ctx context.Context, conversationID, text, inboundMessageID, senderID string)
}

// WebhookHandler serves the Lark event subscription endpoint: the
// url_verification challenge handshake plus im.message.receive_v1 events.
type WebhookHandler struct {
	sink        InboundSink
	verifyToken string
}

// NewWebhookHandler creates a webhook handler dispatching into sink.
func NewWebhookHandler(sink InboundSink, verifyToken string) *WebhookHandler {
	return &WebhookHandler{sink: sink, verifyToken: verifyToken}
}

// RegisterRoutes registers the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/event", h.HandleEvent)
}

// eventEnvelope covers both the verification handshake and schema 2.0
// event pushes in one decode.
type eventEnvelope struct {
	// Verification handshake fields.
	Type      string `json:"type,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`

	// Schema 2.0 event fields.
	Schema string `json:"schema,omitempty"`
	Header struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

type messageReceiveEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

// HandleEvent handles POST /webhook/event.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if env.Type == "url_verification" {
		if h.verifyToken != "" && env.Token != h.verifyToken {
			http.Error(w, `{"error": "token mismatch"}`, http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]string{"challenge": env.Challenge})
		return
	}

	if h.verifyToken != "" && env.Header.Token != h.verifyToken {
		http.Error(w, `{"error": "token mismatch"}`, http.StatusForbidden)
		return
	}

	if env.Header.EventType == "im.message.receive_v1" {
		h.dispatchMessage(env.Event)
	}

	// Always acknowledge promptly; Lark re-delivers on slow responses,
	// which the duplicate guard then has to absorb.
	writeJSON(w, map[string]int{"code": 0})
}

func (h *WebhookHandler) dispatchMessage(raw json.RawMessage) {
	var evt messageReceiveEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		slog.Warn("failed to decode message event", "error", err)
		return
	}
	if evt.Message.MessageType != "text" {
		slog.Debug("ignoring non-text message", "message_type", evt.Message.MessageType)
		return
	}

	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(evt.Message.Content), &content); err != nil {
		slog.Warn("failed to decode message content", "error", err)
		return
	}

	// Dispatch off the HTTP goroutine so the acknowledgement is not held
	// up by session acquisition.
	go h.sink.OnIncomingMessage(
		context.Background(),
		evt.Message.ChatID,
		content.Text,
		evt.Message.MessageID,
		evt.Sender.SenderID.OpenID,
	)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write webhook response", "error", err)
	}
}
