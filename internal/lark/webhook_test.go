package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type inboundCall struct {
	ConversationID   string
	Text             string
	InboundMessageID string
	SenderID         string
}

type channelSink struct {
	calls chan inboundCall
}

func newChannelSink() *channelSink {
	return &channelSink{calls: make(chan inboundCall, 8)}
}

func (s *channelSink) OnIncomingMessage(_ context.Context, conversationID, text, inboundMessageID, senderID string) {
	s.calls <- inboundCall{conversationID, text, inboundMessageID, senderID}
}

func postEvent(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/webhook/event", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleEvent_URLVerification(t *testing.T) {
	h := NewWebhookHandler(newChannelSink(), "tok_123")

	rec := postEvent(t, h, `{"type":"url_verification","challenge":"abc","token":"tok_123"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["challenge"] != "abc" {
		t.Errorf("challenge = %q", out["challenge"])
	}
}

func TestHandleEvent_VerificationTokenMismatch(t *testing.T) {
	h := NewWebhookHandler(newChannelSink(), "tok_123")

	rec := postEvent(t, h, `{"type":"url_verification","challenge":"abc","token":"wrong"}`)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

const messageEventBody = `{
	"schema": "2.0",
	"header": {"event_type": "im.message.receive_v1", "token": "tok_123"},
	"event": {
		"sender": {"sender_id": {"open_id": "ou_abc"}},
		"message": {
			"message_id": "om_in_1",
			"chat_id": "oc_chat1",
			"message_type": "text",
			"content": "{\"text\":\"hello bot\"}"
		}
	}
}`

func TestHandleEvent_DispatchesTextMessage(t *testing.T) {
	sink := newChannelSink()
	h := NewWebhookHandler(sink, "tok_123")

	rec := postEvent(t, h, messageEventBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	select {
	case call := <-sink.calls:
		want := inboundCall{"oc_chat1", "hello bot", "om_in_1", "ou_abc"}
		if call != want {
			t.Errorf("dispatched call = %+v, want %+v", call, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the sink")
	}
}

func TestHandleEvent_EventTokenMismatchIsRejected(t *testing.T) {
	sink := newChannelSink()
	h := NewWebhookHandler(sink, "other_token")

	rec := postEvent(t, h, messageEventBody)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	select {
	case call := <-sink.calls:
		t.Fatalf("rejected event dispatched anyway: %+v", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleEvent_NonTextMessagesAreIgnored(t *testing.T) {
	sink := newChannelSink()
	h := NewWebhookHandler(sink, "")

	body := `{
		"header": {"event_type": "im.message.receive_v1"},
		"event": {"message": {"message_id": "om_1", "chat_id": "oc_1",
			"message_type": "image", "content": "{}"}}
	}`
	rec := postEvent(t, h, body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case call := <-sink.calls:
		t.Fatalf("non-text message dispatched: %+v", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleEvent_UnknownEventTypeIsAcknowledged(t *testing.T) {
	sink := newChannelSink()
	h := NewWebhookHandler(sink, "")

	rec := postEvent(t, h, `{"header": {"event_type": "im.chat.updated_v1"}, "event": {}}`)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 ack", rec.Code)
	}
}

func TestHandleEvent_MalformedBody(t *testing.T) {
	h := NewWebhookHandler(newChannelSink(), "")

	rec := postEvent(t, h, `{"header":`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
