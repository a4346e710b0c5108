package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/opencode"
)

type fakePromptBackend struct {
	mu      sync.Mutex
	err     error
	prompts chan string
}

func newFakePromptBackend() *fakePromptBackend {
	return &fakePromptBackend{prompts: make(chan string, 8)}
}

func (b *fakePromptBackend) Prompt(_ context.Context, _, text string) error {
	b.prompts <- text
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func newTestInbound(ft *fakeTransport, backend *fakePromptBackend) *Inbound {
	router := NewRouter(&fakeSessionBackend{}, nil)
	guard := NewDedupeGuard(100)
	return NewInbound(router, guard, ft, backend, "lark")
}

func waitPrompt(t *testing.T, backend *fakePromptBackend) string {
	t.Helper()
	select {
	case text := <-backend.prompts:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never reached the backend")
		return ""
	}
}

func assertNoPrompt(t *testing.T, backend *fakePromptBackend) {
	t.Helper()
	select {
	case text := <-backend.prompts:
		t.Fatalf("unexpected prompt %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnIncomingMessage_ForwardsPrompt(t *testing.T) {
	ft := &fakeTransport{}
	backend := newFakePromptBackend()
	h := newTestInbound(ft, backend)

	h.OnIncomingMessage(context.Background(), "chat1", "  hello there  ", "om_in_1", "user1")

	if got := waitPrompt(t, backend); got != "hello there" {
		t.Errorf("prompt = %q, want trimmed text", got)
	}
	if h.router.Resolve("s1") == nil {
		t.Error("session context not bound after prompt")
	}
}

func TestOnIncomingMessage_DuplicateDeliveryPromptsOnce(t *testing.T) {
	ft := &fakeTransport{}
	backend := newFakePromptBackend()
	h := newTestInbound(ft, backend)

	h.OnIncomingMessage(context.Background(), "chat1", "hello", "om_in_1", "user1")
	h.OnIncomingMessage(context.Background(), "chat1", "hello", "om_in_1", "user1")

	waitPrompt(t, backend)
	assertNoPrompt(t, backend)
}

func TestOnIncomingMessage_PingBypassesBackend(t *testing.T) {
	ft := &fakeTransport{}
	backend := newFakePromptBackend()
	h := newTestInbound(ft, backend)

	h.OnIncomingMessage(context.Background(), "chat1", "PING", "om_in_1", "user1")

	if ft.sendCount() != 1 || ft.lastWrite() != pingReply {
		t.Errorf("ping reply: sends=%d last=%q", ft.sendCount(), ft.lastWrite())
	}
	assertNoPrompt(t, backend)
}

func TestOnIncomingMessage_EmptyTextIsDropped(t *testing.T) {
	ft := &fakeTransport{}
	backend := newFakePromptBackend()
	h := newTestInbound(ft, backend)

	h.OnIncomingMessage(context.Background(), "chat1", "   \n  ", "om_in_1", "user1")

	if ft.sendCount() != 0 {
		t.Error("blank message produced a reply")
	}
	assertNoPrompt(t, backend)
}

func TestOnIncomingMessage_StaleSessionEvictedWithReply(t *testing.T) {
	ft := &fakeTransport{notify: make(chan string, 8)}
	backend := newFakePromptBackend()
	backend.err = opencode.ErrSessionNotFound
	h := newTestInbound(ft, backend)

	h.OnIncomingMessage(context.Background(), "chat1", "hello", "om_in_1", "user1")
	waitPrompt(t, backend)

	select {
	case reply := <-ft.notify:
		if reply != sessionLostReply {
			t.Errorf("reply = %q, want session-lost notice", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply after stale session")
	}

	// The stale entry is gone: the next message creates a fresh session.
	backend.mu.Lock()
	backend.err = nil
	backend.mu.Unlock()
	h.OnIncomingMessage(context.Background(), "chat1", "try again", "om_in_2", "user1")
	waitPrompt(t, backend)

	sb := h.router.backend.(*fakeSessionBackend)
	sb.mu.Lock()
	created := sb.created
	sb.mu.Unlock()
	if created != 2 {
		t.Errorf("backend sessions created = %d, want 2", created)
	}
}

func TestOnIncomingMessage_SessionFailureGetsErrorReply(t *testing.T) {
	ft := &fakeTransport{}
	backend := newFakePromptBackend()
	h := newTestInbound(ft, backend)
	h.router.backend.(*fakeSessionBackend).err = context.DeadlineExceeded

	h.OnIncomingMessage(context.Background(), "chat1", "hello", "om_in_1", "user1")

	if ft.sendCount() != 1 {
		t.Errorf("error reply sends = %d, want 1", ft.sendCount())
	}
	assertNoPrompt(t, backend)
}
