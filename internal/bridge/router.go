package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/store"
)

// SessionContext ties a backend session to the chat context that
// originated it.
type SessionContext struct {
	SessionID      string
	ConversationID string
	AdapterKey     string
	RequesterID    string
}

// SessionBackend is the slice of the AI backend the router needs.
type SessionBackend interface {
	CreateSession(ctx context.Context, title string) (string, error)
}

// Router owns the session-to-chat mapping and the conversation-continuity
// cache. The in-memory cache is written through to the repository so
// continuity survives restarts. Inbound handlers and the consumer both
// touch the router, so its maps are mutex-guarded.
type Router struct {
	backend SessionBackend
	repo    store.Repository

	mu        sync.RWMutex
	bySession map[string]*SessionContext
	cache     map[string]string // adapterKey + "\x00" + conversationID -> sessionID
	active    map[string]string // sessionID -> active assistant message ID
}

// NewRouter creates a router. repo may be nil, in which case the cache is
// memory-only.
func NewRouter(backend SessionBackend, repo store.Repository) *Router {
	return &Router{
		backend:   backend,
		repo:      repo,
		bySession: make(map[string]*SessionContext),
		cache:     make(map[string]string),
		active:    make(map[string]string),
	}
}

func cacheKey(adapterKey, conversationID string) string {
	return adapterKey + "\x00" + conversationID
}

// Resolve returns the chat context for a session, or nil when the session
// is not tracked by this bridge.
func (r *Router) Resolve(sessionID string) *SessionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySession[sessionID]
}

// Bind registers the chat context for a session.
func (r *Router) Bind(sessionID string, sctx *SessionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = sctx
}

// Remove forgets a session entirely: its context, its active-message
// pointer, and any cache entries pointing at it.
func (r *Router) Remove(ctx context.Context, sessionID string) {
	r.mu.Lock()
	delete(r.bySession, sessionID)
	delete(r.active, sessionID)
	for key, cached := range r.cache {
		if cached == sessionID {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.DeleteBySessionID(ctx, sessionID); err != nil {
			slog.Warn("failed to delete session cache rows", "session_id", sessionID, "error", err)
		}
	}
}

// AcquireSession returns the backend session for a conversation, creating
// one if neither the in-memory cache nor the repository has it.
func (r *Router) AcquireSession(ctx context.Context, adapterKey, conversationID string) (string, error) {
	key := cacheKey(adapterKey, conversationID)

	r.mu.RLock()
	sessionID := r.cache[key]
	r.mu.RUnlock()
	if sessionID != "" {
		return sessionID, nil
	}

	if r.repo != nil {
		stored, err := r.repo.GetSession(ctx, adapterKey, conversationID)
		if err != nil {
			slog.Warn("session cache lookup failed", "conversation_id", conversationID, "error", err)
		} else if stored != "" {
			r.mu.Lock()
			r.cache[key] = stored
			r.mu.Unlock()
			return stored, nil
		}
	}

	sessionID, err := r.backend.CreateSession(ctx, "Chat with "+conversationID)
	if err != nil {
		return "", fmt.Errorf("create backend session: %w", err)
	}

	r.mu.Lock()
	r.cache[key] = sessionID
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.PutSession(ctx, adapterKey, conversationID, sessionID); err != nil {
			slog.Warn("failed to persist session cache entry", "conversation_id", conversationID, "error", err)
		}
	}

	slog.Info("created backend session", "session_id", sessionID, "conversation_id", conversationID)
	return sessionID, nil
}

// EvictSession drops the cache entry for a conversation so the next
// message creates a fresh session. Called on a backend "not found": a
// stale identifier would otherwise cause silent prompt failures.
func (r *Router) EvictSession(ctx context.Context, adapterKey, conversationID string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(adapterKey, conversationID))
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.DeleteSession(ctx, adapterKey, conversationID); err != nil {
			slog.Warn("failed to evict persisted session cache entry", "conversation_id", conversationID, "error", err)
		}
	}
}

// ActiveMessage returns the session's active assistant message ID, or "".
func (r *Router) ActiveMessage(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[sessionID]
}

// SetActiveMessage binds the session's active assistant message and
// returns the previously active one ("" if none or unchanged).
func (r *Router) SetActiveMessage(sessionID, messageID string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.active[sessionID]
	r.active[sessionID] = messageID
	if previous == messageID {
		return ""
	}
	return previous
}
