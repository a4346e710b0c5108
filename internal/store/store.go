// Package store provides the persisted session-cache repository: the
// (adapter, conversation) -> backend session mapping that gives chat
// conversations continuity across bridge restarts.
package store

import "context"

// Repository persists the conversation-to-session cache.
type Repository interface {
	// GetSession returns the cached backend session ID for a conversation,
	// or "" when none is cached.
	GetSession(ctx context.Context, adapterKey, conversationID string) (string, error)

	// PutSession creates or replaces the cache entry for a conversation.
	PutSession(ctx context.Context, adapterKey, conversationID, sessionID string) error

	// DeleteSession removes the cache entry for a conversation. Deleting an
	// absent entry is not an error.
	DeleteSession(ctx context.Context, adapterKey, conversationID string) error

	// DeleteBySessionID removes every cache entry pointing at a backend
	// session, used when the backend reports the session deleted.
	DeleteBySessionID(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
