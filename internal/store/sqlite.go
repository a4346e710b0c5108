package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_cache (
		adapter_key TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (adapter_key, conversation_id)
	);
	CREATE INDEX IF NOT EXISTS idx_session_cache_session ON session_cache(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession returns the cached backend session ID for a conversation.
func (s *SQLiteStore) GetSession(ctx context.Context, adapterKey, conversationID string) (string, error) {
	query := `SELECT session_id FROM session_cache WHERE adapter_key = ? AND conversation_id = ?`

	var sessionID string
	err := s.db.QueryRowContext(ctx, query, adapterKey, conversationID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan session cache row: %w", err)
	}
	return sessionID, nil
}

// PutSession creates or replaces the cache entry for a conversation.
func (s *SQLiteStore) PutSession(ctx context.Context, adapterKey, conversationID, sessionID string) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO session_cache (adapter_key, conversation_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(adapter_key, conversation_id)
		DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`

	return s.execWithRetry(ctx, query, adapterKey, conversationID, sessionID, now, now)
}

// DeleteSession removes the cache entry for a conversation.
func (s *SQLiteStore) DeleteSession(ctx context.Context, adapterKey, conversationID string) error {
	query := `DELETE FROM session_cache WHERE adapter_key = ? AND conversation_id = ?`
	return s.execWithRetry(ctx, query, adapterKey, conversationID)
}

// DeleteBySessionID removes every cache entry pointing at a backend session.
func (s *SQLiteStore) DeleteBySessionID(ctx context.Context, sessionID string) error {
	query := `DELETE FROM session_cache WHERE session_id = ?`
	return s.execWithRetry(ctx, query, sessionID)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execWithRetry retries once on SQLITE_BUSY / "database is locked", which
// can surface under WAL when a checkpoint overlaps a write.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil && isSQLiteConflict(err) {
		time.Sleep(50 * time.Millisecond)
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("exec session cache statement: %w", err)
	}
	return nil
}

func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
