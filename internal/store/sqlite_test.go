package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return repo
}

func TestSQLiteStore_PutGetDelete(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetSession(ctx, "lark", "chat1")
	if err != nil {
		t.Fatalf("GetSession on empty store: %v", err)
	}
	if got != "" {
		t.Errorf("empty store returned %q", got)
	}

	if err := repo.PutSession(ctx, "lark", "chat1", "ses_1"); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	got, err = repo.GetSession(ctx, "lark", "chat1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != "ses_1" {
		t.Errorf("GetSession = %q, want ses_1", got)
	}

	if err := repo.DeleteSession(ctx, "lark", "chat1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, _ = repo.GetSession(ctx, "lark", "chat1")
	if got != "" {
		t.Errorf("entry survived delete: %q", got)
	}
}

func TestSQLiteStore_PutReplacesExisting(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.PutSession(ctx, "lark", "chat1", "ses_old"); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutSession(ctx, "lark", "chat1", "ses_new"); err != nil {
		t.Fatalf("PutSession replace: %v", err)
	}

	got, err := repo.GetSession(ctx, "lark", "chat1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ses_new" {
		t.Errorf("GetSession = %q, want ses_new", got)
	}
}

func TestSQLiteStore_AdapterKeysAreIsolated(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.PutSession(ctx, "lark", "chat1", "ses_lark"); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutSession(ctx, "slack", "chat1", "ses_slack"); err != nil {
		t.Fatal(err)
	}

	got, _ := repo.GetSession(ctx, "lark", "chat1")
	if got != "ses_lark" {
		t.Errorf("lark entry = %q", got)
	}
	got, _ = repo.GetSession(ctx, "slack", "chat1")
	if got != "ses_slack" {
		t.Errorf("slack entry = %q", got)
	}
}

func TestSQLiteStore_DeleteBySessionID(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.PutSession(ctx, "lark", "chat1", "ses_1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutSession(ctx, "lark", "chat2", "ses_1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutSession(ctx, "lark", "chat3", "ses_2"); err != nil {
		t.Fatal(err)
	}

	if err := repo.DeleteBySessionID(ctx, "ses_1"); err != nil {
		t.Fatalf("DeleteBySessionID: %v", err)
	}

	for _, conv := range []string{"chat1", "chat2"} {
		if got, _ := repo.GetSession(ctx, "lark", conv); got != "" {
			t.Errorf("%s still maps to %q", conv, got)
		}
	}
	if got, _ := repo.GetSession(ctx, "lark", "chat3"); got != "ses_2" {
		t.Errorf("unrelated entry lost: %q", got)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	repo := newTestStore(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestIsSQLiteConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errString("SQLITE_BUSY: database is busy"), true},
		{"locked", errString("database is locked"), true},
		{"other", errString("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteConflict(tt.err); got != tt.want {
				t.Errorf("isSQLiteConflict = %v, want %v", got, tt.want)
			}
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }
