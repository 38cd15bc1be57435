package session

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestSession(t *testing.T) *Session {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchemaVersionsTable(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()
	_, ok, err := s.GetTableSchemaVersion(ctx, "widgets")
	if err != nil {
		t.Fatalf("GetTableSchemaVersion: %v", err)
	}
	if ok {
		t.Fatalf("expected no recorded schema_version for a fresh table")
	}
}

func TestSetAndGetTableSchemaVersion(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()
	if err := s.SetTableSchemaVersion(ctx, "widgets", 3); err != nil {
		t.Fatalf("SetTableSchemaVersion: %v", err)
	}
	v, ok, err := s.GetTableSchemaVersion(ctx, "widgets")
	if err != nil {
		t.Fatalf("GetTableSchemaVersion: %v", err)
	}
	if !ok || v != 3 {
		t.Fatalf("expected (3, true), got (%d, %v)", v, ok)
	}
	if err := s.SetTableSchemaVersion(ctx, "widgets", 4); err != nil {
		t.Fatalf("SetTableSchemaVersion overwrite: %v", err)
	}
	v, _, _ = s.GetTableSchemaVersion(ctx, "widgets")
	if v != 4 {
		t.Fatalf("expected overwrite to 4, got %d", v)
	}
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()
	err := s.WithTransaction(ctx, "tx-1", func(tx *Session) error {
		if !tx.InTransaction() {
			t.Fatalf("expected transactional session")
		}
		return tx.SetTableSchemaVersion(ctx, "gadgets", 1)
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	v, ok, _ := s.GetTableSchemaVersion(ctx, "gadgets")
	if !ok || v != 1 {
		t.Fatalf("expected committed write visible, got (%d,%v)", v, ok)
	}
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()
	sentinel := perrSentinel{}
	err := s.WithTransaction(ctx, "tx-2", func(tx *Session) error {
		if err := tx.SetTableSchemaVersion(ctx, "gizmos", 1); err != nil {
			t.Fatalf("SetTableSchemaVersion: %v", err)
		}
		return sentinel
	})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	_, ok, _ := s.GetTableSchemaVersion(ctx, "gizmos")
	if ok {
		t.Fatalf("expected rolled-back write to not be visible")
	}
}

type perrSentinel struct{}

func (perrSentinel) Error() string { return "sentinel failure" }
