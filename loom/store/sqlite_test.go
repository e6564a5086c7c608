package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/emit"
)

func sqliteFactory(t *testing.T) loom.Store {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "loom.db"), loom.NewDesk(), emit.NewNullEmitter())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, sqliteFactory)
}

// Hash portability: the same attribute set must produce the same content
// hash whether it went through the SQL text columns or stayed in memory.
func TestSQLiteHashMatchesMemStore(t *testing.T) {
	attrs := map[string]any{
		"invoice_id": "INV-003",
		"amount":     1500,
		"flags":      []any{"expedite", "review"},
		"meta":       map[string]any{"source": "api", "retries": 0},
	}

	memF := deployGraph(t, memFactory(t))
	sqlF := deployGraph(t, sqliteFactory(t))

	mu := memF.createUOW(t, attrs)
	su := sqlF.createUOW(t, attrs)

	got, _, err := sqlF.store.GetUOW(context.Background(), su.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if got.ContentHash != mu.ContentHash {
		t.Errorf("hash differs across backends: sqlite %s vs memory %s", got.ContentHash, mu.ContentHash)
	}
	if got.ContentHash == "" {
		t.Error("empty content hash")
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")

	st, err := NewSQLiteStore(path, loom.NewDesk(), emit.NewNullEmitter())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	f := deployGraph(t, st)
	u := f.createUOW(t, map[string]any{"amount": 42})
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := NewSQLiteStore(path, loom.NewDesk(), emit.NewNullEmitter())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st2.Close() }()

	got, attrs, err := st2.GetUOW(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUOW after reopen: %v", err)
	}
	if got.ContentHash != u.ContentHash {
		t.Errorf("hash changed across reopen: %s vs %s", got.ContentHash, u.ContentHash)
	}
	if v, _ := toInt(attrs["amount"]); v != 42 {
		t.Errorf("amount = %v, want 42", attrs["amount"])
	}

	if _, _, err := st2.GetUOW(context.Background(), "missing"); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("GetUOW(missing) = %v, want ErrNotFound", err)
	}
}
