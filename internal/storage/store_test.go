package storage_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/yuzai/internal/extension"
	"github.com/basket/yuzai/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "data", "yuzai.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_ConfiguresWAL(t *testing.T) {
	store := openTestStore(t)
	if got := queryOneString(t, store.DB(), "PRAGMA journal_mode;"); got != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", got)
	}
}

func TestSetGetDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "note", "alice"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "note", "alice", "buy milk"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "note", "alice", "buy oat milk"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	val, ok, err := store.Get(ctx, "note", "alice")
	if err != nil || !ok || val != "buy oat milk" {
		t.Fatalf("Get = %q, %v, %v", val, ok, err)
	}
	if _, ok, _ := store.Get(ctx, "other", "alice"); ok {
		t.Fatal("namespaces must be isolated")
	}

	deleted, err := store.Delete(ctx, "note", "alice")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if deleted, _ := store.Delete(ctx, "note", "alice"); deleted {
		t.Fatal("second delete should report no row")
	}
}

func TestKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"b", "a", "c"} {
		if err := store.Set(ctx, "ns", k, "v"); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := store.Keys(ctx, "ns")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestConcurrentWrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Set(ctx, "ns", string(rune('a'+i)), "v"); err != nil {
				t.Errorf("Set: %v", err)
			}
		}(i)
	}
	wg.Wait()
	keys, _ := store.Keys(ctx, "ns")
	if len(keys) != 10 {
		t.Fatalf("expected 10 keys, got %d", len(keys))
	}
}

func TestExtensionFactory(t *testing.T) {
	root := t.TempDir()
	l := extension.New(extension.Config{
		Dir:    filepath.Join(root, "extensions"),
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	l.Register(storage.ExtensionName, storage.Extension(filepath.Join(root, "kv.db")))

	store, err := extension.Get[*storage.Store](context.Background(), l, storage.ExtensionName)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := store.Set(context.Background(), "ns", "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
