package outbox

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenStoreMemory(t *testing.T) {
	store, err := OpenStore("memory://")
	if err != nil {
		t.Fatalf("open memory store failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*memoryStore); !ok {
		t.Fatalf("expected *memoryStore, got %T", store)
	}
}

func TestOpenStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	store, err := OpenStore("file://" + path)
	if err != nil {
		t.Fatalf("open file store failed: %v", err)
	}
	defer store.Close()
	ps, ok := store.(PathStore)
	if !ok {
		t.Fatalf("expected file store to expose its path, got %T", store)
	}
	if ps.Path() != path {
		t.Fatalf("expected path %q, got %q", path, ps.Path())
	}
}

func TestOpenStoreBarePathSelectsBackendByExtension(t *testing.T) {
	dir := t.TempDir()
	jsonStore, err := OpenStore(filepath.Join(dir, "queue.json"))
	if err != nil {
		t.Fatalf("open bare json path failed: %v", err)
	}
	defer jsonStore.Close()
	if _, ok := jsonStore.(*fileStore); !ok {
		t.Fatalf("expected *fileStore for .json path, got %T", jsonStore)
	}

	dbStore, err := OpenStore(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open bare db path failed: %v", err)
	}
	defer dbStore.Close()
	if _, ok := dbStore.(*SQLiteStore); !ok {
		t.Fatalf("expected *SQLiteStore for .db path, got %T", dbStore)
	}
}

func TestOpenStoreSQLiteScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "outbox.db")
	store, err := OpenStore("sqlite://" + path)
	if err != nil {
		t.Fatalf("open sqlite store failed: %v", err)
	}
	defer store.Close()
	if got := store.(PathStore).Path(); got != path {
		t.Fatalf("expected sqlite path %q, got %q", path, got)
	}
}

func TestOpenStoreRejectsUnsupportedScheme(t *testing.T) {
	if _, err := OpenStore("kafka://localhost:9092"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for kafka, got %v", err)
	}
	if _, err := OpenStore("ftp://example"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := OpenStore("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterStoreFactory(t *testing.T) {
	scheme := "outboxtestcustom"
	RegisterStoreFactory(scheme, func(dsn string) (Store, error) {
		return NewMemoryStore(), nil
	})
	t.Cleanup(func() { unregisterStoreFactory(scheme) })

	store, err := OpenStore(scheme + "://example")
	if err != nil {
		t.Fatalf("open store via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}

func TestRegisteredFactoryOverridesBuiltinScheme(t *testing.T) {
	called := false
	RegisterStoreFactory("REDIS", func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	t.Cleanup(func() { unregisterStoreFactory("redis") })

	if _, err := OpenStore("redis://localhost:6379/0"); err != nil {
		t.Fatalf("open overridden redis scheme failed: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to take precedence over the built-in backend")
	}
}
