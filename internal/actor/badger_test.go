package actor

import (
	"context"
	"errors"
	"testing"
)

func openTestStorage(t *testing.T) *BadgerStorage {
	t.Helper()
	storage, err := OpenBadger(InMemoryBadgerConfig())
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestStoreRoundTrip(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	store, err := storage.ForActor("doc", "project-1")
	if err != nil {
		t.Fatalf("failed to scope store: %v", err)
	}

	if _, err := store.Get(ctx, "snapshot"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	if err := store.Put(ctx, "snapshot", []byte("payload")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	value, err := store.Get(ctx, "snapshot")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != "payload" {
		t.Fatalf("unexpected value %q", value)
	}

	if err := store.Delete(ctx, "snapshot"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "snapshot"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}

	// deleting an absent key is a no-op.
	if err := store.Delete(ctx, "snapshot"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
}

func TestStoresAreNamespaced(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	first, err := storage.ForActor("doc", "project-1")
	if err != nil {
		t.Fatalf("failed to scope store: %v", err)
	}
	second, err := storage.ForActor("doc", "project-2")
	if err != nil {
		t.Fatalf("failed to scope store: %v", err)
	}

	if err := first.Put(ctx, "snapshot", []byte("one")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := second.Get(ctx, "snapshot"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected namespace isolation, got %v", err)
	}
}

func TestListReturnsKeysWithinNamespace(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	store, err := storage.ForActor("presence", "user-1")
	if err != nil {
		t.Fatalf("failed to scope store: %v", err)
	}
	other, err := storage.ForActor("presence", "user-2")
	if err != nil {
		t.Fatalf("failed to scope store: %v", err)
	}

	entries := map[string]string{
		"pending":       "queue",
		"last_active_s": "100",
		"alarm_s":       "200",
	}
	for key, value := range entries {
		if err := store.Put(ctx, key, []byte(value)); err != nil {
			t.Fatalf("put %s failed: %v", key, err)
		}
	}
	if err := other.Put(ctx, "pending", []byte("elsewhere")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	listed, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != len(entries) {
		t.Fatalf("expected %d keys, got %d: %#v", len(entries), len(listed), listed)
	}
	for key, value := range entries {
		if string(listed[key]) != value {
			t.Fatalf("key %s: expected %q, got %q", key, value, listed[key])
		}
	}

	prefixed, err := store.List(ctx, "last_")
	if err != nil {
		t.Fatalf("prefixed list failed: %v", err)
	}
	if len(prefixed) != 1 || string(prefixed["last_active_s"]) != "100" {
		t.Fatalf("unexpected prefixed listing %#v", prefixed)
	}
}

func TestForActorValidatesNamespace(t *testing.T) {
	storage := openTestStorage(t)

	if _, err := storage.ForActor("", "project-1"); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace for empty kind, got %v", err)
	}
	if _, err := storage.ForActor("doc", "a/b"); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace for slash in id, got %v", err)
	}
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	store, err := storage.ForActor("doc", "project-1")
	if err != nil {
		t.Fatalf("failed to scope store: %v", err)
	}
	if err := store.Put(ctx, "  ", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
