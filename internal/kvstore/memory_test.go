package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

func TestCompareAndSwapCreatesAtNoVersion(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()

	version, err := store.CompareAndSwap(context.Background(), "game:1", NoVersion, []byte("a"))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if version == NoVersion {
		test.Fatal("expected a real version after create")
	}

	value, loaded, err := store.Get(context.Background(), "game:1")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if string(value) != "a" || loaded != version {
		test.Fatalf("expected (a, %d), got (%s, %d)", version, value, loaded)
	}
}

func TestCompareAndSwapRejectsStaleVersion(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()

	first, err := store.CompareAndSwap(context.Background(), "game:1", NoVersion, []byte("a"))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := store.CompareAndSwap(context.Background(), "game:1", first, []byte("b")); err != nil {
		test.Fatalf("update: %v", err)
	}

	// A writer still holding the first version must lose.
	_, err = store.CompareAndSwap(context.Background(), "game:1", first, []byte("c"))
	if !errors.Is(err, gamecore.ErrVersionConflict) {
		test.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	value, _, err := store.Get(context.Background(), "game:1")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if string(value) != "b" {
		test.Fatalf("stale writer overwrote value: %s", value)
	}
}

func TestCompareAndSwapRejectsCreateOverExisting(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()

	if _, err := store.CompareAndSwap(context.Background(), "game:1", NoVersion, []byte("a")); err != nil {
		test.Fatalf("create: %v", err)
	}
	_, err := store.CompareAndSwap(context.Background(), "game:1", NoVersion, []byte("z"))
	if !errors.Is(err, gamecore.ErrVersionConflict) {
		test.Fatalf("expected ErrVersionConflict on duplicate create, got %v", err)
	}
}

func TestGetMissingKeyReturnsNotFound(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()
	_, _, err := store.Get(context.Background(), "game:404")
	if !errors.Is(err, gamecore.ErrKeyNotFound) {
		test.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDeleteRemovesKeyAndVersion(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()

	if _, err := store.CompareAndSwap(context.Background(), "game:1", NoVersion, []byte("a")); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.Delete(context.Background(), "game:1"); err != nil {
		test.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Get(context.Background(), "game:1"); !errors.Is(err, gamecore.ErrKeyNotFound) {
		test.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}

	// The version counter restarts too, so a create succeeds again.
	if _, err := store.CompareAndSwap(context.Background(), "game:1", NoVersion, []byte("b")); err != nil {
		test.Fatalf("recreate: %v", err)
	}
}

func TestScanKeysMatchesPattern(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()

	for _, key := range []string{"game:1", "game:2", "reservation:x"} {
		if _, err := store.CompareAndSwap(context.Background(), key, NoVersion, []byte("v")); err != nil {
			test.Fatalf("create %s: %v", key, err)
		}
	}

	keys, err := store.ScanKeys(context.Background(), "game:*")
	if err != nil {
		test.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		test.Fatalf("expected 2 game keys, got %d: %v", len(keys), keys)
	}
	for _, key := range keys {
		if key != "game:1" && key != "game:2" {
			test.Fatalf("unexpected key %s", key)
		}
	}
}
