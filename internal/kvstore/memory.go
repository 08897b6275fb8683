package kvstore

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

type memoryEntry struct {
	value   []byte
	version Version
}

// MemoryStore is an in-process Store used by tests and single-node
// development runs. It honors the same version semantics as the redis
// backend.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get returns the stored value and its version.
func (store *MemoryStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, exists := store.entries[key]
	if !exists {
		return nil, NoVersion, fmt.Errorf("%w: %s", gamecore.ErrKeyNotFound, key)
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, entry.version, nil
}

// CompareAndSwap writes value if the stored version matches expected.
func (store *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected Version, value []byte) (Version, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	current := store.entries[key].version
	if current != expected {
		return NoVersion, fmt.Errorf("%w: %s expected version %d, have %d", gamecore.ErrVersionConflict, key, expected, current)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	next := current + 1
	store.entries[key] = memoryEntry{value: stored, version: next}
	return next, nil
}

// Delete removes the key.
func (store *MemoryStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

// ScanKeys returns keys matching a glob-style pattern.
func (store *MemoryStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var keys []string
	for key := range store.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, gamecore.WrapError(errorOperationStore, errorSubjectKey, errorCodeScan, err)
		}
		if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
