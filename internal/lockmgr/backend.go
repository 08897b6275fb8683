package lockmgr

import (
	"context"
	"path"
	"sync"
	"time"
)

// Backend stores lock records with TTL-based expiry so a crashed holder
// cannot wedge a resource forever.
type Backend interface {
	// TryAcquire claims the key for token when it is free or expired.
	TryAcquire(ctx context.Context, key string, token string, ttl time.Duration) (bool, error)

	// Release frees the key if token still holds it. The boolean is
	// false on a holder-token mismatch (the lock expired and was
	// reacquired by someone else).
	Release(ctx context.Context, key string, token string) (bool, error)

	// Holder returns the current holder token, or "" when free.
	Holder(ctx context.Context, key string) (string, error)

	// Clear force-releases every lock matching a glob-style pattern
	// and returns how many were removed.
	Clear(ctx context.Context, pattern string) (int, error)
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryBackend keeps lock records in process memory. Used by tests and
// single-node runs without redis.
type MemoryBackend struct {
	mutex sync.Mutex
	locks map[string]memoryLock
	nowFn func() time.Time
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]memoryLock), nowFn: time.Now}
}

// TryAcquire claims the key when free or expired.
func (backend *MemoryBackend) TryAcquire(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	now := backend.nowFn()
	current, exists := backend.locks[key]
	if exists && current.expiresAt.After(now) {
		return false, nil
	}
	backend.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the key if token still holds it.
func (backend *MemoryBackend) Release(ctx context.Context, key string, token string) (bool, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	current, exists := backend.locks[key]
	if !exists || current.token != token {
		return false, nil
	}
	delete(backend.locks, key)
	return true, nil
}

// Holder returns the current unexpired holder token.
func (backend *MemoryBackend) Holder(ctx context.Context, key string) (string, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	current, exists := backend.locks[key]
	if !exists || !current.expiresAt.After(backend.nowFn()) {
		return "", nil
	}
	return current.token, nil
}

// Clear force-releases every lock matching pattern.
func (backend *MemoryBackend) Clear(ctx context.Context, pattern string) (int, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	cleared := 0
	for key := range backend.locks {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return cleared, err
		}
		if matched {
			delete(backend.locks, key)
			cleared++
		}
	}
	return cleared, nil
}
