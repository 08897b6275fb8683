// Package kvstore defines the versioned key-value contract backing
// session snapshots, reservations, and lock records. Every key carries
// a monotonically increasing version; writes go through compare-and-swap
// so concurrent writers cannot silently overwrite each other.
package kvstore

import "context"

// Version is the opaque monotonic token attached to each key. Version
// zero means the key has never been written.
type Version int64

// NoVersion is the expected version when creating a key.
const NoVersion Version = 0

// Store is the persistence contract used by the table core.
type Store interface {
	// Get returns the stored value and its current version, or
	// gamecore.ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// CompareAndSwap writes value only if the key's current version
	// matches expected, returning the new version. A mismatch returns
	// gamecore.ErrVersionConflict and leaves the key untouched.
	CompareAndSwap(ctx context.Context, key string, expected Version, value []byte) (Version, error)

	// Delete removes the key and its version counter. Deleting an
	// absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// ScanKeys returns every key matching a glob-style pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}
