// Package dlq is the durable dead-letter queue for refunds that could
// not be applied automatically. Entries here require manual
// reconciliation; pushing to the queue is how the reservation
// coordinator guarantees no silent fund loss.
package dlq

import (
	"context"
	"sync"
	"time"
)

// Entry records one failed refund.
type Entry struct {
	ReservationID string
	ChatID        int64
	UserID        int64
	Amount        int64
	Reason        string
	CreatedAt     time.Time
}

// Queue is the durability contract for failed refunds.
type Queue interface {
	// Push appends an entry. Implementations must not drop entries on
	// conflict; duplicates are acceptable, silence is not.
	Push(ctx context.Context, entry Entry) error

	// Pending lists entries that have not been marked resolved, oldest
	// first, up to limit.
	Pending(ctx context.Context, limit int) ([]Entry, error)
}

// MemoryQueue collects entries in process memory for tests.
type MemoryQueue struct {
	mutex   sync.Mutex
	entries []Entry
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Push appends an entry.
func (queue *MemoryQueue) Push(ctx context.Context, entry Entry) error {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	queue.entries = append(queue.entries, entry)
	return nil
}

// Pending lists queued entries oldest first.
func (queue *MemoryQueue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	if limit <= 0 || limit > len(queue.entries) {
		limit = len(queue.entries)
	}
	listed := make([]Entry, limit)
	copy(listed, queue.entries[:limit])
	return listed, nil
}
