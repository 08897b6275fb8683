// Package lockmgr serializes access to shared session resources with
// hierarchical, leveled locks. A logical task (Owner) may only acquire
// locks in strictly increasing level order, which rules out inversion
// deadlocks; TTL expiry on the backend bounds the damage of a crashed
// holder.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Level orders lock acquisition. Lower levels are acquired first.
type Level int

// The lock hierarchy, lowest acquired first. Resources sharing a
// numeric level (player, pot, deck, betting round) are mutually
// independent and must not be re-entered by the same owner.
const (
	LevelGlobal       Level = 0
	LevelStage        Level = 10
	LevelTable        Level = 20
	LevelPlayer       Level = 30
	LevelPot          Level = 30
	LevelDeck         Level = 30
	LevelBettingRound Level = 30
	LevelHand         Level = 40
)

const (
	lockKeyPrefix = "lock:"

	// DefaultTTL bounds how long a crashed holder can wedge a resource.
	DefaultTTL = 30 * time.Second

	defaultPollInterval = 50 * time.Millisecond

	// defaultHoldEstimate seeds wait estimation before any hold has
	// been observed for a key.
	defaultHoldEstimate = 5 * time.Second

	holdEWMAWeight = 0.2
)

// RetryPolicy drives AcquireWithRetry.
type RetryPolicy struct {
	MaxAttempts            int
	AcquireTimeout         time.Duration
	BackoffDelays          []time.Duration
	QueueDepthThreshold    int
	EstimatedWaitThreshold time.Duration
}

// DefaultRetryPolicy mirrors the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:            3,
		AcquireTimeout:         5 * time.Second,
		BackoffDelays:          []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		QueueDepthThreshold:    5,
		EstimatedWaitThreshold: 25 * time.Second,
	}
}

// Manager hands out Owners and tracks waiters and hold-time statistics
// per resource key.
type Manager struct {
	backend      Backend
	logger       *zap.Logger
	ttl          time.Duration
	pollInterval time.Duration

	mutex     sync.Mutex
	waiters   map[string]int
	holdEWMA  map[string]time.Duration
	notify    map[string]chan struct{}
	owners    map[*Owner]struct{}
	heldByKey map[string]*Owner
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the lock record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(manager *Manager) {
		if ttl > 0 {
			manager.ttl = ttl
		}
	}
}

// WithPollInterval overrides the backend polling cadence while waiting.
func WithPollInterval(interval time.Duration) Option {
	return func(manager *Manager) {
		if interval > 0 {
			manager.pollInterval = interval
		}
	}
}

// New wires a Manager.
func New(backend Backend, logger *zap.Logger, options ...Option) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: lock backend dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		backend:      backend,
		logger:       logger.Named("lockmgr"),
		ttl:          DefaultTTL,
		pollInterval: defaultPollInterval,
		waiters:      make(map[string]int),
		holdEWMA:     make(map[string]time.Duration),
		notify:       make(map[string]chan struct{}),
		owners:       make(map[*Owner]struct{}),
		heldByKey:    make(map[string]*Owner),
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// NewOwner starts a logical task identity whose held locks are checked
// against the level hierarchy.
func (manager *Manager) NewOwner(label string) *Owner {
	owner := &Owner{manager: manager, label: label}
	manager.mutex.Lock()
	manager.owners[owner] = struct{}{}
	manager.mutex.Unlock()
	return owner
}

// QueueDepth returns the number of callers currently waiting for key.
func (manager *Manager) QueueDepth(resourceKey string) int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.waiters[resourceKey]
}

// EstimateWaitTime is a heuristic from observed hold durations and the
// current queue depth, used only for abort decisions.
func (manager *Manager) EstimateWaitTime(resourceKey string) time.Duration {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	averageHold, observed := manager.holdEWMA[resourceKey]
	if !observed {
		averageHold = defaultHoldEstimate
	}
	return averageHold * time.Duration(manager.waiters[resourceKey]+1)
}

// ClearSessionLocks force-releases every lock belonging to a session.
// Used by recovery so orphaned locks never block future traffic.
func (manager *Manager) ClearSessionLocks(ctx context.Context, chatID int64) (int, error) {
	return manager.backend.Clear(ctx, fmt.Sprintf("%s*:%d", lockKeyPrefix, chatID))
}

// ClearAllLocks force-releases every lock record.
func (manager *Manager) ClearAllLocks(ctx context.Context) (int, error) {
	return manager.backend.Clear(ctx, lockKeyPrefix+"*")
}

func (manager *Manager) addWaiter(resourceKey string) {
	manager.mutex.Lock()
	manager.waiters[resourceKey]++
	depth := manager.waiters[resourceKey]
	manager.mutex.Unlock()
	queueDepthGauge.WithLabelValues(resourceKey).Set(float64(depth))
}

func (manager *Manager) removeWaiter(resourceKey string) {
	manager.mutex.Lock()
	if manager.waiters[resourceKey] > 0 {
		manager.waiters[resourceKey]--
	}
	depth := manager.waiters[resourceKey]
	if depth == 0 {
		// Last waiter gone; reap the per-key bookkeeping so a long-lived
		// process does not accumulate an entry per session ever locked.
		delete(manager.waiters, resourceKey)
		delete(manager.notify, resourceKey)
	}
	manager.mutex.Unlock()
	if depth == 0 {
		queueDepthGauge.DeleteLabelValues(resourceKey)
		return
	}
	queueDepthGauge.WithLabelValues(resourceKey).Set(float64(depth))
}

func (manager *Manager) recordHold(resourceKey string, duration time.Duration) {
	holdDuration.Observe(duration.Seconds())
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	previous, observed := manager.holdEWMA[resourceKey]
	if !observed {
		manager.holdEWMA[resourceKey] = duration
		return
	}
	blended := time.Duration((1-holdEWMAWeight)*float64(previous) + holdEWMAWeight*float64(duration))
	manager.holdEWMA[resourceKey] = blended
}

func (manager *Manager) notifyChannel(resourceKey string) chan struct{} {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	channel, exists := manager.notify[resourceKey]
	if !exists {
		channel = make(chan struct{}, 1)
		manager.notify[resourceKey] = channel
	}
	return channel
}

func (manager *Manager) signalRelease(resourceKey string) {
	manager.mutex.Lock()
	channel, exists := manager.notify[resourceKey]
	manager.mutex.Unlock()
	if !exists {
		return
	}
	select {
	case channel <- struct{}{}:
	default:
	}
}

// Handle represents one held lock. Release is idempotent and must be
// called on every exit path.
type Handle struct {
	owner       *Owner
	resourceKey string
	lockKey     string
	level       Level
	token       string
	acquiredAt  time.Time

	releaseOnce sync.Once
	releaseErr  error
}

// ResourceKey returns the locked resource's key.
func (handle *Handle) ResourceKey() string {
	return handle.resourceKey
}

// Level returns the lock's hierarchy level.
func (handle *Handle) Level() Level {
	return handle.level
}

// Release frees the lock. Second and later calls are no-ops.
func (handle *Handle) Release(ctx context.Context) error {
	handle.releaseOnce.Do(func() {
		handle.releaseErr = handle.owner.release(ctx, handle)
	})
	return handle.releaseErr
}

// Owner is one logical task's lock identity. Owners are not safe for
// concurrent use; each inbound action, timer tick, or sweep gets its
// own.
type Owner struct {
	manager *Manager
	label   string

	mutex        sync.Mutex
	held         []*Handle
	waitingKey   string
	waitingLevel Level
	waiting      bool
}

// Acquire blocks until the lock is obtained or timeout elapses. It
// fails fast with a hierarchy violation when the owner already holds a
// lock at the requested level or above.
func (owner *Owner) Acquire(ctx context.Context, resourceKey string, level Level, timeout time.Duration) (*Handle, error) {
	if err := owner.checkHierarchy(resourceKey, level); err != nil {
		acquisitionCounter.WithLabelValues(resultHierarchyViolation).Inc()
		return nil, err
	}

	manager := owner.manager
	token := uuid.NewString()
	lockKey := lockKeyPrefix + resourceKey
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	manager.addWaiter(resourceKey)
	owner.setWaiting(resourceKey, level)
	defer func() {
		manager.removeWaiter(resourceKey)
		owner.clearWaiting()
	}()

	released := manager.notifyChannel(resourceKey)
	poll := time.NewTicker(manager.pollInterval)
	defer poll.Stop()

	for {
		acquired, err := manager.backend.TryAcquire(ctx, lockKey, token, manager.ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			handle := &Handle{
				owner:       owner,
				resourceKey: resourceKey,
				lockKey:     lockKey,
				level:       level,
				token:       token,
				acquiredAt:  time.Now(),
			}
			owner.recordAcquired(handle)
			acquisitionCounter.WithLabelValues(resultAcquired).Inc()
			return handle, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			acquisitionCounter.WithLabelValues(resultTimeout).Inc()
			manager.logger.Warn("lock acquisition timed out",
				zap.String("resource", resourceKey),
				zap.Int("level", int(level)),
				zap.Duration("timeout", timeout),
				zap.Int("queue_depth", manager.QueueDepth(resourceKey)),
			)
			return nil, fmt.Errorf("%w: %s after %s", gamecore.ErrLockTimeout, resourceKey, timeout)
		case <-released:
		case <-poll.C:
		}
	}
}

// AcquireWithRetry wraps Acquire with exponential backoff. Before each
// retry it samples queue depth and estimated wait; past either
// threshold it aborts immediately with a busy signal instead of piling
// onto a contended resource.
func (owner *Owner) AcquireWithRetry(ctx context.Context, resourceKey string, level Level, policy RetryPolicy) (*Handle, error) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			depth := owner.manager.QueueDepth(resourceKey)
			estimate := owner.manager.EstimateWaitTime(resourceKey)
			if depth > policy.QueueDepthThreshold || estimate > policy.EstimatedWaitThreshold {
				acquisitionCounter.WithLabelValues(resultBusy).Inc()
				owner.manager.logger.Info("aborting lock retry",
					zap.String("resource", resourceKey),
					zap.Int("queue_depth", depth),
					zap.Duration("estimated_wait", estimate),
				)
				return nil, fmt.Errorf("%w: %s queue depth %d, estimated wait %s", gamecore.ErrBusy, resourceKey, depth, estimate)
			}
			delay := policy.BackoffDelays[min(attempt-1, len(policy.BackoffDelays)-1)]
			backoff := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				backoff.Stop()
				return nil, ctx.Err()
			case <-backoff.C:
			}
		}
		handle, err := owner.Acquire(ctx, resourceKey, level, policy.AcquireTimeout)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, gamecore.ErrLockTimeout) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (owner *Owner) checkHierarchy(resourceKey string, level Level) error {
	owner.mutex.Lock()
	defer owner.mutex.Unlock()
	for _, held := range owner.held {
		if held.level >= level {
			return fmt.Errorf("%w: holding %q at level %d, requested %q at level %d",
				gamecore.ErrLockHierarchyViolation, held.resourceKey, held.level, resourceKey, level)
		}
	}
	return nil
}

func (owner *Owner) setWaiting(resourceKey string, level Level) {
	owner.mutex.Lock()
	owner.waiting = true
	owner.waitingKey = resourceKey
	owner.waitingLevel = level
	owner.mutex.Unlock()
}

func (owner *Owner) clearWaiting() {
	owner.mutex.Lock()
	owner.waiting = false
	owner.waitingKey = ""
	owner.waitingLevel = 0
	owner.mutex.Unlock()
}

func (owner *Owner) recordAcquired(handle *Handle) {
	owner.mutex.Lock()
	owner.held = append(owner.held, handle)
	owner.mutex.Unlock()
	owner.manager.mutex.Lock()
	owner.manager.heldByKey[handle.resourceKey] = owner
	owner.manager.mutex.Unlock()
}

func (owner *Owner) release(ctx context.Context, handle *Handle) error {
	manager := owner.manager
	releasedByToken, err := manager.backend.Release(ctx, handle.lockKey, handle.token)
	if err != nil {
		return err
	}
	if !releasedByToken {
		// TTL expired and another holder took over while we were
		// finishing; callers are idempotent so this is survivable.
		manager.logger.Warn("holder token mismatch on release",
			zap.String("resource", handle.resourceKey),
			zap.String("token", handle.token),
		)
	}

	owner.mutex.Lock()
	for index, held := range owner.held {
		if held == handle {
			owner.held = append(owner.held[:index], owner.held[index+1:]...)
			break
		}
	}
	owner.mutex.Unlock()

	manager.mutex.Lock()
	if manager.heldByKey[handle.resourceKey] == owner {
		delete(manager.heldByKey, handle.resourceKey)
	}
	manager.mutex.Unlock()

	manager.recordHold(handle.resourceKey, time.Since(handle.acquiredAt))
	manager.signalRelease(handle.resourceKey)
	return nil
}

// HeldLock describes one held lock inside a deadlock report.
type HeldLock struct {
	ResourceKey string
	Level       Level
	AcquiredAt  time.Time
}

// OwnerSnapshot describes one logical task's lock state.
type OwnerSnapshot struct {
	Label        string
	Held         []HeldLock
	Waiting      bool
	WaitingKey   string
	WaitingLevel Level
	WaitingOn    string
}

// DeadlockReport is a diagnostic snapshot of holders and waiters. The
// hierarchy rule prevents deadlocks; this exists for observability.
type DeadlockReport struct {
	Owners []OwnerSnapshot
}

// DetectDeadlock reports which owners hold which levels and who waits
// on whom.
func (manager *Manager) DetectDeadlock() DeadlockReport {
	manager.mutex.Lock()
	owners := make([]*Owner, 0, len(manager.owners))
	for owner := range manager.owners {
		owners = append(owners, owner)
	}
	heldByKey := make(map[string]*Owner, len(manager.heldByKey))
	for key, owner := range manager.heldByKey {
		heldByKey[key] = owner
	}
	manager.mutex.Unlock()

	report := DeadlockReport{}
	for _, owner := range owners {
		owner.mutex.Lock()
		snapshot := OwnerSnapshot{
			Label:        owner.label,
			Waiting:      owner.waiting,
			WaitingKey:   owner.waitingKey,
			WaitingLevel: owner.waitingLevel,
		}
		for _, held := range owner.held {
			snapshot.Held = append(snapshot.Held, HeldLock{
				ResourceKey: held.resourceKey,
				Level:       held.level,
				AcquiredAt:  held.acquiredAt,
			})
		}
		owner.mutex.Unlock()
		if snapshot.Waiting {
			if holder, exists := heldByKey[snapshot.WaitingKey]; exists {
				snapshot.WaitingOn = holder.label
			}
		}
		if len(snapshot.Held) > 0 || snapshot.Waiting {
			report.Owners = append(report.Owners, snapshot)
		}
	}
	return report
}

// Close forgets the owner; held handles should be released first.
func (owner *Owner) Close() {
	owner.manager.mutex.Lock()
	delete(owner.manager.owners, owner)
	owner.manager.mutex.Unlock()
}
