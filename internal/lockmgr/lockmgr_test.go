package lockmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

func mustManager(test *testing.T, options ...Option) *Manager {
	test.Helper()
	manager, err := New(NewMemoryBackend(), zap.NewNop(), options...)
	if err != nil {
		test.Fatalf("new manager: %v", err)
	}
	return manager
}

func mustAcquire(test *testing.T, owner *Owner, resourceKey string, level Level) *Handle {
	test.Helper()
	handle, err := owner.Acquire(context.Background(), resourceKey, level, time.Second)
	if err != nil {
		test.Fatalf("acquire %s: %v", resourceKey, err)
	}
	return handle
}

func TestAcquireAscendingLevelsSucceeds(test *testing.T) {
	test.Parallel()
	manager := mustManager(test)
	owner := manager.NewOwner("ascending")
	defer owner.Close()

	stage := mustAcquire(test, owner, "stage:1", LevelStage)
	deck := mustAcquire(test, owner, "deck:1", LevelDeck)
	hand := mustAcquire(test, owner, "hand:1", LevelHand)

	for _, handle := range []*Handle{hand, deck, stage} {
		if err := handle.Release(context.Background()); err != nil {
			test.Fatalf("release %s: %v", handle.ResourceKey(), err)
		}
	}
}

func TestAcquireDescendingLevelFailsFast(test *testing.T) {
	test.Parallel()
	manager := mustManager(test)
	owner := manager.NewOwner("descending")
	defer owner.Close()

	deck := mustAcquire(test, owner, "deck:1", LevelDeck)
	defer deck.Release(context.Background())

	started := time.Now()
	_, err := owner.Acquire(context.Background(), "stage:1", LevelStage, 5*time.Second)
	if !errors.Is(err, gamecore.ErrLockHierarchyViolation) {
		test.Fatalf("expected ErrLockHierarchyViolation, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		test.Fatalf("violation must fail fast, took %s", elapsed)
	}
}

func TestAcquireSameLevelFailsFast(test *testing.T) {
	test.Parallel()
	manager := mustManager(test)
	owner := manager.NewOwner("same-level")
	defer owner.Close()

	pot := mustAcquire(test, owner, "pot:1", LevelPot)
	defer pot.Release(context.Background())

	_, err := owner.Acquire(context.Background(), "deck:1", LevelDeck, 5*time.Second)
	if !errors.Is(err, gamecore.ErrLockHierarchyViolation) {
		test.Fatalf("expected ErrLockHierarchyViolation for equal level, got %v", err)
	}
}

func TestAcquireTimesOutAgainstOtherHolder(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, WithPollInterval(5*time.Millisecond))
	holder := manager.NewOwner("holder")
	defer holder.Close()
	contender := manager.NewOwner("contender")
	defer contender.Close()

	held := mustAcquire(test, holder, "stage:1", LevelStage)
	defer held.Release(context.Background())

	_, err := contender.Acquire(context.Background(), "stage:1", LevelStage, 50*time.Millisecond)
	if !errors.Is(err, gamecore.ErrLockTimeout) {
		test.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestReleaseIsIdempotent(test *testing.T) {
	test.Parallel()
	manager := mustManager(test)
	owner := manager.NewOwner("idempotent")
	defer owner.Close()

	handle := mustAcquire(test, owner, "stage:1", LevelStage)
	if err := handle.Release(context.Background()); err != nil {
		test.Fatalf("first release: %v", err)
	}
	if err := handle.Release(context.Background()); err != nil {
		test.Fatalf("second release must be a no-op, got %v", err)
	}

	// The resource is reacquirable immediately.
	next := mustAcquire(test, owner, "stage:1", LevelStage)
	if err := next.Release(context.Background()); err != nil {
		test.Fatalf("reacquire release: %v", err)
	}
}

func TestMutualExclusionUnderContention(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, WithPollInterval(time.Millisecond))

	var inCriticalSection atomic.Int32
	var maxObserved atomic.Int32
	var waitGroup sync.WaitGroup

	for worker := 0; worker < 8; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			owner := manager.NewOwner("worker")
			defer owner.Close()
			for iteration := 0; iteration < 20; iteration++ {
				handle, err := owner.Acquire(context.Background(), "stage:7", LevelStage, 5*time.Second)
				if err != nil {
					test.Errorf("acquire: %v", err)
					return
				}
				current := inCriticalSection.Add(1)
				for {
					observed := maxObserved.Load()
					if current <= observed || maxObserved.CompareAndSwap(observed, current) {
						break
					}
				}
				inCriticalSection.Add(-1)
				if err := handle.Release(context.Background()); err != nil {
					test.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	waitGroup.Wait()

	if max := maxObserved.Load(); max != 1 {
		test.Fatalf("mutual exclusion violated, max concurrency %d", max)
	}
}

func TestAcquireWithRetryAbortsWhenQueueIsDeep(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, WithPollInterval(time.Millisecond))
	holder := manager.NewOwner("holder")
	defer holder.Close()
	held := mustAcquire(test, holder, "stage:9", LevelStage)
	defer held.Release(context.Background())

	// Park waiters so the queue depth crosses the threshold.
	waiterCtx, cancelWaiters := context.WithCancel(context.Background())
	defer cancelWaiters()
	var waitGroup sync.WaitGroup
	for waiter := 0; waiter < 3; waiter++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			parked := manager.NewOwner("parked")
			defer parked.Close()
			_, _ = parked.Acquire(waiterCtx, "stage:9", LevelStage, time.Minute)
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for manager.QueueDepth("stage:9") < 3 {
		if time.Now().After(deadline) {
			test.Fatal("waiters never queued")
		}
		time.Sleep(time.Millisecond)
	}

	policy := RetryPolicy{
		MaxAttempts:            3,
		AcquireTimeout:         10 * time.Millisecond,
		BackoffDelays:          []time.Duration{time.Millisecond},
		QueueDepthThreshold:    2,
		EstimatedWaitThreshold: time.Hour,
	}
	contender := manager.NewOwner("contender")
	defer contender.Close()
	_, err := contender.AcquireWithRetry(context.Background(), "stage:9", LevelStage, policy)
	if !errors.Is(err, gamecore.ErrBusy) {
		test.Fatalf("expected ErrBusy fast-fail, got %v", err)
	}

	cancelWaiters()
	waitGroup.Wait()
}

func TestAcquireWithRetryEventuallySucceeds(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, WithPollInterval(time.Millisecond))
	holder := manager.NewOwner("holder")
	held := mustAcquire(test, holder, "stage:11", LevelStage)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(context.Background())
		holder.Close()
	}()

	policy := RetryPolicy{
		MaxAttempts:            5,
		AcquireTimeout:         20 * time.Millisecond,
		BackoffDelays:          []time.Duration{5 * time.Millisecond},
		QueueDepthThreshold:    10,
		EstimatedWaitThreshold: time.Hour,
	}
	contender := manager.NewOwner("contender")
	defer contender.Close()
	handle, err := contender.AcquireWithRetry(context.Background(), "stage:11", LevelStage, policy)
	if err != nil {
		test.Fatalf("expected eventual success, got %v", err)
	}
	_ = handle.Release(context.Background())
}

func TestDetectDeadlockReportsHolderAndWaiter(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, WithPollInterval(time.Millisecond))
	holder := manager.NewOwner("holder-task")
	defer holder.Close()
	held := mustAcquire(test, holder, "stage:13", LevelStage)
	defer held.Release(context.Background())

	waiterCtx, cancelWaiter := context.WithCancel(context.Background())
	defer cancelWaiter()
	waiterStarted := make(chan struct{})
	go func() {
		waiter := manager.NewOwner("waiter-task")
		defer waiter.Close()
		close(waiterStarted)
		_, _ = waiter.Acquire(waiterCtx, "stage:13", LevelStage, time.Minute)
	}()
	<-waiterStarted
	deadline := time.Now().Add(2 * time.Second)
	for manager.QueueDepth("stage:13") < 1 {
		if time.Now().After(deadline) {
			test.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	report := manager.DetectDeadlock()
	var sawHolder, sawWaiter bool
	for _, snapshot := range report.Owners {
		if snapshot.Label == "holder-task" && len(snapshot.Held) == 1 {
			sawHolder = true
		}
		if snapshot.Label == "waiter-task" && snapshot.Waiting && snapshot.WaitingOn == "holder-task" {
			sawWaiter = true
		}
	}
	if !sawHolder || !sawWaiter {
		test.Fatalf("incomplete report: holder=%t waiter=%t %+v", sawHolder, sawWaiter, report)
	}
}

func TestClearSessionLocksOnlyTouchesOneSession(test *testing.T) {
	test.Parallel()
	backend := NewMemoryBackend()
	manager, err := New(backend, zap.NewNop())
	if err != nil {
		test.Fatalf("new manager: %v", err)
	}

	ownerA := manager.NewOwner("session-a")
	defer ownerA.Close()
	ownerB := manager.NewOwner("session-b")
	defer ownerB.Close()
	mustAcquire(test, ownerA, "stage:21", LevelStage)
	mustAcquire(test, ownerB, "stage:22", LevelStage)

	cleared, err := manager.ClearSessionLocks(context.Background(), 21)
	if err != nil {
		test.Fatalf("clear: %v", err)
	}
	if cleared != 1 {
		test.Fatalf("expected 1 cleared lock, got %d", cleared)
	}

	// Session 21's stage lock is free again; session 22's is not.
	fresh := manager.NewOwner("fresh")
	defer fresh.Close()
	handle, err := fresh.Acquire(context.Background(), "stage:21", LevelStage, 50*time.Millisecond)
	if err != nil {
		test.Fatalf("reacquire cleared lock: %v", err)
	}
	_ = handle.Release(context.Background())
	if _, err := fresh.Acquire(context.Background(), "stage:22", LevelStage, 50*time.Millisecond); !errors.Is(err, gamecore.ErrLockTimeout) {
		test.Fatalf("expected session 22 lock still held, got %v", err)
	}
}

func TestWaiterBookkeepingReapedWhenQueueDrains(test *testing.T) {
	test.Parallel()
	manager := mustManager(test, WithPollInterval(time.Millisecond))

	holder := manager.NewOwner("holder")
	defer holder.Close()
	held := mustAcquire(test, holder, "stage:31", LevelStage)

	waiterDone := make(chan error, 1)
	go func() {
		waiter := manager.NewOwner("waiter")
		defer waiter.Close()
		handle, err := waiter.Acquire(context.Background(), "stage:31", LevelStage, time.Second)
		if err != nil {
			waiterDone <- err
			return
		}
		waiterDone <- handle.Release(context.Background())
	}()

	for deadline := time.Now().Add(time.Second); manager.QueueDepth("stage:31") == 0; {
		if time.Now().After(deadline) {
			test.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}
	if err := held.Release(context.Background()); err != nil {
		test.Fatalf("release: %v", err)
	}
	if err := <-waiterDone; err != nil {
		test.Fatalf("waiter: %v", err)
	}

	// With the queue drained nothing per-key should linger.
	manager.mutex.Lock()
	waiterEntries := len(manager.waiters)
	notifyEntries := len(manager.notify)
	manager.mutex.Unlock()
	if waiterEntries != 0 {
		test.Fatalf("waiter map not reaped: %d entries", waiterEntries)
	}
	if notifyEntries != 0 {
		test.Fatalf("notify map not reaped: %d entries", notifyEntries)
	}
}
