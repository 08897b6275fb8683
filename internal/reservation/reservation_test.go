package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/dlq"
	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/wallet"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

type fixture struct {
	coordinator *Coordinator
	wallets     *wallet.MemoryRepository
	deadLetters *dlq.MemoryQueue
	clock       *fakeClock
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(delta)
}

func newFixture(test *testing.T, options ...Option) *fixture {
	test.Helper()
	wallets := wallet.NewMemoryRepository()
	deadLetters := dlq.NewMemoryQueue()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	coordinator, err := New(kvstore.NewMemoryStore(), wallets, deadLetters, zap.NewNop(), clock.Now, options...)
	if err != nil {
		test.Fatalf("new coordinator: %v", err)
	}
	test.Cleanup(coordinator.Shutdown)
	return &fixture{
		coordinator: coordinator,
		wallets:     wallets,
		deadLetters: deadLetters,
		clock:       clock,
	}
}

func mustFund(test *testing.T, wallets wallet.Repository, chatID int64, userID int64, amount int64) {
	test.Helper()
	if err := wallets.Credit(context.Background(), chatID, userID, amount); err != nil {
		test.Fatalf("fund wallet: %v", err)
	}
}

func mustBalance(test *testing.T, wallets wallet.Repository, chatID int64, userID int64) int64 {
	test.Helper()
	balance, err := wallets.Balance(context.Background(), chatID, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func TestReserveDebitsWalletAndPersistsPending(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	mustFund(test, fix.wallets, 100, 1, 500)

	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if record.Status != StatusPending {
		test.Fatalf("expected pending, got %s", record.Status)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 460 {
		test.Fatalf("expected balance 460, got %d", balance)
	}

	stored, err := fix.coordinator.Get(context.Background(), record.ReservationID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Amount != 40 || stored.Status != StatusPending {
		test.Fatalf("unexpected stored record: %+v", stored)
	}
}

func TestReserveInsufficientFundsLeavesBalance(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	mustFund(test, fix.wallets, 100, 1, 30)

	_, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if !errors.Is(err, gamecore.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 30 {
		test.Fatalf("failed reserve must not touch balance, got %d", balance)
	}
}

func TestCommitIsIdempotent(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	mustFund(test, fix.wallets, 100, 1, 500)
	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	if err := fix.coordinator.Commit(context.Background(), record.ReservationID); err != nil {
		test.Fatalf("first commit: %v", err)
	}
	if err := fix.coordinator.Commit(context.Background(), record.ReservationID); err != nil {
		test.Fatalf("second commit must be a no-op, got %v", err)
	}

	stored, err := fix.coordinator.Get(context.Background(), record.ReservationID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCommitted {
		test.Fatalf("expected committed, got %s", stored.Status)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 460 {
		test.Fatalf("commit must not move chips again, got %d", balance)
	}
}

func TestRollbackRefundsExactlyOnce(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	mustFund(test, fix.wallets, 100, 1, 500)
	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	if err := fix.coordinator.Rollback(context.Background(), record.ReservationID, "player_folded"); err != nil {
		test.Fatalf("rollback: %v", err)
	}
	if err := fix.coordinator.Rollback(context.Background(), record.ReservationID, "player_folded"); err != nil {
		test.Fatalf("second rollback must be a no-op, got %v", err)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 500 {
		test.Fatalf("expected single refund back to 500, got %d", balance)
	}
}

func TestRollbackRefusesCommittedReservation(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	mustFund(test, fix.wallets, 100, 1, 500)
	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := fix.coordinator.Commit(context.Background(), record.ReservationID); err != nil {
		test.Fatalf("commit: %v", err)
	}

	err = fix.coordinator.Rollback(context.Background(), record.ReservationID, "late")
	if !errors.Is(err, gamecore.ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed, got %v", err)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 460 {
		test.Fatalf("committed chips must stay spent, got %d", balance)
	}
}

func TestCompensateRefundsCommittedReservation(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	mustFund(test, fix.wallets, 100, 1, 500)
	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := fix.coordinator.Commit(context.Background(), record.ReservationID); err != nil {
		test.Fatalf("commit: %v", err)
	}

	if err := fix.coordinator.Compensate(context.Background(), record.ReservationID, "snapshot_conflict"); err != nil {
		test.Fatalf("compensate: %v", err)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 500 {
		test.Fatalf("expected compensating refund back to 500, got %d", balance)
	}
}

func TestCommitAfterExpiryRefundsAndReports(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	mustFund(test, fix.wallets, 100, 1, 500)
	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	fix.clock.Advance(DefaultPolicy().TTL + DefaultPolicy().GraceBuffer + time.Second)

	err = fix.coordinator.Commit(context.Background(), record.ReservationID)
	if !errors.Is(err, gamecore.ErrReservationExpired) {
		test.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 500 {
		test.Fatalf("expired reservation must be refunded, got %d", balance)
	}
	stored, err := fix.coordinator.Get(context.Background(), record.ReservationID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != StatusRolledBack {
		test.Fatalf("expected rolled back, got %s", stored.Status)
	}
}

func TestWatchdogRollsBackAbandonedReservation(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, WithPolicy(Policy{TTL: 20 * time.Millisecond, GraceBuffer: 10 * time.Millisecond}))
	mustFund(test, fix.wallets, 100, 1, 500)
	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := fix.coordinator.Get(context.Background(), record.ReservationID)
		if err != nil {
			test.Fatalf("get: %v", err)
		}
		if stored.Status == StatusRolledBack {
			break
		}
		if time.Now().After(deadline) {
			test.Fatalf("watchdog never fired, status %s", stored.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 500 {
		test.Fatalf("watchdog refund missing, balance %d", balance)
	}
}

func TestCommitWinsRaceAgainstWatchdog(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, WithPolicy(Policy{TTL: 30 * time.Millisecond, GraceBuffer: 10 * time.Millisecond}))
	mustFund(test, fix.wallets, 100, 1, 500)
	record, err := fix.coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := fix.coordinator.Commit(context.Background(), record.ReservationID); err != nil {
		test.Fatalf("commit: %v", err)
	}

	// Outlive the watchdog window; the commit must hold.
	time.Sleep(80 * time.Millisecond)
	stored, err := fix.coordinator.Get(context.Background(), record.ReservationID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCommitted {
		test.Fatalf("watchdog reverted a committed reservation to %s", stored.Status)
	}
	if balance := mustBalance(test, fix.wallets, 100, 1); balance != 460 {
		test.Fatalf("committed chips must stay spent, got %d", balance)
	}
}

type refundFailingWallet struct {
	*wallet.MemoryRepository
	failCredits bool
	mutex       sync.Mutex
}

func (repository *refundFailingWallet) Credit(ctx context.Context, chatID int64, userID int64, amount int64) error {
	repository.mutex.Lock()
	failing := repository.failCredits
	repository.mutex.Unlock()
	if failing {
		return fmt.Errorf("wallet backend down")
	}
	return repository.MemoryRepository.Credit(ctx, chatID, userID, amount)
}

func (repository *refundFailingWallet) setFailing(failing bool) {
	repository.mutex.Lock()
	repository.failCredits = failing
	repository.mutex.Unlock()
}

func TestFailedRefundGoesToDeadLetterQueue(test *testing.T) {
	test.Parallel()
	wallets := &refundFailingWallet{MemoryRepository: wallet.NewMemoryRepository()}
	deadLetters := dlq.NewMemoryQueue()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	coordinator, err := New(kvstore.NewMemoryStore(), wallets, deadLetters, zap.NewNop(), clock.Now)
	if err != nil {
		test.Fatalf("new coordinator: %v", err)
	}
	test.Cleanup(coordinator.Shutdown)
	mustFund(test, wallets, 100, 1, 500)

	record, err := coordinator.Reserve(context.Background(), 100, 1, 40)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	wallets.setFailing(true)
	if err := coordinator.Rollback(context.Background(), record.ReservationID, "player_folded"); err != nil {
		test.Fatalf("rollback: %v", err)
	}

	pending, err := deadLetters.Pending(context.Background(), 10)
	if err != nil {
		test.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		test.Fatalf("expected 1 dead letter, got %d", len(pending))
	}
	entry := pending[0]
	if entry.ReservationID != record.ReservationID || entry.Amount != 40 {
		test.Fatalf("unexpected dead letter: %+v", entry)
	}
}
