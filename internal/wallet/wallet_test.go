package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

func mustCredit(test *testing.T, repository Repository, chatID int64, userID int64, amount int64) {
	test.Helper()
	if err := repository.Credit(context.Background(), chatID, userID, amount); err != nil {
		test.Fatalf("credit: %v", err)
	}
}

func mustBalance(test *testing.T, repository Repository, chatID int64, userID int64) int64 {
	test.Helper()
	balance, err := repository.Balance(context.Background(), chatID, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func TestDebitRequiresSufficientBalance(test *testing.T) {
	test.Parallel()
	repository := NewMemoryRepository()
	mustCredit(test, repository, 1, 7, 100)

	err := repository.Debit(context.Background(), 1, 7, 150)
	if !errors.Is(err, gamecore.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if balance := mustBalance(test, repository, 1, 7); balance != 100 {
		test.Fatalf("failed debit changed the balance: %d", balance)
	}

	if err := repository.Debit(context.Background(), 1, 7, 100); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if balance := mustBalance(test, repository, 1, 7); balance != 0 {
		test.Fatalf("expected empty balance, got %d", balance)
	}
}

func TestBalancesAreScopedPerChat(test *testing.T) {
	test.Parallel()
	repository := NewMemoryRepository()
	mustCredit(test, repository, 1, 7, 100)
	mustCredit(test, repository, 2, 7, 40)

	if balance := mustBalance(test, repository, 1, 7); balance != 100 {
		test.Fatalf("chat 1 balance: %d", balance)
	}
	if balance := mustBalance(test, repository, 2, 7); balance != 40 {
		test.Fatalf("chat 2 balance: %d", balance)
	}
}

func TestNegativeAmountsRejected(test *testing.T) {
	test.Parallel()
	repository := NewMemoryRepository()
	if err := repository.Credit(context.Background(), 1, 7, -5); !errors.Is(err, gamecore.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := repository.Debit(context.Background(), 1, 7, -5); !errors.Is(err, gamecore.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	repository := NewMemoryRepository()
	mustCredit(test, repository, 1, 7, 50)

	var group sync.WaitGroup
	successes := make(chan struct{}, 100)
	for worker := 0; worker < 100; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			if err := repository.Debit(context.Background(), 1, 7, 10); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	group.Wait()
	close(successes)

	won := 0
	for range successes {
		won++
	}
	if won != 5 {
		test.Fatalf("expected exactly 5 successful debits, got %d", won)
	}
	if balance := mustBalance(test, repository, 1, 7); balance != 0 {
		test.Fatalf("expected zero balance, got %d", balance)
	}
}
