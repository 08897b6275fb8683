// Package wallet is the chip balance boundary. The engine never mutates
// balances directly; debits flow through the reservation coordinator
// and credits through payouts and refunds.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Repository is the persistence contract for chip balances, keyed by
// chat and user so the same person can play at several tables.
type Repository interface {
	// Balance returns the current chip balance.
	Balance(ctx context.Context, chatID int64, userID int64) (int64, error)

	// Debit atomically removes amount, failing with
	// gamecore.ErrInsufficientFunds when the balance is short.
	Debit(ctx context.Context, chatID int64, userID int64, amount int64) error

	// Credit atomically adds amount.
	Credit(ctx context.Context, chatID int64, userID int64, amount int64) error
}

// MemoryRepository keeps balances in process memory for tests.
type MemoryRepository struct {
	mutex    sync.Mutex
	balances map[string]int64
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{balances: make(map[string]int64)}
}

func balanceKey(chatID int64, userID int64) string {
	return fmt.Sprintf("wallet:%d:%d", chatID, userID)
}

// Balance returns the current chip balance.
func (repository *MemoryRepository) Balance(ctx context.Context, chatID int64, userID int64) (int64, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	return repository.balances[balanceKey(chatID, userID)], nil
}

// Debit removes amount, failing when the balance is short.
func (repository *MemoryRepository) Debit(ctx context.Context, chatID int64, userID int64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit", gamecore.ErrInvalidAmount)
	}
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	key := balanceKey(chatID, userID)
	if repository.balances[key] < amount {
		return fmt.Errorf("%w: balance %d, requested %d", gamecore.ErrInsufficientFunds, repository.balances[key], amount)
	}
	repository.balances[key] -= amount
	return nil
}

// Credit adds amount.
func (repository *MemoryRepository) Credit(ctx context.Context, chatID int64, userID int64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit", gamecore.ErrInvalidAmount)
	}
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.balances[balanceKey(chatID, userID)] += amount
	return nil
}
