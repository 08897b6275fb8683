package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

const (
	errorOperationWallet = "wallet"
	errorSubjectBalance  = "balance"
	errorCodeGet         = "get"
	errorCodeDebit       = "debit"
	errorCodeCredit      = "credit"
)

// debitScript checks the balance and decrements in one atomic step so
// two concurrent debits cannot both pass the sufficiency check.
var debitScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
  return -1
end
return redis.call('DECRBY', KEYS[1], amount)
`)

// RedisRepository stores balances as integer redis keys.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository wraps an already-connected client.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// Balance returns the current chip balance.
func (repository *RedisRepository) Balance(ctx context.Context, chatID int64, userID int64) (int64, error) {
	balance, err := repository.client.Get(ctx, balanceKey(chatID, userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, gamecore.WrapError(errorOperationWallet, errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

// Debit atomically removes amount, failing when the balance is short.
func (repository *RedisRepository) Debit(ctx context.Context, chatID int64, userID int64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit", gamecore.ErrInvalidAmount)
	}
	result, err := debitScript.Run(ctx, repository.client, []string{balanceKey(chatID, userID)}, amount).Int64()
	if err != nil {
		return gamecore.WrapError(errorOperationWallet, errorSubjectBalance, errorCodeDebit, err)
	}
	if result < 0 {
		return fmt.Errorf("%w: requested %d", gamecore.ErrInsufficientFunds, amount)
	}
	return nil
}

// Credit atomically adds amount.
func (repository *RedisRepository) Credit(ctx context.Context, chatID int64, userID int64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit", gamecore.ErrInvalidAmount)
	}
	if err := repository.client.IncrBy(ctx, balanceKey(chatID, userID), amount).Err(); err != nil {
		return gamecore.WrapError(errorOperationWallet, errorSubjectBalance, errorCodeCredit, err)
	}
	return nil
}
