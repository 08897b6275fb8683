package lockmgr

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

const (
	errorOperationLock = "lockmgr"
	errorSubjectRecord = "record"
	errorCodeAcquire   = "acquire"
	errorCodeRelease   = "release"
	errorCodeHolder    = "holder"
	errorCodeClear     = "clear"
)

// releaseScript deletes the lock key only when the caller's token still
// holds it, so a late release after TTL expiry cannot free another
// holder's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisBackend stores lock records as SET NX PX keys.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an already-connected client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// TryAcquire claims the key when free; redis expires it at TTL.
func (backend *RedisBackend) TryAcquire(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	acquired, err := backend.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, gamecore.WrapError(errorOperationLock, errorSubjectRecord, errorCodeAcquire, err)
	}
	return acquired, nil
}

// Release frees the key if token still holds it.
func (backend *RedisBackend) Release(ctx context.Context, key string, token string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, backend.client, []string{key}, token).Int64()
	if err != nil {
		return false, gamecore.WrapError(errorOperationLock, errorSubjectRecord, errorCodeRelease, err)
	}
	return deleted == 1, nil
}

// Holder returns the current holder token, or "" when free.
func (backend *RedisBackend) Holder(ctx context.Context, key string) (string, error) {
	token, err := backend.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", gamecore.WrapError(errorOperationLock, errorSubjectRecord, errorCodeHolder, err)
	}
	return token, nil
}

// Clear force-releases every lock matching pattern.
func (backend *RedisBackend) Clear(ctx context.Context, pattern string) (int, error) {
	cleared := 0
	iterator := backend.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iterator.Next(ctx) {
		if err := backend.client.Del(ctx, iterator.Val()).Err(); err != nil {
			return cleared, gamecore.WrapError(errorOperationLock, errorSubjectRecord, errorCodeClear, err)
		}
		cleared++
	}
	if err := iterator.Err(); err != nil {
		return cleared, gamecore.WrapError(errorOperationLock, errorSubjectRecord, errorCodeClear, err)
	}
	return cleared, nil
}
