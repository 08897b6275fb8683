package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

const (
	versionKeySuffix = ":version"

	errorOperationStore = "kvstore"
	errorSubjectKey     = "key"
	errorCodeGet        = "get"
	errorCodeSwap       = "swap"
	errorCodeDelete     = "delete"
	errorCodeScan       = "scan"
)

// compareAndSwapScript checks the version counter before writing the
// value and bumping the counter, all in one atomic step. A missing
// counter reads as zero so first writes use NoVersion.
var compareAndSwapScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if not current then
  current = '0'
end
if current ~= ARGV[1] then
  return -1
end
redis.call('SET', KEYS[1], ARGV[2])
return redis.call('INCR', KEYS[2])
`)

// RedisStore implements Store on a redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func versionKey(key string) string {
	return key + versionKeySuffix
}

// Get returns the stored value and its version.
func (store *RedisStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	pipe := store.client.Pipeline()
	valueCmd := pipe.Get(ctx, key)
	versionCmd := pipe.Get(ctx, versionKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, NoVersion, gamecore.WrapError(errorOperationStore, errorSubjectKey, errorCodeGet, err)
	}
	value, err := valueCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, NoVersion, fmt.Errorf("%w: %s", gamecore.ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, NoVersion, gamecore.WrapError(errorOperationStore, errorSubjectKey, errorCodeGet, err)
	}
	version, err := versionCmd.Int64()
	if errors.Is(err, redis.Nil) {
		version = 0
	} else if err != nil {
		return nil, NoVersion, gamecore.WrapError(errorOperationStore, errorSubjectKey, errorCodeGet, err)
	}
	return value, Version(version), nil
}

// CompareAndSwap writes value if the stored version matches expected.
func (store *RedisStore) CompareAndSwap(ctx context.Context, key string, expected Version, value []byte) (Version, error) {
	result, err := compareAndSwapScript.Run(
		ctx,
		store.client,
		[]string{key, versionKey(key)},
		fmt.Sprintf("%d", expected),
		value,
	).Int64()
	if err != nil {
		return NoVersion, gamecore.WrapError(errorOperationStore, errorSubjectKey, errorCodeSwap, err)
	}
	if result < 0 {
		return NoVersion, fmt.Errorf("%w: %s expected version %d", gamecore.ErrVersionConflict, key, expected)
	}
	return Version(result), nil
}

// Delete removes the key and version counter.
func (store *RedisStore) Delete(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, key, versionKey(key)).Err(); err != nil {
		return gamecore.WrapError(errorOperationStore, errorSubjectKey, errorCodeDelete, err)
	}
	return nil
}

// ScanKeys iterates keys matching pattern, filtering out version
// counters so callers only see value keys.
func (store *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iterator := store.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iterator.Next(ctx) {
		key := iterator.Val()
		if len(key) > len(versionKeySuffix) && key[len(key)-len(versionKeySuffix):] == versionKeySuffix {
			continue
		}
		keys = append(keys, key)
	}
	if err := iterator.Err(); err != nil {
		return nil, gamecore.WrapError(errorOperationStore, errorSubjectKey, errorCodeScan, err)
	}
	return keys, nil
}
