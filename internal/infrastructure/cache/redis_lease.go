package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisRunLock implements integration.RunLock with SET NX PX so the exclusive
// run invariant holds across service instances.
type RedisRunLock struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRunLock creates a run lock on an existing Redis client
func NewRedisRunLock(client *redis.Client, keyPrefix string) *RedisRunLock {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisRunLock{client: client, keyPrefix: keyPrefix}
}

func (l *RedisRunLock) key(key string) string {
	return l.keyPrefix + "lease:" + key
}

// TryAcquire takes the lease on key or returns ErrLeaseHeld
func (l *RedisRunLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire run lease: %w", err)
	}
	if !ok {
		return "", integration.ErrLeaseHeld
	}
	return token, nil
}

// Refresh extends a lease the caller holds
func (l *RedisRunLock) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh run lease: %w", err)
	}
	if n == 0 {
		return integration.ErrLeaseNotOwned
	}
	return nil
}

// Release drops a lease the caller holds
func (l *RedisRunLock) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release run lease: %w", err)
	}
	if n == 0 {
		return integration.ErrLeaseNotOwned
	}
	return nil
}

var _ integration.RunLock = (*RedisRunLock)(nil)
