package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "marketsync:"

// RedisDedupCache implements integration.DedupCache on Redis so several
// service instances share one view of delivered webhook events.
type RedisDedupCache struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// NewRedisDedupCache creates a dedup cache on an existing Redis client
func NewRedisDedupCache(client *redis.Client, keyPrefix string, defaultTTL time.Duration) *RedisDedupCache {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &RedisDedupCache{client: client, keyPrefix: keyPrefix, defaultTTL: defaultTTL}
}

func (c *RedisDedupCache) scopePrefix(connectionID uuid.UUID) string {
	return c.keyPrefix + "dedup:" + connectionID.String() + ":"
}

func (c *RedisDedupCache) key(connectionID uuid.UUID, source, eventID string) string {
	return c.scopePrefix(connectionID) + source + ":" + eventID
}

// MarkSeen uses SETNX with TTL in a single atomic operation
func (c *RedisDedupCache) MarkSeen(ctx context.Context, connectionID uuid.UUID, source, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	ok, err := c.client.SetNX(ctx, c.key(connectionID, source, eventID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook event as seen: %w", err)
	}
	return ok, nil
}

// Release deletes one event key
func (c *RedisDedupCache) Release(ctx context.Context, connectionID uuid.UUID, source, eventID string) error {
	if err := c.client.Del(ctx, c.key(connectionID, source, eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release webhook event: %w", err)
	}
	return nil
}

// Forget deletes every key of the connection scope
func (c *RedisDedupCache) Forget(ctx context.Context, connectionID uuid.UUID) error {
	iter := c.client.Scan(ctx, 0, c.scopePrefix(connectionID)+"*", 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to drop dedup scope: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan dedup scope: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to drop dedup scope: %w", err)
		}
	}
	return nil
}

var _ integration.DedupCache = (*RedisDedupCache)(nil)
