package cache

import (
	"context"
	"sync"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = 5 * time.Minute

// InMemoryDedupCache implements integration.DedupCache with one go-cache
// instance per connection. Scopes are independent, so marking events on one
// connection never contends with another.
// Suitable for single-instance deployments and testing.
type InMemoryDedupCache struct {
	scopes          sync.Map // uuid.UUID -> *gocache.Cache
	defaultTTL      time.Duration
	cleanupInterval time.Duration
}

// NewInMemoryDedupCache creates an in-memory dedup cache
func NewInMemoryDedupCache(defaultTTL time.Duration) *InMemoryDedupCache {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &InMemoryDedupCache{
		defaultTTL:      defaultTTL,
		cleanupInterval: defaultCleanupInterval,
	}
}

func (c *InMemoryDedupCache) scope(connectionID uuid.UUID) *gocache.Cache {
	if s, ok := c.scopes.Load(connectionID); ok {
		return s.(*gocache.Cache)
	}
	s, _ := c.scopes.LoadOrStore(connectionID, gocache.New(c.defaultTTL, c.cleanupInterval))
	return s.(*gocache.Cache)
}

func dedupKey(source, eventID string) string {
	return source + ":" + eventID
}

// MarkSeen records the event and reports whether it was new
func (c *InMemoryDedupCache) MarkSeen(_ context.Context, connectionID uuid.UUID, source, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	// Add fails when an unexpired item already exists
	if err := c.scope(connectionID).Add(dedupKey(source, eventID), struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Release forgets one event
func (c *InMemoryDedupCache) Release(_ context.Context, connectionID uuid.UUID, source, eventID string) error {
	if s, ok := c.scopes.Load(connectionID); ok {
		s.(*gocache.Cache).Delete(dedupKey(source, eventID))
	}
	return nil
}

// Forget drops the scope of a connection
func (c *InMemoryDedupCache) Forget(_ context.Context, connectionID uuid.UUID) error {
	if s, ok := c.scopes.LoadAndDelete(connectionID); ok {
		s.(*gocache.Cache).Flush()
	}
	return nil
}

// Size returns the number of live entries of a connection (for testing/monitoring)
func (c *InMemoryDedupCache) Size(connectionID uuid.UUID) int {
	if s, ok := c.scopes.Load(connectionID); ok {
		return s.(*gocache.Cache).ItemCount()
	}
	return 0
}

var _ integration.DedupCache = (*InMemoryDedupCache)(nil)
