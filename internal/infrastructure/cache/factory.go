package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RuntimeStores bundles the runtime coordination stores of the orchestrator
type RuntimeStores struct {
	Dedup   integration.DedupCache
	RunLock integration.RunLock
	// Distributed is true when the stores are shared across instances
	Distributed bool
	client      *redis.Client
}

// Close releases the Redis client, if any
func (s *RuntimeStores) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ping checks the shared backend; in-memory stores are always reachable
func (s *RuntimeStores) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// StoreFactory creates runtime stores based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	dedupTTL              time.Duration
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory stores when Redis is unavailable
// Default is true
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// WithDedupTTL sets the default dedup window
func WithDedupTTL(ttl time.Duration) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.dedupTTL = ttl
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(cfg config.RedisConfig, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           cfg,
		dedupTTL:              24 * time.Hour,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateRedisStores connects to Redis and builds the shared stores
func (f *StoreFactory) CreateRedisStores(ctx context.Context) (*RuntimeStores, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     f.redisConfig.Addr(),
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RuntimeStores{
		Dedup:       NewRedisDedupCache(client, f.redisConfig.KeyPrefix, f.dedupTTL),
		RunLock:     NewRedisRunLock(client, f.redisConfig.KeyPrefix),
		Distributed: true,
		client:      client,
	}, nil
}

// CreateInMemoryStores builds process-local stores.
// WARNING: in-memory stores do not share state across instances, so the
// exclusive run lease and webhook dedup hold per process only.
func (f *StoreFactory) CreateInMemoryStores() *RuntimeStores {
	return &RuntimeStores{
		Dedup:   NewInMemoryDedupCache(f.dedupTTL),
		RunLock: NewInMemoryRunLock(),
	}
}

// CreateStores tries Redis first when enabled and falls back to in-memory
// stores when allowed
func (f *StoreFactory) CreateStores(ctx context.Context) (*RuntimeStores, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-memory runtime stores")
		return f.CreateInMemoryStores(), nil
	}

	stores, err := f.CreateRedisStores(ctx)
	if err == nil {
		f.logger.Info("using Redis runtime stores", zap.String("addr", f.redisConfig.Addr()))
		return stores, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for runtime stores but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory runtime stores. "+
		"Run leases and webhook dedup will not be shared between instances.",
		zap.Error(err),
	)
	return f.CreateInMemoryStores(), nil
}
