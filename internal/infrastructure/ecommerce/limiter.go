package ecommerce

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/erp/marketsync/internal/domain/integration"
)

// LimiterRegistry holds one token bucket per connection. Buckets are created on
// first use, resized when the connection's documented limit changes and dropped
// on teardown. Every key is stored independently so connections never contend.
type LimiterRegistry struct {
	buckets sync.Map // uuid.UUID -> *limiterEntry
}

type limiterEntry struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	perSecond float64
	burst     int
}

// NewLimiterRegistry creates an empty registry
func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{}
}

// Wait blocks until the connection's bucket hands out a token or ctx ends
func (r *LimiterRegistry) Wait(ctx context.Context, conn *integration.Connection) error {
	return r.limiterFor(conn).Wait(ctx)
}

// Limiter returns the bucket of a connection, creating it when missing
func (r *LimiterRegistry) Limiter(conn *integration.Connection) *rate.Limiter {
	return r.limiterFor(conn)
}

func (r *LimiterRegistry) limiterFor(conn *integration.Connection) *rate.Limiter {
	perSecond, burst := conn.RateLimitPerSecond, conn.RateLimitBurst
	if perSecond <= 0 || burst <= 0 {
		perSecond, burst = conn.Kind.DefaultRateLimit()
	}

	if v, ok := r.buckets.Load(conn.ID); ok {
		entry := v.(*limiterEntry)
		entry.resize(perSecond, burst)
		return entry.limiter
	}

	entry := &limiterEntry{
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		perSecond: perSecond,
		burst:     burst,
	}
	actual, loaded := r.buckets.LoadOrStore(conn.ID, entry)
	if loaded {
		existing := actual.(*limiterEntry)
		existing.resize(perSecond, burst)
		return existing.limiter
	}
	return entry.limiter
}

func (e *limiterEntry) resize(perSecond float64, burst int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.perSecond == perSecond && e.burst == burst {
		return
	}
	e.limiter.SetLimit(rate.Limit(perSecond))
	e.limiter.SetBurst(burst)
	e.perSecond = perSecond
	e.burst = burst
}

// Remove drops the bucket of a connection
func (r *LimiterRegistry) Remove(connectionID uuid.UUID) {
	r.buckets.Delete(connectionID)
}

// Len returns the number of live buckets
func (r *LimiterRegistry) Len() int {
	n := 0
	r.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
