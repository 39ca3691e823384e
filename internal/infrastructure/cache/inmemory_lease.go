package cache

import (
	"context"
	"sync"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/google/uuid"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// InMemoryRunLock implements integration.RunLock with per-key entries in a
// sync.Map. Expired leases are taken over on the next acquire.
type InMemoryRunLock struct {
	leases sync.Map // string -> *lease
	now    func() time.Time
}

// NewInMemoryRunLock creates an in-memory run lock
func NewInMemoryRunLock() *InMemoryRunLock {
	return &InMemoryRunLock{now: time.Now}
}

// TryAcquire takes the lease on key or returns ErrLeaseHeld
func (l *InMemoryRunLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	now := l.now()
	fresh := &lease{token: uuid.NewString(), expiresAt: now.Add(ttl)}
	for {
		actual, loaded := l.leases.LoadOrStore(key, fresh)
		if !loaded {
			return fresh.token, nil
		}
		current := actual.(*lease)
		if now.Before(current.expiresAt) {
			return "", integration.ErrLeaseHeld
		}
		if l.leases.CompareAndSwap(key, current, fresh) {
			return fresh.token, nil
		}
	}
}

// Refresh extends a lease the caller holds
func (l *InMemoryRunLock) Refresh(_ context.Context, key, token string, ttl time.Duration) error {
	actual, ok := l.leases.Load(key)
	if !ok {
		return integration.ErrLeaseNotOwned
	}
	current := actual.(*lease)
	if current.token != token {
		return integration.ErrLeaseNotOwned
	}
	if !l.leases.CompareAndSwap(key, current, &lease{token: token, expiresAt: l.now().Add(ttl)}) {
		return integration.ErrLeaseNotOwned
	}
	return nil
}

// Release drops a lease the caller holds
func (l *InMemoryRunLock) Release(_ context.Context, key, token string) error {
	actual, ok := l.leases.Load(key)
	if !ok {
		return integration.ErrLeaseNotOwned
	}
	current := actual.(*lease)
	if current.token != token || !l.leases.CompareAndDelete(key, current) {
		return integration.ErrLeaseNotOwned
	}
	return nil
}

var _ integration.RunLock = (*InMemoryRunLock)(nil)
