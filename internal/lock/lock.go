// Package lock serializes expansion runs of one series across workers.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired means another holder owns the key.
var ErrNotAcquired = errors.New("lock: not acquired")

// Lease releases a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive, expiring leases on keys.
type Locker interface {
	// TryLock returns ErrNotAcquired immediately when key is held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// SeriesKey is the lock key for expansion of one series.
func SeriesKey(seriesID string) string {
	return "series-expand:" + seriesID
}

// Local is an in-process Locker for single-worker deployments and tests.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	token uint64
}

type localEntry struct {
	token     uint64
	expiresAt time.Time
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiresAt) {
		return nil, ErrNotAcquired
	}
	l.token++
	l.held[key] = localEntry{token: l.token, expiresAt: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: l.token}, nil
}

type localLease struct {
	locker *Local
	key    string
	token  uint64
}

// Release is a no-op when the lease already expired and was taken over.
func (l *localLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	if entry, ok := l.locker.held[l.key]; ok && entry.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}
