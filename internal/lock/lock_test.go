package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTryLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker := NewLocal()

	lease, err := locker.TryLock(ctx, SeriesKey("s1"), time.Minute)
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, SeriesKey("s1"), time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	_, err = locker.TryLock(ctx, SeriesKey("s2"), time.Minute)
	assert.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	_, err = locker.TryLock(ctx, SeriesKey("s1"), time.Minute)
	assert.NoError(t, err)
}

func TestLocalExpiredLeaseIsTakenOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewLocal()
	locker.now = func() time.Time { return now }

	stale, err := locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	// Releasing the stale lease must not free the new holder's key.
	require.NoError(t, stale.Release(ctx))
	_, err = locker.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, fresh.Release(ctx))
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewRedis(client, "test:").TryLock(context.Background(), "k", time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotAcquired))
}
