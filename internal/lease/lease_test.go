package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:"), mr
}

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	locker, _ := newLocker(t)

	l, err := locker.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release(ctx))
	l2, err := locker.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestRedisLocker_ExpiredLeaseDoesNotReleaseNewOwner(t *testing.T) {
	ctx := context.Background()
	locker, mr := newLocker(t)

	stale, err := locker.Acquire(ctx, "sweep", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("test:sweep"))

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("test:sweep"))
}

func TestNopLocker(t *testing.T) {
	l, err := NopLocker{}.Acquire(context.Background(), "x", time.Second)
	require.NoError(t, err)
	assert.NoError(t, l.Release(context.Background()))
}
