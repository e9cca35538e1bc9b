package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFromRedis(rdb, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})), mr
}

func TestLockerAcquireRelease(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client, "")
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "trigger", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("fern:lock:trigger"))

	_, err = locker.Acquire(ctx, "trigger", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("fern:lock:trigger"))
	assert.ErrorIs(t, lock.Release(ctx), ErrLockNotHeld)
}

func TestLockExpires(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client, "")
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "trigger", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	assert.ErrorIs(t, lock.Extend(ctx, time.Second), ErrLockNotHeld)

	_, err = locker.Acquire(ctx, "trigger", time.Second)
	assert.NoError(t, err)
}

func TestLockerTryAcquireTimesOut(t *testing.T) {
	client, _ := newTestClient(t)
	locker := NewLocker(client, "")
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "busy", time.Minute)
	require.NoError(t, err)

	_, err = locker.TryAcquire(ctx, "busy", time.Minute, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestLockerWithLockReleasesOnError(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client, "")

	boom := errors.New("boom")
	err := locker.WithLock(context.Background(), "job", time.Minute, func(ctx context.Context) error {
		assert.True(t, mr.Exists("fern:lock:job"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("fern:lock:job"))
}

func TestPartitionGuardSerializes(t *testing.T) {
	client, mr := newTestClient(t)
	guard := NewPartitionGuard(NewLocker(client, ""), time.Minute, 0)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := guard.WithLock(context.Background(), func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.False(t, mr.Exists("fern:lock:partition-ddl"))
}

func TestPartitionGuardWaitsForOtherInstance(t *testing.T) {
	client, _ := newTestClient(t)
	locker := NewLocker(client, "")

	other, err := locker.Acquire(context.Background(), partitionLockKey, time.Minute)
	require.NoError(t, err)

	guard := NewPartitionGuard(locker, time.Minute, 50*time.Millisecond)
	called := false
	err = guard.WithLock(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)

	require.NoError(t, other.Release(context.Background()))
	require.NoError(t, guard.WithLock(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestSectorSyncRegistry(t *testing.T) {
	client, _ := newTestClient(t)
	registry := NewSectorSyncRegistry(client)
	ctx := context.Background()

	sector, err := registry.IsDatasetLocked(ctx, 1000)
	require.NoError(t, err)
	assert.Nil(t, sector)

	require.NoError(t, registry.Lock(ctx, 1000, 42, time.Minute))
	assert.ErrorIs(t, registry.Lock(ctx, 1000, 43, time.Minute), ErrLockNotAcquired)

	sector, err = registry.IsDatasetLocked(ctx, 1000)
	require.NoError(t, err)
	require.NotNil(t, sector)
	assert.Equal(t, 42, *sector)

	require.NoError(t, registry.Unlock(ctx, 1000))
	sector, err = registry.IsDatasetLocked(ctx, 1000)
	require.NoError(t, err)
	assert.Nil(t, sector)
}
