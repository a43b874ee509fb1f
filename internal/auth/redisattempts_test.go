package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisGuard(t *testing.T, opts ...GuardOption) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]GuardOption{WithAttemptStore(NewRedisAttemptStore(client, ""))}, opts...)
	g, err := NewGuard(opts...)
	require.NoError(t, err)
	return g, mr
}

func TestRedisStoreLocksAndExpires(t *testing.T) {
	ctx := context.Background()
	g, mr := newRedisGuard(t, WithFailureThreshold(3), WithLockoutDuration(time.Minute))

	for i := 0; i < 2; i++ {
		locked, err := g.RecordFailure(ctx, "a@x.com|10.0.0.1")
		require.NoError(t, err)
		require.False(t, locked)
	}
	locked, err := g.RecordFailure(ctx, "a@x.com|10.0.0.1")
	require.NoError(t, err)
	require.True(t, locked)
	require.True(t, mr.Exists("portal:bf:{a@x.com|10.0.0.1}:lock"))

	isLocked, err := g.IsLocked(ctx, "a@x.com|10.0.0.1")
	require.NoError(t, err)
	require.True(t, isLocked)

	locked, _ = g.RecordFailure(ctx, "a@x.com|10.0.0.1")
	require.False(t, locked, "no second transition while locked")

	mr.FastForward(61 * time.Second)
	isLocked, _ = g.IsLocked(ctx, "a@x.com|10.0.0.1")
	require.False(t, isLocked)
}

func TestRedisStoreClear(t *testing.T) {
	ctx := context.Background()
	g, mr := newRedisGuard(t, WithFailureThreshold(2))

	_, _ = g.RecordFailure(ctx, "id")
	require.NoError(t, g.Clear(ctx, "id"))
	require.False(t, mr.Exists("portal:bf:{id}:fail"))

	locked, _ := g.RecordFailure(ctx, "id")
	require.False(t, locked, "count restarts after clear")
}

func TestRedisStoreWindowExpiry(t *testing.T) {
	ctx := context.Background()
	g, mr := newRedisGuard(t, WithFailureThreshold(2), WithFailureWindow(time.Minute))

	_, _ = g.RecordFailure(ctx, "id")
	mr.FastForward(2 * time.Minute)
	locked, _ := g.RecordFailure(ctx, "id")
	require.False(t, locked, "failure outside the window starts a new count")
}

func TestRedisStoreConcurrentLockOnce(t *testing.T) {
	ctx := context.Background()
	g, _ := newRedisGuard(t)

	var (
		wg          sync.WaitGroup
		transitions atomic.Int32
	)
	for i := 0; i < DefaultFailureThreshold*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locked, err := g.RecordFailure(ctx, "race")
			if err != nil {
				t.Errorf("RecordFailure: %v", err)
			}
			if locked {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), transitions.Load())
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	store := NewRedisAttemptStore(client, "test")
	_, err := store.Locked(context.Background(), "id", time.Now())
	require.Error(t, err)
}
