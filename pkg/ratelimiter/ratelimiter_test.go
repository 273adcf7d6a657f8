package ratelimiter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/pkg/ratelimiter"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNewBucketValidation(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	tests := []struct {
		name   string
		config ratelimiter.Config
		msg    string
	}{
		{"zero capacity", ratelimiter.Config{Capacity: 0, RefillRate: 1, RefillInterval: time.Second}, "capacity must be positive"},
		{"negative refill", ratelimiter.Config{Capacity: 1, RefillRate: -1, RefillInterval: time.Second}, "refill rate must be positive"},
		{"zero interval", ratelimiter.Config{Capacity: 1, RefillRate: 1}, "refill interval must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ratelimiter.NewBucket(store, tt.config)
			require.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	_, err := ratelimiter.NewBucket(nil, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second})
	require.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
}

func TestBucketAllow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newClock()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0), ratelimiter.WithClock(clock.Now))
	bucket, err := ratelimiter.NewBucket(store, ratelimiter.Config{
		Capacity:       3,
		RefillRate:     1,
		RefillInterval: 2 * time.Second,
	})
	require.NoError(t, err)

	for i := range 3 {
		res, err := bucket.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, 2-i, res.Remaining)
		assert.Zero(t, res.RetryAfter())
	}

	denied, err := bucket.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, denied.Allowed())
	assert.Equal(t, 2, denied.RetryAfterSeconds())

	t.Run("denied requests do not deepen the debt", func(t *testing.T) {
		status, err := bucket.Status(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, 0, status.Remaining)
	})

	t.Run("other keys are independent", func(t *testing.T) {
		res, err := bucket.Allow(ctx, "5.6.7.8")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	})

	t.Run("refills after the interval", func(t *testing.T) {
		clock.Advance(2 * time.Second)
		res, err := bucket.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, 0, res.Remaining)
	})

	t.Run("capacity caps refills", func(t *testing.T) {
		clock.Advance(time.Hour)
		status, err := bucket.Status(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, 3, status.Remaining)
	})

	t.Run("reset clears state", func(t *testing.T) {
		_, err := bucket.AllowN(ctx, "1.2.3.4", 3)
		require.NoError(t, err)
		require.NoError(t, bucket.Reset(ctx, "1.2.3.4"))
		status, err := bucket.Status(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, 3, status.Remaining)
	})

	_, err = bucket.AllowN(ctx, "k", 0)
	require.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
}

func TestBucketKeyPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	cfg := ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Minute}

	a, err := ratelimiter.NewBucket(store, cfg, ratelimiter.WithKeyPrefix("status:"))
	require.NoError(t, err)
	b, err := ratelimiter.NewBucket(store, cfg, ratelimiter.WithKeyPrefix("create:"))
	require.NoError(t, err)

	ra, err := a.Allow(ctx, "ip")
	require.NoError(t, err)
	rb, err := b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, ra.Allowed())
	assert.True(t, rb.Allowed())
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStoreConcurrentConsumers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	defer store.Close()
	bucket, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 50, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := bucket.Allow(ctx, "shared")
			if err == nil && res.Allowed() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMemoryStoreCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(time.Millisecond))
	store.Close()
	assert.NotPanics(t, store.Close)
}

type failingStore struct{}

func (failingStore) ConsumeTokens(context.Context, string, int, ratelimiter.Config) (int, time.Time, error) {
	return 0, time.Time{}, ratelimiter.ErrStoreUnavailable
}

func (failingStore) Reset(context.Context, string) error { return errors.New("nope") }

func TestBucketPropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	bucket, err := ratelimiter.NewBucket(failingStore{}, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second})
	require.NoError(t, err)
	_, err = bucket.Allow(context.Background(), "k")
	require.ErrorIs(t, err, ratelimiter.ErrStoreUnavailable)
}
