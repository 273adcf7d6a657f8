package ratelimiter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/pkg/ratelimiter"
)

func TestRedisStore(t *testing.T) {
	t.Parallel()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	store := ratelimiter.NewRedisStore(client, "test:ratelimit:")
	bucket, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 2, RefillRate: 1, RefillInterval: time.Minute})
	require.NoError(t, err)

	key := "redis-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { _ = bucket.Reset(context.Background(), key) })

	for range 2 {
		res, err := bucket.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	}
	res, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Positive(t, res.RetryAfterSeconds())

	require.NoError(t, bucket.Reset(ctx, key))
	res, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}
