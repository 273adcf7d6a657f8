// Package ratelimiter implements a token bucket limiter with pluggable storage.
//
// MemoryStore serves a single process; RedisStore runs the refill-and-take step
// as a Lua script so several instances share one budget per key. Middleware
// plugs a Limiter into net/http, keyed by any KeyFunc (typically the client IP).
//
//	store := ratelimiter.NewMemoryStore()
//	bucket, err := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       10,
//		RefillRate:     1,
//		RefillInterval: 2 * time.Second,
//	})
//	r.With(ratelimiter.Middleware(bucket, clientip.KeyFunc, log)).Get("/status", h)
package ratelimiter
