// Package redis connects to Redis with go-redis/v9. The client backs the
// distributed rate-limit store used by the checkout status endpoint.
package redis
