package ratelimiter_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/pkg/logger"
	"github.com/dmitrymomot/tokenbill/pkg/ratelimiter"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0), ratelimiter.WithClock(clock.Now))
	bucket, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 2, RefillRate: 1, RefillInterval: 5 * time.Second})
	require.NoError(t, err)

	handler := ratelimiter.Middleware(bucket, func(r *http.Request) string { return r.RemoteAddr }, logger.Discard())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/checkout/intents/cs_1", nil)
		req.RemoteAddr = "10.0.0.1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := range 2 {
		rec := call()
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := call()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ratelimiter.LimitedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 5, body.RetryAfter)
	assert.Equal(t, "too_many_requests", body.Error)

	clock.Advance(5 * time.Second)
	assert.Equal(t, http.StatusOK, call().Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	t.Parallel()

	bucket, err := ratelimiter.NewBucket(failingStore{}, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second})
	require.NoError(t, err)

	handler := ratelimiter.Middleware(bucket, ratelimiter.Static("k"), logger.Discard())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestComposite(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	key := ratelimiter.Composite(ratelimiter.Static("status"), ratelimiter.Static(""), ratelimiter.Static("1.2.3.4"))(req)
	assert.Equal(t, "status:1.2.3.4", key)

	long := ratelimiter.Composite(ratelimiter.Static(strings.Repeat("a", 80)))(req)
	assert.LessOrEqual(t, len(long), 13)
	assert.Equal(t, long, ratelimiter.Composite(ratelimiter.Static(strings.Repeat("a", 80)))(req))
}
