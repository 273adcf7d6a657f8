package clientip_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/tokenbill/pkg/clientip"
)

func TestGetIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{
			name:       "cloudflare header wins",
			headers:    map[string]string{"CF-Connecting-IP": "203.0.113.195", "X-Forwarded-For": "192.168.1.1"},
			remoteAddr: "172.16.0.1:54321",
			expected:   "203.0.113.195",
		},
		{
			name:       "first forwarded entry",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.178, 203.0.113.195"},
			remoteAddr: "10.0.0.1:54321",
			expected:   "198.51.100.178",
		},
		{
			name:       "skips invalid forwarded entries",
			headers:    map[string]string{"X-Forwarded-For": "unknown, ,198.51.100.7"},
			remoteAddr: "10.0.0.1:54321",
			expected:   "198.51.100.7",
		},
		{
			name:       "invalid header falls through",
			headers:    map[string]string{"CF-Connecting-IP": "nope", "X-Real-IP": "192.168.1.1"},
			remoteAddr: "10.0.0.1:54321",
			expected:   "192.168.1.1",
		},
		{
			name:       "remote addr with port",
			remoteAddr: "127.0.0.1:8080",
			expected:   "127.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "127.0.0.1",
			expected:   "127.0.0.1",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			expected:   "2001:db8::1",
		},
		{
			name:       "ipv4 mapped ipv6 is unmapped",
			headers:    map[string]string{"X-Real-IP": "::ffff:192.0.2.1"},
			remoteAddr: "10.0.0.1:1",
			expected:   "192.0.2.1",
		},
		{
			name:       "zone is dropped",
			remoteAddr: "[fe80::1%eth0]:80",
			expected:   "fe80::1",
		},
		{
			name:       "garbage everywhere",
			headers:    map[string]string{"X-Forwarded-For": "a,b"},
			remoteAddr: "not-an-addr",
			expected:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, clientip.GetIP(req))
		})
	}
}

func TestResolverWithoutHeaders(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:5000"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")

	assert.Equal(t, "10.1.1.1", clientip.NewResolver().IP(req))
	assert.Equal(t, "1.1.1.1", clientip.NewResolver("X-Forwarded-For").IP(req))
}

func TestMiddlewareAndKeyFunc(t *testing.T) {
	t.Parallel()

	var fromCtx, fromKey string
	handler := clientip.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = clientip.GetIPFromContext(r.Context())
		fromKey = clientip.KeyFunc(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "203.0.113.9", fromCtx)
	assert.Equal(t, fromCtx, fromKey)

	t.Run("key func without middleware", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.44:1234"
		assert.Equal(t, "192.0.2.44", clientip.KeyFunc(req))
	})
}
