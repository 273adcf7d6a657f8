package clientip

import "net/http"

// Middleware resolves the client IP once and stores it in the request context.
func Middleware(res *Resolver) func(http.Handler) http.Handler {
	if res == nil {
		res = defaultResolver
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := SetIPToContext(r.Context(), res.IP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyFunc returns the IP stored by Middleware, resolving it on the fly when
// the middleware did not run. Its signature matches ratelimiter.KeyFunc.
func KeyFunc(r *http.Request) string {
	if ip := GetIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return GetIP(r)
}
