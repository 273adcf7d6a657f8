// Package clientip resolves the caller's IP address behind reverse proxies.
//
// Headers are consulted in the configured order and the first valid address
// wins; RemoteAddr is the fallback. Addresses are normalized (IPv4-mapped IPv6
// is unmapped, zones dropped) so the same client always yields the same key,
// which is what per-IP rate limiting relies on.
//
//	r.Use(clientip.Middleware(clientip.NewResolver("X-Forwarded-For")))
//	ip := clientip.GetIPFromContext(r.Context())
//
// Only trust headers that your edge proxy overwrites. A header the client can
// set freely lets it pick its own rate limit bucket.
package clientip
