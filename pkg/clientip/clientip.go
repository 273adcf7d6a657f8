package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DefaultHeaders is the lookup order used by GetIP.
var DefaultHeaders = []string{
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
}

// Resolver extracts the client address from a request.
type Resolver struct {
	headers []string
}

// NewResolver returns a resolver that checks headers in order before falling
// back to RemoteAddr. Pass no headers to trust only the socket address.
func NewResolver(headers ...string) *Resolver {
	return &Resolver{headers: headers}
}

var defaultResolver = NewResolver(DefaultHeaders...)

// GetIP returns the client IP using DefaultHeaders.
func GetIP(r *http.Request) string {
	return defaultResolver.IP(r)
}

// IP returns the normalized client IP, or "" when nothing valid is found.
// Comma separated headers yield their first valid entry.
func (res *Resolver) IP(r *http.Request) string {
	for _, name := range res.headers {
		value := r.Header.Get(name)
		if value == "" {
			continue
		}
		for candidate := range strings.SplitSeq(value, ",") {
			if ip := parseIP(candidate); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	// Zones are interface local and would split one client across keys.
	return addr.WithZone("").Unmap().String()
}
