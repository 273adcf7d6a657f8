package jwt

import (
	"encoding/json"
	"net/http"
	"strings"
)

// TokenExtractorFunc pulls the raw token out of a request.
type TokenExtractorFunc func(r *http.Request) (string, error)

// BearerTokenExtractor reads "Authorization: Bearer <token>".
func BearerTokenExtractor(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// CookieTokenExtractor reads the token from the named cookie.
func CookieTokenExtractor(name string) TokenExtractorFunc {
	return func(r *http.Request) (string, error) {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return "", ErrMissingToken
		}
		return c.Value, nil
	}
}

// Middleware rejects requests without a valid token with 401 and stores
// the claims in the request context otherwise. Extractors are tried in order;
// the bearer header is used when none are given.
func Middleware(s *Service, extractors ...TokenExtractorFunc) func(http.Handler) http.Handler {
	if s == nil {
		panic("jwt: nil service")
	}
	if len(extractors) == 0 {
		extractors = []TokenExtractorFunc{BearerTokenExtractor}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			for _, extract := range extractors {
				if t, err := extract(r); err == nil {
					token = t
					break
				}
			}

			claims, err := s.Parse(token)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r.WithContext(SetClaims(r.Context(), claims)))
		})
	}
}
