// Package jwt verifies HS256 bearer tokens issued by the external auth service.
//
// Only the subject (the user id) matters to the billing API; everything else is
// standard registered-claims validation done by github.com/golang-jwt/jwt/v5.
//
//	svc, err := jwt.NewFromString(cfg.JWTSecret)
//	r.With(jwt.Middleware(svc)).Post("/api/checkout/intents", h)
//	userID := jwt.UserIDFromContext(r.Context())
//
// Issue exists for tests and local tooling that need to mint tokens.
package jwt
