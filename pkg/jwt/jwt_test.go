package jwt_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/pkg/jwt"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := jwt.New(nil)
	require.ErrorIs(t, err, jwt.ErrMissingSigningKey)
	_, err = jwt.NewFromString("")
	require.ErrorIs(t, err, jwt.ErrMissingSigningKey)
}

func TestIssueAndParse(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, err := jwt.New(secret, jwt.WithIssuer("auth"), jwt.WithClock(clock))
	require.NoError(t, err)

	token, err := svc.Issue("user-1", time.Hour)
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "auth", claims.Issuer)

	t.Run("missing subject", func(t *testing.T) {
		_, err := svc.Issue("", time.Hour)
		require.ErrorIs(t, err, jwt.ErrMissingSubject)
	})

	t.Run("expired", func(t *testing.T) {
		later, err := jwt.New(secret, jwt.WithIssuer("auth"), jwt.WithClock(func() time.Time { return now.Add(2 * time.Hour) }))
		require.NoError(t, err)
		_, err = later.Parse(token)
		require.ErrorIs(t, err, jwt.ErrExpiredToken)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := jwt.New([]byte("another-secret"), jwt.WithClock(clock))
		require.NoError(t, err)
		_, err = other.Parse(token)
		require.ErrorIs(t, err, jwt.ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := jwt.New(secret, jwt.WithIssuer("someone-else"), jwt.WithClock(clock))
		require.NoError(t, err)
		_, err = other.Parse(token)
		require.ErrorIs(t, err, jwt.ErrInvalidToken)
	})

	t.Run("algorithm none rejected", func(t *testing.T) {
		unsigned, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: gojwt.NewNumericDate(now.Add(time.Hour)),
		}).SignedString(gojwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Parse(unsigned)
		require.ErrorIs(t, err, jwt.ErrInvalidToken)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := svc.Parse("")
		require.ErrorIs(t, err, jwt.ErrMissingToken)
	})
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	svc, err := jwt.New(secret)
	require.NoError(t, err)
	token, err := svc.Issue("user-42", time.Hour)
	require.NoError(t, err)

	var seen string
	handler := jwt.Middleware(svc, jwt.BearerTokenExtractor, jwt.CookieTokenExtractor("session"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = jwt.UserIDFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}),
	)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusNoContent, "user-42"},
		{"lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer "+token) }, http.StatusNoContent, "user-42"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: token}) }, http.StatusNoContent, "user-42"},
		{"missing", func(*http.Request) {}, http.StatusUnauthorized, ""},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.user, seen)
		})
	}
}
