package gateway

import "errors"

var (
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	ErrMissingSecret    = errors.New("gateway: webhook secret is not configured")
	ErrUnknownKind      = errors.New("gateway: unknown webhook kind")
	ErrMalformedPayload = errors.New("gateway: malformed webhook payload")
	ErrInvalidAmount    = errors.New("gateway: invalid amount")

	ErrInvalidConfiguration = errors.New("gateway: invalid client configuration")
	ErrRequestFailed        = errors.New("gateway: api request failed")
	ErrRejected             = errors.New("gateway: api rejected request")
	ErrCircuitOpen          = errors.New("gateway: circuit breaker is open")
)

// IsCircuitOpen reports whether err came from an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
