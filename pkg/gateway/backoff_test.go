package gateway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/tokenbill/pkg/gateway"
)

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := gateway.ExponentialBackoff{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Zero(t, b.NextInterval(0))
	assert.Equal(t, 100*time.Millisecond, b.NextInterval(1))
	assert.Equal(t, 200*time.Millisecond, b.NextInterval(2))
	assert.Equal(t, 400*time.Millisecond, b.NextInterval(3))
	assert.Equal(t, time.Second, b.NextInterval(10))

	jittered := gateway.ExponentialBackoff{InitialInterval: 100 * time.Millisecond, JitterFactor: 0.5}
	for range 50 {
		d := jittered.NextInterval(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}

	assert.Equal(t, 7*time.Millisecond, gateway.FixedBackoff{Interval: 7 * time.Millisecond}.NextInterval(4))
}

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	cb := gateway.NewCircuitBreaker(2, 1, 20*time.Millisecond)
	assert.Equal(t, gateway.CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, gateway.CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, gateway.CircuitHalfOpen, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, gateway.CircuitOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, gateway.CircuitClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}
