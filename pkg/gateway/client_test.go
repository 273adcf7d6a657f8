package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
	"github.com/dmitrymomot/tokenbill/pkg/gateway"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...gateway.ClientOption) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]gateway.ClientOption{gateway.WithBackoff(gateway.FixedBackoff{Interval: time.Millisecond})}, opts...)
	c, err := gateway.NewClient(gateway.Config{
		PublicID:   "pk_test",
		APISecret:  "secret",
		BaseURL:    srv.URL,
		MaxRetries: 2,
	}, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := gateway.NewClient(gateway.Config{BaseURL: "https://api.example.com"})
	require.ErrorIs(t, err, gateway.ErrInvalidConfiguration)
	_, err = gateway.NewClient(gateway.Config{PublicID: "a", APISecret: "b", BaseURL: "ftp://x"})
	require.ErrorIs(t, err, gateway.ErrInvalidConfiguration)
}

func TestClientCreateSubscription(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "pk_test", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/subscriptions/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"Success":true,"Model":{"Id":"sc_new","Status":"Active","NextTransactionDateIso":"2025-05-04T12:00:00"}}`))
	})

	sub, err := c.CreateSubscription(context.Background(), gateway.SubscriptionRequest{
		Token:     "tk_1",
		AccountID: "user-1",
		Amount:    199900,
		Currency:  "RUB",
		StartDate: start,
		Unit:      billingperiod.Annual,
		Count:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "sc_new", sub.ID)
	assert.Equal(t, start, sub.NextTransactionDate)

	assert.Equal(t, "tk_1", got["Token"])
	assert.InDelta(t, 1999.0, got["Amount"], 0.001)
	assert.Equal(t, "Month", got["Interval"])
	assert.InDelta(t, 12, got["Period"], 0)
	assert.Equal(t, "2025-05-04T12:00:00Z", got["StartDate"])
}

func TestClientRejection(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"Success":false,"Message":"Transaction not found"}`))
	})
	err := c.VoidPayment(context.Background(), "123")
	require.ErrorIs(t, err, gateway.ErrRejected)
	assert.Contains(t, err.Error(), "Transaction not found")
	assert.EqualValues(t, 1, calls.Load())
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "sc_1", body["Id"])
		_, _ = w.Write([]byte(`{"Success":true}`))
	})
	require.NoError(t, c.CancelSubscription(context.Background(), "sc_1"))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := c.VoidPayment(context.Background(), "1")
	require.ErrorIs(t, err, gateway.ErrRequestFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClientCircuitOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, gateway.WithCircuitBreaker(gateway.NewCircuitBreaker(3, 1, time.Hour)))

	err := c.VoidPayment(context.Background(), "1")
	require.ErrorIs(t, err, gateway.ErrRequestFailed)
	assert.EqualValues(t, 3, calls.Load())

	err = c.VoidPayment(context.Background(), "1")
	require.True(t, gateway.IsCircuitOpen(err))
	assert.EqualValues(t, 3, calls.Load())
}

func TestInterval(t *testing.T) {
	t.Parallel()

	i, p := gateway.Interval(billingperiod.Day, 3)
	assert.Equal(t, "Day", i)
	assert.Equal(t, 3, p)
	i, p = gateway.Interval(billingperiod.Month, 1)
	assert.Equal(t, "Month", i)
	assert.Equal(t, 1, p)
	i, p = gateway.Interval(billingperiod.Annual, 2)
	assert.Equal(t, "Month", i)
	assert.Equal(t, 24, p)
}
