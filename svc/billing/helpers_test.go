package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/internal/store/memory"
	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/svc/billing"
)

var epoch = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) VoidPayment(ctx context.Context, transactionID string) error {
	return m.Called(ctx, transactionID).Error(0)
}

func (m *mockGateway) CreateSubscription(ctx context.Context, req gateway.SubscriptionRequest) (gateway.Subscription, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.Subscription), args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return m.Called(ctx, subscriptionID).Error(0)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	svc     *billing.Service
	store   *memory.Store
	gw      *mockGateway
	clock   *testClock
	catalog *billing.Catalog
	reg     *prometheus.Registry
}

const (
	userID   = "user-1"
	testerID = "tester-1"
)

func newHarness(t *testing.T, opts ...billing.Option) *harness {
	t.Helper()
	return newHarnessWithCatalog(t, billing.DefaultCatalog(), opts...)
}

func newHarnessWithCatalog(t *testing.T, catalog *billing.Catalog, opts ...billing.Option) *harness {
	t.Helper()

	h := &harness{
		store:   memory.New(),
		gw:      &mockGateway{},
		clock:   &testClock{now: epoch},
		catalog: catalog,
		reg:     prometheus.NewRegistry(),
	}
	h.store.PutUser(billing.User{ID: userID, CurrentPlan: "free", TokenBalance: 50_000})
	h.store.PutUser(billing.User{ID: testerID, CurrentPlan: "free", IsTester: true})

	opts = append([]billing.Option{
		billing.WithClock(h.clock.Now),
		billing.WithMetrics(billing.NewMetrics(h.reg)),
	}, opts...)
	h.svc = billing.New(h.store, h.catalog, h.gw, opts...)
	t.Cleanup(func() { h.gw.AssertExpectations(t) })
	return h
}

func (h *harness) user(t *testing.T, id string) billing.User {
	t.Helper()
	u, ok := h.store.User(id)
	require.True(t, ok, "user %s not found", id)
	return u
}

func (h *harness) activeSubs(id string) []billing.Subscription {
	var out []billing.Subscription
	for _, s := range h.store.Subscriptions(id) {
		if s.Status == billing.StatusActive {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) handle(t *testing.T, ev gateway.Event) billing.Outcome {
	t.Helper()
	out, err := h.svc.Webhooks.Handle(context.Background(), ev)
	require.NoError(t, err, "handle %s", ev.Kind())
	return out
}

func payEvent(txID, account, externalID, plan string, amount int64) gateway.Pay {
	return gateway.Pay{
		Transaction: gateway.Transaction{
			TransactionID:  txID,
			Amount:         amount,
			Currency:       "RUB",
			AccountID:      account,
			SubscriptionID: externalID,
			Data:           gateway.Metadata{PlanName: plan},
		},
		Card: gateway.Card{Token: "tk_" + txID, FirstSix: "411111", LastFour: "1111"},
	}
}
