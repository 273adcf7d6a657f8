package billing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
	"github.com/dmitrymomot/tokenbill/svc/billing"
)

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	free := billing.Plan{Name: "free", BillingPeriod: "month", Free: true}
	paid := billing.Plan{Name: "basic", BillingPeriod: "monthly", TokenQuota: 10, Prices: map[string]int64{"rub": 100}}

	t.Run("normalizes plans", func(t *testing.T) {
		t.Parallel()
		c, err := billing.NewCatalog("rub", free, paid)
		require.NoError(t, err)
		assert.Equal(t, "RUB", c.DefaultCurrency())
		assert.Equal(t, "free", c.Free().Name)

		p, ok := c.Plan("basic")
		require.True(t, ok)
		assert.Equal(t, billingperiod.Month, p.BillingPeriod)
		assert.Equal(t, 1, p.BillingPeriodCount)
		assert.Equal(t, "basic", p.Title)
		price, ok := p.Price("RUB")
		require.True(t, ok)
		assert.Equal(t, int64(100), price)

		names := []string{}
		for _, p := range c.Plans() {
			names = append(names, p.Name)
		}
		assert.Equal(t, []string{"free", "basic"}, names)
	})

	invalid := []struct {
		name  string
		cur   string
		plans []billing.Plan
	}{
		{name: "no currency", cur: "", plans: []billing.Plan{free}},
		{name: "no free plan", cur: "RUB", plans: []billing.Plan{paid}},
		{name: "two free plans", cur: "RUB", plans: []billing.Plan{free, {Name: "zero", BillingPeriod: "day", Free: true}}},
		{name: "duplicate", cur: "RUB", plans: []billing.Plan{free, paid, paid}},
		{name: "bad unit", cur: "RUB", plans: []billing.Plan{free, {Name: "x", BillingPeriod: "fortnight", Prices: map[string]int64{"RUB": 1}}}},
		{name: "missing default price", cur: "USD", plans: []billing.Plan{free, paid}},
		{name: "negative price", cur: "RUB", plans: []billing.Plan{free, {Name: "x", BillingPeriod: "day", Prices: map[string]int64{"RUB": -1}}}},
		{name: "unnamed", cur: "RUB", plans: []billing.Plan{free, {BillingPeriod: "day"}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := billing.NewCatalog(tt.cur, tt.plans...)
			require.ErrorIs(t, err, billing.ErrInvalidCatalog)
		})
	}
}

func TestLoadCatalogFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_currency: RUB
plans:
  - name: free
    billing_period: month
    token_quota: 1000
    free: true
  - name: team_quarterly
    title: Team
    billing_period: month
    billing_period_count: 3
    token_quota: 9000000
    features: [chat, files]
    allow_trial: true
    prices:
      RUB: 499900
      USD: 4999
`), 0o600))

	c, err := billing.LoadCatalogFile(path)
	require.NoError(t, err)

	p, ok := c.Plan("team_quarterly")
	require.True(t, ok)
	assert.Equal(t, 3, p.BillingPeriodCount)
	assert.True(t, p.AllowTrial)
	assert.True(t, p.HasFeature("files"))
	assert.False(t, p.HasFeature("images"))
	assert.False(t, p.ZeroPrice())
	assert.True(t, c.Free().ZeroPrice())

	_, err = billing.LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, billing.ErrInvalidCatalog)
}

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()
	c := billing.DefaultCatalog()

	basic, ok := c.Plan("basic_monthly")
	require.True(t, ok)
	assert.Equal(t, int64(3_000_000), basic.TokenQuota)
	price, _ := basic.Price("RUB")
	assert.Equal(t, int64(199_900), price)

	tester, ok := c.Plan("tester_daily")
	require.True(t, ok)
	assert.True(t, tester.IsTesterPlan)
	assert.Equal(t, billingperiod.Day, tester.BillingPeriod)
}
