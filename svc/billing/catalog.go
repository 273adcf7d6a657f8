package billing

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
)

// Plan is a catalog entry. Prices are in minor units keyed by ISO 4217 code.
type Plan struct {
	Name               string             `yaml:"name"`
	Title              string             `yaml:"title"`
	BillingPeriod      billingperiod.Unit `yaml:"billing_period"`
	BillingPeriodCount int                `yaml:"billing_period_count"`
	TokenQuota         int64              `yaml:"token_quota"`
	Features           []string           `yaml:"features"`
	IsTesterPlan       bool               `yaml:"tester"`
	Free               bool               `yaml:"free"`
	AllowTrial         bool               `yaml:"allow_trial"`
	Prices             map[string]int64   `yaml:"prices"`
}

// Price returns the plan price in currency.
func (p Plan) Price(currency string) (int64, bool) {
	amount, ok := p.Prices[strings.ToUpper(currency)]
	return amount, ok
}

// ZeroPrice reports whether nothing about the plan costs money.
func (p Plan) ZeroPrice() bool {
	for _, amount := range p.Prices {
		if amount > 0 {
			return false
		}
	}
	return true
}

// HasFeature reports whether the plan grants a capability.
func (p Plan) HasFeature(name string) bool {
	return slices.Contains(p.Features, name)
}

// Catalog is the immutable set of plans, loaded once at startup.
type Catalog struct {
	plans           map[string]Plan
	order           []string
	free            string
	defaultCurrency string
}

// NewCatalog validates plans. Exactly one plan must be marked free; it is the
// downgrade target for cancelled subscriptions.
func NewCatalog(defaultCurrency string, plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans:           make(map[string]Plan, len(plans)),
		defaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency)),
	}
	if c.defaultCurrency == "" {
		return nil, fmt.Errorf("%w: default currency is required", ErrInvalidCatalog)
	}

	for _, p := range plans {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("%w: plan without name", ErrInvalidCatalog)
		}
		if _, dup := c.plans[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %q", ErrInvalidCatalog, p.Name)
		}

		unit, err := billingperiod.ParseUnit(string(p.BillingPeriod))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("%w: plan %q", ErrInvalidCatalog, p.Name), err)
		}
		p.BillingPeriod = unit
		if p.BillingPeriodCount <= 0 {
			p.BillingPeriodCount = 1
		}
		if p.TokenQuota < 0 {
			return nil, fmt.Errorf("%w: plan %q has negative quota", ErrInvalidCatalog, p.Name)
		}

		prices := make(map[string]int64, len(p.Prices))
		for cur, amount := range p.Prices {
			if amount < 0 {
				return nil, fmt.Errorf("%w: plan %q has negative %s price", ErrInvalidCatalog, p.Name, cur)
			}
			prices[strings.ToUpper(cur)] = amount
		}
		p.Prices = prices
		if p.Title == "" {
			p.Title = p.Name
		}

		if p.Free {
			if c.free != "" {
				return nil, fmt.Errorf("%w: plans %q and %q are both free", ErrInvalidCatalog, c.free, p.Name)
			}
			c.free = p.Name
		} else if _, ok := p.Price(c.defaultCurrency); !ok {
			return nil, fmt.Errorf("%w: plan %q has no %s price", ErrInvalidCatalog, p.Name, c.defaultCurrency)
		}

		c.plans[p.Name] = p
		c.order = append(c.order, p.Name)
	}

	if c.free == "" {
		return nil, fmt.Errorf("%w: no free plan", ErrInvalidCatalog)
	}
	return c, nil
}

// Plan looks a plan up by name.
func (c *Catalog) Plan(name string) (Plan, bool) {
	p, ok := c.plans[strings.TrimSpace(name)]
	return p, ok
}

// Free returns the downgrade target.
func (c *Catalog) Free() Plan {
	return c.plans[c.free]
}

func (c *Catalog) DefaultCurrency() string {
	return c.defaultCurrency
}

// Plans returns every plan in declaration order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.plans[name])
	}
	return out
}

type catalogFile struct {
	DefaultCurrency string `yaml:"default_currency"`
	Plans           []Plan `yaml:"plans"`
}

// LoadCatalogFile reads a YAML catalog:
//
//	default_currency: RUB
//	plans:
//	  - name: basic_monthly
//	    billing_period: month
//	    token_quota: 3000000
//	    allow_trial: true
//	    prices: {RUB: 199900}
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return NewCatalog(f.DefaultCurrency, f.Plans...)
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog("RUB",
		Plan{
			Name:          "free",
			Title:         "Free",
			BillingPeriod: billingperiod.Month,
			TokenQuota:    50_000,
			Features:      []string{"chat"},
			Free:          true,
		},
		Plan{
			Name:          "basic_monthly",
			Title:         "Basic",
			BillingPeriod: billingperiod.Month,
			TokenQuota:    3_000_000,
			Features:      []string{"chat", "images"},
			AllowTrial:    true,
			Prices:        map[string]int64{"RUB": 199_900, "USD": 1_999},
		},
		Plan{
			Name:          "pro_monthly",
			Title:         "Pro",
			BillingPeriod: billingperiod.Month,
			TokenQuota:    10_000_000,
			Features:      []string{"chat", "images", "files", "priority"},
			AllowTrial:    true,
			Prices:        map[string]int64{"RUB": 499_900, "USD": 4_999},
		},
		Plan{
			Name:          "basic_annual",
			Title:         "Basic, yearly",
			BillingPeriod: billingperiod.Annual,
			TokenQuota:    3_000_000,
			Features:      []string{"chat", "images"},
			Prices:        map[string]int64{"RUB": 1_999_000, "USD": 19_990},
		},
		Plan{
			Name:          "tester_daily",
			Title:         "Tester",
			BillingPeriod: billingperiod.Day,
			TokenQuota:    100_000,
			Features:      []string{"chat", "images", "files"},
			IsTesterPlan:  true,
			Prices:        map[string]int64{"RUB": 100},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}
