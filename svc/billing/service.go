package billing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

const tracerName = "github.com/dmitrymomot/tokenbill/svc/billing"

// Gateway is the subset of the payment gateway API the trial flow calls.
type Gateway interface {
	VoidPayment(ctx context.Context, transactionID string) error
	CreateSubscription(ctx context.Context, req gateway.SubscriptionRequest) (gateway.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Service bundles the lifecycle components around one store and catalog.
type Service struct {
	Ledger   *Ledger
	Intents  *Intents
	Webhooks *Processor
	Sweeps   *Reconciler
}

type deps struct {
	store   Store
	catalog *Catalog
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service.
type Option func(*deps)

func WithConfig(cfg Config) Option {
	return func(d *deps) { d.cfg = cfg }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *deps) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock replaces time.Now. Returned instants are converted to UTC.
func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.now = func() time.Time { return now().UTC() }
		}
	}
}

// New wires the components. store, catalog and gw are required.
func New(store Store, catalog *Catalog, gw Gateway, opts ...Option) *Service {
	if store == nil {
		panic("billing: nil store")
	}
	if catalog == nil {
		panic("billing: nil catalog")
	}
	if gw == nil {
		panic("billing: nil gateway")
	}

	d := &deps{
		store:   store,
		catalog: catalog,
		cfg:     DefaultConfig(),
		log:     logger.Discard(),
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cfg = d.cfg.withDefaults()

	ledger := &Ledger{deps: d, log: d.log.With(logger.Component("ledger"))}
	intents := &Intents{deps: d, log: d.log.With(logger.Component("intents"))}
	return &Service{
		Ledger:  ledger,
		Intents: intents,
		Webhooks: &Processor{
			deps:    d,
			gateway: gw,
			ledger:  ledger,
			intents: intents,
			log:     d.log.With(logger.Component("webhooks")),
		},
		Sweeps: &Reconciler{deps: d, log: d.log.With(logger.Component("sweeps"))},
	}
}
