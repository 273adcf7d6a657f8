package billing

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/tokenbill/pkg/clientip"
	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/pkg/httpserver"
	"github.com/dmitrymomot/tokenbill/pkg/jwt"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
	"github.com/dmitrymomot/tokenbill/pkg/ratelimiter"
	billingsvc "github.com/dmitrymomot/tokenbill/svc/billing"
)

// WebhookProcessor applies a parsed gateway notification.
type WebhookProcessor interface {
	Handle(ctx context.Context, ev gateway.Event) (billingsvc.Outcome, error)
}

// IntentService backs the checkout endpoints.
type IntentService interface {
	Create(ctx context.Context, req billingsvc.CreateIntentRequest) (*billingsvc.CreatedIntent, error)
	Status(ctx context.Context, sessionID, userID string) (*billingsvc.IntentView, error)
}

// LedgerReader backs the balance endpoints.
type LedgerReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]billingsvc.LedgerEntry, error)
}

// SweepRunner executes reconciliation jobs by name.
type SweepRunner interface {
	Run(ctx context.Context, job string) (*billingsvc.SweepReport, error)
}

// RouterOptions configures the billing HTTP surface. Webhooks, Intents and
// Auth are required; every other dependency switches its routes off when nil.
type RouterOptions struct {
	Webhooks WebhookProcessor
	Intents  IntentService
	Ledger   LedgerReader
	Sweeps   SweepRunner

	// Auth verifies the bearer token on /api routes.
	Auth *jwt.Service
	// WebhookSecret verifies Content-HMAC on gateway notifications.
	WebhookSecret string
	// CronSecret guards /cron. Cron routes answer 401 while it is empty.
	CronSecret string
	// StatusLimiter throttles intent status polling per client IP.
	StatusLimiter ratelimiter.Limiter
	ClientIP      *clientip.Resolver

	Gatherer        prometheus.Gatherer
	ReadinessChecks []httpserver.Check

	MaxWebhookBytes int64
	Logger          *slog.Logger
}

const defaultMaxWebhookBytes = 1 << 20

// Handler holds the endpoint dependencies.
type Handler struct {
	webhooks      WebhookProcessor
	intents       IntentService
	ledger        LedgerReader
	sweeps        SweepRunner
	webhookSecret string
	cronSecret    string
	maxBody       int64
	log           *slog.Logger
}

// Router builds the service router.
//
//	r := billing.Router(billing.RouterOptions{
//	    Webhooks: svc.Webhooks,
//	    Intents:  svc.Intents,
//	    Ledger:   svc.Ledger,
//	    Sweeps:   svc.Sweeps,
//	    Auth:     jwtSvc,
//	    WebhookSecret: gwCfg.WebhookSecret,
//	    CronSecret:    appCfg.CronSecret,
//	})
//	srv.Run(ctx, r)
func Router(opts RouterOptions) chi.Router {
	if opts.Webhooks == nil || opts.Intents == nil {
		panic("billing: webhooks and intents are required")
	}
	if opts.Auth == nil {
		panic("billing: auth is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	h := &Handler{
		webhooks:      opts.Webhooks,
		intents:       opts.Intents,
		ledger:        opts.Ledger,
		sweeps:        opts.Sweeps,
		webhookSecret: opts.WebhookSecret,
		cronSecret:    opts.CronSecret,
		maxBody:       opts.MaxWebhookBytes,
		log:           log.With(logger.Component("http")),
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxWebhookBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(clientip.Middleware(opts.ClientIP))
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(h.log, 5*time.Second, opts.ReadinessChecks...))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/webhooks/gateway", h.gatewayWebhook)

	r.Route("/api", func(api chi.Router) {
		auth := jwt.Middleware(opts.Auth)
		api.Route("/checkout/intents", func(ci chi.Router) {
			ci.With(auth).Post("/", h.createIntent)

			status := ci.With()
			if opts.StatusLimiter != nil {
				status = status.With(ratelimiter.Middleware(
					opts.StatusLimiter,
					ratelimiter.Composite(ratelimiter.Static("intent-status"), clientip.KeyFunc),
					h.log,
				))
			}
			status.With(auth).Get("/{sessionId}", h.intentStatus)
		})
		if h.ledger != nil {
			api.With(auth).Get("/billing/balance", h.balance)
			api.With(auth).Get("/billing/ledger", h.ledgerHistory)
		}
	})

	if h.sweeps != nil {
		r.With(h.cronAuth).Get("/cron/{job}", h.runSweep)
	}

	return r
}

// requestLogger logs one line per request with status and latency.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.Log(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				logger.Duration(time.Since(started)),
			)
		})
	}
}
