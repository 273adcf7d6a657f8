package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dmitrymomot/tokenbill/internal/scheduler"
	"github.com/dmitrymomot/tokenbill/internal/store/memory"
	"github.com/dmitrymomot/tokenbill/internal/store/postgres"
	billingapi "github.com/dmitrymomot/tokenbill/modules/billing"
	"github.com/dmitrymomot/tokenbill/pkg/clientip"
	"github.com/dmitrymomot/tokenbill/pkg/config"
	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/pkg/httpserver"
	"github.com/dmitrymomot/tokenbill/pkg/jwt"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
	"github.com/dmitrymomot/tokenbill/pkg/pg"
	"github.com/dmitrymomot/tokenbill/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbill/pkg/redis"
	"github.com/dmitrymomot/tokenbill/svc/billing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var app AppConfig
	if err := config.Load(&app); err != nil {
		return fmt.Errorf("load app config: %w", err)
	}

	logOpts := []logger.Option{
		logger.WithEnvironment(app.Env, app.ServiceName),
		logger.WithContextValue("request_id", middleware.RequestIDKey),
	}
	if app.LogLevel != "" {
		logOpts = append(logOpts, logger.WithLevelName(app.LogLevel))
	}
	log := logger.New(logOpts...)
	logger.SetAsDefault(log)

	catalog := billing.DefaultCatalog()
	if app.CatalogPath != "" {
		var err error
		if catalog, err = billing.LoadCatalogFile(app.CatalogPath); err != nil {
			return err
		}
	}

	var billingCfg billing.Config
	if err := config.Load(&billingCfg); err != nil {
		return fmt.Errorf("load billing config: %w", err)
	}
	var gwCfg gateway.Config
	if err := config.Load(&gwCfg); err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	var rlCfg RateLimitConfig
	if err := config.Load(&rlCfg); err != nil {
		return fmt.Errorf("load rate limit config: %w", err)
	}
	var schedCfg SchedulerConfig
	if err := config.Load(&schedCfg); err != nil {
		return fmt.Errorf("load scheduler config: %w", err)
	}
	var httpCfg httpserver.Config
	if err := config.Load(&httpCfg); err != nil {
		return fmt.Errorf("load http config: %w", err)
	}

	var checks []httpserver.Check

	store, storeChecks, closeStore, err := openStore(ctx, app, catalog, log)
	if err != nil {
		return err
	}
	defer closeStore()
	checks = append(checks, storeChecks...)

	gw, err := gateway.NewClient(gwCfg, gateway.WithLogger(log.With(logger.Component("gateway"))))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := billing.New(store, catalog, gw,
		billing.WithConfig(billingCfg),
		billing.WithLogger(log),
		billing.WithMetrics(billing.NewMetrics(reg)),
	)

	var jwtOpts []jwt.Option
	if app.JWTIssuer != "" {
		jwtOpts = append(jwtOpts, jwt.WithIssuer(app.JWTIssuer))
	}
	auth, err := jwt.NewFromString(app.JWTSecret, jwtOpts...)
	if err != nil {
		return err
	}

	limiter, limiterChecks, closeLimiter, err := openLimiter(ctx, rlCfg, log)
	if err != nil {
		return err
	}
	defer closeLimiter()
	checks = append(checks, limiterChecks...)

	if app.CronSecret == "" {
		log.WarnContext(ctx, "CRON_SECRET is empty, /cron endpoints are disabled")
	}

	router := billingapi.Router(billingapi.RouterOptions{
		Webhooks:        svc.Webhooks,
		Intents:         svc.Intents,
		Ledger:          svc.Ledger,
		Sweeps:          svc.Sweeps,
		Auth:            auth,
		WebhookSecret:   gwCfg.WebhookSecret,
		CronSecret:      app.CronSecret,
		StatusLimiter:   limiter,
		ClientIP:        clientip.NewResolver(clientip.DefaultHeaders...),
		Gatherer:        reg,
		ReadinessChecks: checks,
		Logger:          log,
	})

	serverOpts := []httpserver.Option{httpserver.WithLogger(log)}
	if schedCfg.Enabled {
		sched, err := newScheduler(svc.Sweeps, schedCfg, log)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, httpserver.WithBackground("scheduler", sched.Start))
	}

	return httpserver.NewFromConfig(httpCfg, serverOpts...).Run(ctx, router)
}

func openStore(ctx context.Context, app AppConfig, catalog *billing.Catalog, log *slog.Logger) (billing.Store, []httpserver.Check, func(), error) {
	switch app.StoreDriver {
	case "memory":
		log.WarnContext(ctx, "using in-memory store, state is lost on restart")
		store := memory.New()
		free := catalog.Free()
		for _, id := range app.DevUsers {
			store.PutUser(billing.User{ID: id, CurrentPlan: free.Name, TokenBalance: free.TokenQuota})
		}
		return store, nil, func() {}, nil

	case "postgres":
		var pgCfg pg.Config
		if err := config.Load(&pgCfg); err != nil {
			return nil, nil, nil, fmt.Errorf("load postgres config: %w", err)
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if pgCfg.AutoMigrate {
			if err := pg.Migrate(ctx, pool, postgres.Migrations, postgres.MigrationsDir, pgCfg, log); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		checks := []httpserver.Check{{Name: "postgres", Fn: pg.Healthcheck(pool)}}
		return postgres.New(pool, log.With(logger.Component("store"))), checks, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", app.StoreDriver)
	}
}

func openLimiter(ctx context.Context, cfg RateLimitConfig, log *slog.Logger) (ratelimiter.Limiter, []httpserver.Check, func(), error) {
	limits := ratelimiter.Config{
		Capacity:       cfg.Capacity,
		RefillRate:     cfg.RefillRate,
		RefillInterval: cfg.RefillInterval,
	}

	switch cfg.Store {
	case "memory":
		store := ratelimiter.NewMemoryStore()
		bucket, err := ratelimiter.NewBucket(store, limits)
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return bucket, nil, store.Close, nil

	case "redis":
		var redisCfg redis.Config
		if err := config.Load(&redisCfg); err != nil {
			return nil, nil, nil, fmt.Errorf("load redis config: %w", err)
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		bucket, err := ratelimiter.NewBucket(ratelimiter.NewRedisStore(client, cfg.RedisPrefix), limits)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				log.Error("failed to close redis client", logger.Error(err))
			}
		}
		return bucket, []httpserver.Check{{Name: "redis", Fn: redis.Healthcheck(client)}}, closeFn, nil

	default:
		return nil, nil, nil, errors.New("RATE_LIMIT_STORE must be memory or redis")
	}
}

func newScheduler(sweeps *billing.Reconciler, cfg SchedulerConfig, log *slog.Logger) (*scheduler.Scheduler, error) {
	s := scheduler.New(sweeps,
		scheduler.WithLogger(log.With(logger.Component("scheduler"))),
		scheduler.WithJobTimeout(cfg.JobTimeout),
	)
	specs := map[string]string{
		billing.JobResetQuotas:           cfg.ResetQuotas,
		billing.JobCleanupExpiredTrials:  cfg.CleanupExpiredTrials,
		billing.JobCleanupCancelled:      cfg.CleanupCancelled,
		billing.JobCleanupPaymentIntents: cfg.CleanupPaymentIntents,
	}
	for _, job := range billing.Jobs() {
		if err := s.AddJob(job, specs[job]); err != nil {
			return nil, err
		}
	}
	return s, nil
}
