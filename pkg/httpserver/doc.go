// Package httpserver runs an http.Server tied to a context.
//
// Run blocks until the context is cancelled, then drains in-flight requests
// within the shutdown timeout. Background tasks registered with WithBackground
// (the cron scheduler, for instance) run in the same errgroup, so one failure
// stops the whole process instead of leaving a half-alive service.
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		log.Error("server stopped", logger.Error(err))
//	}
//
// LivenessHandler and ReadinessHandler back the /health endpoints.
package httpserver
