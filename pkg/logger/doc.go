// Package logger builds *slog.Logger instances for the billing service.
//
// New applies functional options on top of production defaults (JSON, info
// level, stdout) and wraps the handler with LogHandlerDecorator so that
// request-scoped values such as the request id are attached automatically:
//
//	log := logger.New(
//		logger.WithEnvironment(cfg.Env, "billingd"),
//		logger.WithContextExtractors(requestIDExtractor),
//	)
//	log.InfoContext(ctx, "pay applied", logger.UserID(uid), logger.TransactionID(txID))
//
// The attribute helpers keep key names consistent across packages. Helpers
// taking identifiers return an empty slog.Attr for empty input; slog omits it.
package logger
