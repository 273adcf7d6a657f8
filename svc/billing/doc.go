// Package billing runs the subscription lifecycle: checkout intents, gateway
// notifications, the token balance ledger and the sweeps that reconcile what
// the notifications miss.
//
// All state goes through Store, one transaction per operation. Notifications
// arrive at least once and out of order; Processor answers each with an
// Outcome whose Code is what the gateway expects, and returns an error only
// when the gateway should retry.
//
//	svc := billing.New(store, billing.DefaultCatalog(), gatewayClient,
//		billing.WithLogger(log),
//		billing.WithMetrics(billing.NewMetrics(prometheus.DefaultRegisterer)),
//	)
//	out, err := svc.Webhooks.Handle(ctx, event)
package billing
