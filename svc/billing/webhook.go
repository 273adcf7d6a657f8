package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

// Processor applies gateway notifications to subscriptions, intents and the
// ledger. Every handler can be invoked again with the same payload.
type Processor struct {
	*deps
	gateway Gateway
	ledger  *Ledger
	intents *Intents
	log     *slog.Logger
}

// Outcome is the answer to one notification. A non-zero Code is a business
// decision, not a failure; infrastructure errors are returned separately.
type Outcome struct {
	Code      gateway.Code
	Reason    string
	Warning   string
	Duplicate bool
}

func accepted() Outcome { return Outcome{Code: gateway.CodeOK} }

func rejected(code gateway.Code, reason string) Outcome {
	return Outcome{Code: code, Reason: reason}
}

func duplicated() Outcome {
	return Outcome{Code: gateway.CodeOK, Reason: "already processed", Duplicate: true}
}

// abortError rolls back the surrounding transaction and answers with out.
type abortError struct {
	out Outcome
}

func (e *abortError) Error() string {
	return fmt.Sprintf("billing: webhook aborted with code %d: %s", e.out.Code, e.out.Reason)
}

func abort(out Outcome) error { return &abortError{out: out} }

func asAbort(err error) (Outcome, bool) {
	var a *abortError
	if errors.As(err, &a) {
		return a.out, true
	}
	return Outcome{}, false
}

// Handle dispatches ev to its handler.
func (p *Processor) Handle(ctx context.Context, ev gateway.Event) (Outcome, error) {
	kind := string(ev.Kind())
	started := time.Now()

	ctx, span := p.tracer.Start(ctx, "billing.webhook."+kind,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("webhook.kind", kind)),
	)
	defer span.End()

	var (
		out Outcome
		err error
	)
	switch e := ev.(type) {
	case gateway.Check:
		out, err = p.check(ctx, e)
	case gateway.Pay:
		out, err = p.pay(ctx, e)
	case gateway.Fail:
		out, err = p.fail(ctx, e)
	case gateway.Recurrent:
		out, err = p.recurrent(ctx, e)
	case gateway.Cancel:
		out, err = p.cancel(ctx, e)
	default:
		out = rejected(gateway.CodeRejected, "unsupported notification")
	}
	elapsed := time.Since(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.observeWebhook(kind, "error", elapsed)
		p.log.ErrorContext(ctx, "webhook handling failed",
			logger.EventKind(kind), logger.Duration(elapsed), logger.Error(err))
		return Outcome{}, err
	}

	span.SetAttributes(
		attribute.Int("webhook.code", int(out.Code)),
		attribute.Bool("webhook.duplicate", out.Duplicate),
	)
	p.metrics.observeWebhook(kind, strconv.Itoa(int(out.Code)), elapsed)
	if out.Duplicate {
		p.metrics.duplicate(kind)
	}

	attrs := []any{logger.EventKind(kind), logger.Code(int(out.Code)), logger.Duration(elapsed)}
	if out.Reason != "" {
		attrs = append(attrs, slog.String("reason", out.Reason))
	}
	switch {
	case out.Warning != "":
		p.log.WarnContext(ctx, "webhook handled with warning", append(attrs, slog.String("warning", out.Warning))...)
	case out.Code != gateway.CodeOK:
		p.log.InfoContext(ctx, "webhook declined", attrs...)
	default:
		p.log.InfoContext(ctx, "webhook handled", attrs...)
	}
	return out, nil
}

// resolvePlan finds the plan a charge is for: the name in the payload data,
// else the plan of the gateway subscription, else the user's active plan.
// An unknown name in the payload does not fall through.
func (p *Processor) resolvePlan(ctx context.Context, tx Tx, t gateway.Transaction) (Plan, bool, error) {
	if t.Data.PlanName != "" {
		plan, ok := p.catalog.Plan(t.Data.PlanName)
		return plan, ok, nil
	}
	if t.SubscriptionID != "" {
		sub, err := tx.GetSubscriptionByExternalID(ctx, t.SubscriptionID)
		switch {
		case err == nil:
			if sub.UserID == t.AccountID {
				plan, ok := p.catalog.Plan(sub.PlanName)
				return plan, ok, nil
			}
		case !errors.Is(err, ErrSubscriptionNotFound):
			return Plan{}, false, err
		}
	}
	sub, err := tx.GetActiveSubscription(ctx, t.AccountID)
	switch {
	case err == nil:
		plan, ok := p.catalog.Plan(sub.PlanName)
		return plan, ok, nil
	case errors.Is(err, ErrSubscriptionNotFound):
		return Plan{}, false, nil
	default:
		return Plan{}, false, err
	}
}

func (p *Processor) isTrialHold(t gateway.Transaction) bool {
	return t.Data.IsTrial && t.Amount == p.cfg.TrialHoldAmount
}

// chargeCurrency is the payload currency, or the catalog default when absent.
func (p *Processor) chargeCurrency(t gateway.Transaction) string {
	if t.Currency != "" {
		return t.Currency
	}
	return p.catalog.DefaultCurrency()
}

// markProcessed records the event inside tx. Events without a transaction id
// cannot be deduplicated and always count as new.
func markProcessed(ctx context.Context, tx Tx, kind gateway.Kind, key string, at time.Time) (bool, error) {
	if key == "" {
		return true, nil
	}
	return tx.MarkEventProcessed(ctx, string(kind), key, at)
}

// resolveIntent settles the intent a notification correlates with, if any.
func (p *Processor) resolveIntent(ctx context.Context, tx Tx, t gateway.Transaction, res Resolution) error {
	intent, err := p.intents.lookup(ctx, tx, t.Data.SessionID, t.TransactionID)
	if err != nil {
		return err
	}
	if intent == nil {
		p.log.DebugContext(ctx, "no payment intent for notification",
			logger.TransactionID(t.TransactionID), logger.SessionID(t.Data.SessionID))
		return nil
	}
	if intent.UserID != t.AccountID {
		p.log.WarnContext(ctx, "payment intent belongs to another account",
			logger.SessionID(intent.SessionID), logger.UserID(t.AccountID))
		return nil
	}
	_, err = p.intents.resolve(ctx, tx, intent, res)
	return err
}

// resetQuota sets the balance to the plan quota after a committed renewal.
// A failure does not undo the renewal; it comes back as a warning.
func (p *Processor) resetQuota(ctx context.Context, sub *Subscription, plan Plan, reason string) string {
	_, err := p.ledger.Reset(ctx, sub.UserID, plan.TokenQuota, reason,
		Reference{Type: "subscription", ID: sub.ID},
		map[string]any{
			"planName":  plan.Name,
			"periodEnd": sub.CurrentPeriodEnd.Format(time.RFC3339),
		})
	p.metrics.ledgerReset(err == nil)
	if err != nil {
		p.log.ErrorContext(ctx, "quota reset failed after renewal",
			logger.UserID(sub.UserID), logger.SubscriptionID(sub.ID), logger.Plan(plan.Name), logger.Error(err))
		return "quota reset failed"
	}
	return ""
}
