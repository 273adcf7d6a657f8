package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

// recurrent follows the gateway subscription state after a scheduled charge.
// Terminal states only schedule the cancellation; the user keeps access
// until the paid period ends.
func (p *Processor) recurrent(ctx context.Context, e gateway.Recurrent) (Outcome, error) {
	if e.SubscriptionID == "" && e.AccountID == "" {
		return Outcome{Code: gateway.CodeOK, Warning: "no subscription reference"}, nil
	}

	now := p.now()
	var (
		sub     *Subscription
		renewed *Plan
		out     = accepted()
	)
	err := p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		fresh, err := markProcessed(ctx, tx, gateway.KindRecurrent, recurrentKey(e), now)
		if err != nil {
			return err
		}
		if !fresh {
			return abort(duplicated())
		}

		sub, err = p.locateRecurrent(ctx, tx, e)
		if err != nil {
			return err
		}
		if sub == nil {
			out.Warning = "unknown subscription"
			return nil
		}

		switch {
		case e.Status == gateway.RecurrentActive:
			if !sub.IsTrial && !sub.renewalDue(now, p.cfg.RenewalWindow) && !sub.awaitingPayment(now) {
				if err := fire(sub, eventReactivate); err != nil {
					if errors.Is(err, ErrInvalidTransition) {
						out.Warning = "active notification for closed subscription"
						return nil
					}
					return err
				}
				if _, err := tx.CancelActiveSubscriptions(ctx, sub.UserID, sub.ID, now); err != nil {
					return err
				}
				break
			}
			plan, ok := p.catalog.Plan(sub.PlanName)
			if !ok {
				if !sub.awaitingPayment(now) {
					sub.rollover(now)
				}
				sub.IsTrial = false
				sub.TrialEndsAt = nil
				if err := fire(sub, eventRenew); err != nil {
					return err
				}
				sub.recordPayment(e.Amount, e.Currency, now)
				out.Warning = "plan missing from catalog, quota not reset"
			} else {
				row, err := tx.EnsurePlan(ctx, plan, now)
				if err != nil {
					return err
				}
				sub.renew(plan, row, now)
				if err := fire(sub, eventRenew); err != nil {
					return err
				}
				sub.recordPayment(e.Amount, e.Currency, now)
				if err := tx.UpdateUserPlan(ctx, sub.UserID, plan.Name); err != nil {
					return err
				}
				renewed = &plan
			}
			if _, err := tx.CancelActiveSubscriptions(ctx, sub.UserID, sub.ID, now); err != nil {
				return err
			}

		case e.Status == gateway.RecurrentPastDue:
			if err := fire(sub, eventPaymentFailed); err != nil {
				if errors.Is(err, ErrInvalidTransition) {
					out.Warning = "past due notification for closed subscription"
					return nil
				}
				return err
			}

		case e.Status.Terminal():
			if sub.Status == StatusCancelled || !sub.scheduleCancel(now) {
				return nil
			}

		default:
			out.Warning = fmt.Sprintf("unknown recurrent status %q", e.Status)
			return nil
		}

		sub.UpdatedAt = now
		return tx.UpdateSubscription(ctx, sub)
	})
	if o, ok := asAbort(err); ok {
		return o, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if renewed != nil {
		if w := p.resetQuota(ctx, sub, *renewed, "subscription renewed"); w != "" {
			out.Warning = w
		}
	}
	return out, nil
}

// recurrentKey identifies one state report of a gateway subscription. The
// charge counters change with every attempt.
func recurrentKey(e gateway.Recurrent) string {
	if e.SubscriptionID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d:%d", e.SubscriptionID, e.Status, e.SuccessfulCount, e.FailedCount)
}

// locateRecurrent finds the row by gateway subscription id, falling back to
// the account's most recent subscription.
func (p *Processor) locateRecurrent(ctx context.Context, tx Tx, e gateway.Recurrent) (*Subscription, error) {
	if e.SubscriptionID != "" {
		sub, err := tx.GetSubscriptionByExternalID(ctx, e.SubscriptionID)
		switch {
		case err == nil:
			return sub, nil
		case !errors.Is(err, ErrSubscriptionNotFound):
			return nil, err
		}
	}
	if e.AccountID == "" {
		return nil, nil
	}
	sub, err := tx.GetLatestSubscription(ctx, e.AccountID)
	switch {
	case err == nil:
		p.log.WarnContext(ctx, "recurrent notification matched by account",
			logger.UserID(e.AccountID),
			logger.ExternalSubscriptionID(e.SubscriptionID),
			logger.SubscriptionID(sub.ID))
		return sub, nil
	case errors.Is(err, ErrSubscriptionNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// cancel schedules the end of a gateway subscription. Voids of single
// transactions carry no subscription id and change nothing.
func (p *Processor) cancel(ctx context.Context, e gateway.Cancel) (Outcome, error) {
	if e.SubscriptionID == "" {
		return Outcome{Code: gateway.CodeOK, Reason: "transaction void ignored"}, nil
	}

	now := p.now()
	out := accepted()
	err := p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.GetSubscriptionByExternalID(ctx, e.SubscriptionID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			out.Warning = "unknown subscription"
			return nil
		}
		if err != nil {
			return err
		}
		if e.AccountID != "" && sub.UserID != e.AccountID {
			out.Warning = "subscription belongs to another account"
			return nil
		}
		if !sub.scheduleCancel(now) {
			return nil
		}
		p.log.InfoContext(ctx, "subscription cancellation scheduled",
			logger.SubscriptionID(sub.ID), logger.UserID(sub.UserID),
			slog.Time("period_end", sub.CurrentPeriodEnd))
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}
