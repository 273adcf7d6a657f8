package billing

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

// check answers whether a charge may go ahead. It never writes.
func (p *Processor) check(ctx context.Context, e gateway.Check) (Outcome, error) {
	if e.AccountID == "" {
		return rejected(gateway.CodeMissingAccount, "account id missing"), nil
	}

	var out Outcome
	err := p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		user, err := tx.GetUser(ctx, e.AccountID)
		if errors.Is(err, ErrUserNotFound) {
			out = rejected(gateway.CodeMissingAccount, "account not found")
			return nil
		}
		if err != nil {
			return err
		}

		if p.isTrialHold(e.Transaction) {
			if err := p.trialAllowed(user, e.Data.PlanName); err != nil {
				out = rejected(gateway.CodeRejected, err.Error())
				return nil
			}
			out = accepted()
			return nil
		}

		plan, ok, err := p.resolvePlan(ctx, tx, e.Transaction)
		if err != nil {
			return err
		}
		if !ok {
			out = rejected(gateway.CodeRejected, "plan not resolved")
			return nil
		}
		if plan.Free {
			out = rejected(gateway.CodeRejected, "free plan is not charged")
			return nil
		}
		if plan.IsTesterPlan && plan.ZeroPrice() {
			out = rejected(gateway.CodeRejected, "zero-price tester plan is not charged")
			return nil
		}
		if (plan.IsTesterPlan || plan.ZeroPrice()) && !user.IsTester {
			out = rejected(gateway.CodeRejected, "plan not available for account")
			return nil
		}
		price, ok := plan.Price(p.chargeCurrency(e.Transaction))
		if !ok {
			out = rejected(gateway.CodeAmountMismatch, "currency not priced")
			return nil
		}
		if price != e.Amount {
			out = rejected(gateway.CodeAmountMismatch, "amount does not match plan price")
			return nil
		}
		out = accepted()
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// trialAllowed applies trial eligibility. Without a plan name only the user
// is checked.
func (p *Processor) trialAllowed(user *User, planName string) error {
	if planName == "" {
		if user.TrialUsedAt != nil {
			return ErrTrialAlreadyUsed
		}
		if p.cfg.TrialTestersOnly && !user.IsTester {
			return ErrTrialNotAvailable
		}
		return nil
	}
	plan, ok := p.catalog.Plan(planName)
	if !ok {
		return ErrPlanNotFound
	}
	return p.intents.trialEligible(user, plan)
}

// pay applies a successful charge. It looks for a duplicate first so a
// redelivered trial hold never reaches the gateway API twice; the
// processed-event insert inside the write transaction is the real guard.
func (p *Processor) pay(ctx context.Context, e gateway.Pay) (Outcome, error) {
	if e.AccountID == "" {
		return rejected(gateway.CodeMissingAccount, "account id missing"), nil
	}

	var (
		user     *User
		plan     Plan
		resolved bool
	)
	err := p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		user, err = tx.GetUser(ctx, e.AccountID)
		if errors.Is(err, ErrUserNotFound) {
			return abort(rejected(gateway.CodeMissingAccount, "account not found"))
		}
		if err != nil {
			return err
		}
		dup, err := p.alreadyPaid(ctx, tx, e.TransactionID)
		if err != nil {
			return err
		}
		if dup {
			return abort(duplicated())
		}
		plan, resolved, err = p.resolvePlan(ctx, tx, e.Transaction)
		return err
	})
	if out, ok := asAbort(err); ok {
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if !resolved {
		return rejected(gateway.CodeRejected, "plan not resolved"), nil
	}
	if plan.Free {
		return rejected(gateway.CodeRejected, "free plan is not charged"), nil
	}

	if p.isTrialHold(e.Transaction) {
		return p.startTrial(ctx, e, user, plan)
	}
	return p.applyPayment(ctx, e, user, plan)
}

func (p *Processor) alreadyPaid(ctx context.Context, tx Tx, transactionID string) (bool, error) {
	done, err := tx.EventProcessed(ctx, string(gateway.KindPay), transactionID)
	if err != nil || done {
		return done, err
	}
	intent, err := tx.GetIntentByTransaction(ctx, transactionID)
	switch {
	case err == nil:
		return intent.Status == IntentSucceeded, nil
	case errors.Is(err, ErrIntentNotFound):
		return false, nil
	default:
		return false, err
	}
}

// startTrial turns a verification hold into a trial: the hold is voided, a
// gateway subscription is scheduled to charge when the trial ends, and the
// local trial row is written. If the write does not happen the gateway
// subscription is cancelled again.
func (p *Processor) startTrial(ctx context.Context, e gateway.Pay, user *User, plan Plan) (Outcome, error) {
	if user.TrialUsedAt != nil {
		if err := p.voidHold(ctx, e.TransactionID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Code: gateway.CodeOK, Warning: "trial already used, hold voided"}, nil
	}
	if e.Card.Token == "" {
		return rejected(gateway.CodeRejected, "card token missing"), nil
	}

	cur := p.chargeCurrency(e.Transaction)
	price, ok := plan.Price(cur)
	if !ok {
		cur = p.catalog.DefaultCurrency()
		if price, ok = plan.Price(cur); !ok {
			return rejected(gateway.CodeRejected, "plan has no price"), nil
		}
	}

	if err := p.voidHold(ctx, e.TransactionID); err != nil {
		return Outcome{}, err
	}

	now := p.now()
	trialEnd := now.Add(p.cfg.TrialDuration)
	remote, err := p.gateway.CreateSubscription(ctx, gateway.SubscriptionRequest{
		Token:       e.Card.Token,
		AccountID:   user.ID,
		Email:       e.Email,
		Description: plan.Title,
		Amount:      price,
		Currency:    cur,
		StartDate:   trialEnd,
		Unit:        plan.BillingPeriod,
		Count:       plan.BillingPeriodCount,
	})
	if err != nil {
		return Outcome{}, err
	}

	var sub *Subscription
	err = p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		fresh, err := markProcessed(ctx, tx, gateway.KindPay, e.TransactionID, now)
		if err != nil {
			return err
		}
		if !fresh {
			return abort(duplicated())
		}
		u, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if u.TrialUsedAt != nil {
			return abort(Outcome{Code: gateway.CodeOK, Warning: "trial already used"})
		}
		row, err := tx.EnsurePlan(ctx, plan, now)
		if err != nil {
			return err
		}
		if _, err := tx.CancelActiveSubscriptions(ctx, u.ID, "", now); err != nil {
			return err
		}
		sub = newTrialSubscription(u.ID, plan, row, now, trialEnd)
		sub.ExternalSubscriptionID = remote.ID
		sub.setCard(e.Card)
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.MarkTrialUsed(ctx, u.ID, now); err != nil {
			return err
		}
		if err := tx.UpdateUserPlan(ctx, u.ID, plan.Name); err != nil {
			return err
		}
		return p.resolveIntent(ctx, tx, e.Transaction, Resolution{
			Status:                 IntentSucceeded,
			ExternalSubscriptionID: remote.ID,
			ExternalTransactionID:  e.TransactionID,
		})
	})
	if err != nil {
		p.cancelRemote(ctx, remote.ID)
		if out, ok := asAbort(err); ok {
			return out, nil
		}
		return Outcome{}, err
	}

	p.log.InfoContext(ctx, "trial started",
		logger.UserID(user.ID), logger.SubscriptionID(sub.ID),
		logger.ExternalSubscriptionID(remote.ID), logger.Plan(plan.Name))

	out := accepted()
	out.Warning = p.resetQuota(ctx, sub, plan, "trial started")
	return out, nil
}

// voidHold returns the verification hold. A hold the gateway already
// released is not an error.
func (p *Processor) voidHold(ctx context.Context, transactionID string) error {
	err := p.gateway.VoidPayment(ctx, transactionID)
	if errors.Is(err, gateway.ErrRejected) {
		p.log.WarnContext(ctx, "gateway refused to void hold",
			logger.TransactionID(transactionID), logger.Error(err))
		return nil
	}
	return err
}

func (p *Processor) cancelRemote(ctx context.Context, externalID string) {
	if err := p.gateway.CancelSubscription(ctx, externalID); err != nil {
		p.log.ErrorContext(ctx, "failed to cancel orphaned gateway subscription",
			logger.ExternalSubscriptionID(externalID), logger.Error(err))
	}
}

// applyPayment extends the row the gateway subscription maps to, or opens a
// new one, and makes it the user's only active subscription.
func (p *Processor) applyPayment(ctx context.Context, e gateway.Pay, user *User, plan Plan) (Outcome, error) {
	now := p.now()
	var sub *Subscription
	err := p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		fresh, err := markProcessed(ctx, tx, gateway.KindPay, e.TransactionID, now)
		if err != nil {
			return err
		}
		if !fresh {
			return abort(duplicated())
		}
		u, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return err
		}
		row, err := tx.EnsurePlan(ctx, plan, now)
		if err != nil {
			return err
		}

		if e.SubscriptionID != "" {
			sub, err = tx.GetSubscriptionByExternalID(ctx, e.SubscriptionID)
			switch {
			case errors.Is(err, ErrSubscriptionNotFound):
				sub = nil
			case err != nil:
				return err
			case sub.UserID != u.ID:
				return abort(rejected(gateway.CodeRejected, "subscription belongs to another account"))
			}
		}

		if sub != nil {
			sub.renew(plan, row, now)
			if err := fire(sub, eventRenew); err != nil {
				return err
			}
			sub.setCard(e.Card)
			sub.recordPayment(e.Amount, e.Currency, now)
			if _, err := tx.CancelActiveSubscriptions(ctx, u.ID, sub.ID, now); err != nil {
				return err
			}
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		} else {
			if _, err := tx.CancelActiveSubscriptions(ctx, u.ID, "", now); err != nil {
				return err
			}
			sub = newSubscription(u.ID, plan, row, now)
			sub.ExternalSubscriptionID = e.SubscriptionID
			sub.setCard(e.Card)
			sub.recordPayment(e.Amount, e.Currency, now)
			if err := tx.InsertSubscription(ctx, sub); err != nil {
				return err
			}
		}

		if err := tx.UpdateUserPlan(ctx, u.ID, plan.Name); err != nil {
			return err
		}
		return p.resolveIntent(ctx, tx, e.Transaction, Resolution{
			Status:                 IntentSucceeded,
			ExternalSubscriptionID: e.SubscriptionID,
			ExternalTransactionID:  e.TransactionID,
		})
	})
	if out, ok := asAbort(err); ok {
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	p.log.InfoContext(ctx, "payment applied",
		logger.UserID(user.ID), logger.SubscriptionID(sub.ID), logger.Plan(plan.Name),
		logger.TransactionID(e.TransactionID))

	out := accepted()
	out.Warning = p.resetQuota(ctx, sub, plan, "subscription renewed")
	return out, nil
}

// fail records a declined charge. The gateway is always told 0.
func (p *Processor) fail(ctx context.Context, e gateway.Fail) (Outcome, error) {
	now := p.now()
	err := p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if !p.isTrialHold(e.Transaction) {
			sub, err := p.chargedSubscription(ctx, tx, e.Transaction)
			if err != nil {
				return err
			}
			if sub != nil {
				if err := p.markPastDue(ctx, tx, sub, now); err != nil {
					return err
				}
			}
		}
		return p.resolveIntent(ctx, tx, e.Transaction, Resolution{
			Status:                IntentFailed,
			ExternalTransactionID: e.TransactionID,
			FailureReason:         e.Reason,
			FailureCode:           e.ReasonCode,
		})
	})
	if err != nil {
		return Outcome{}, err
	}
	return accepted(), nil
}

// chargedSubscription finds the row a declined charge was for: by gateway
// subscription id, else the account's active row. A row owned by another
// account is never returned.
func (p *Processor) chargedSubscription(ctx context.Context, tx Tx, t gateway.Transaction) (*Subscription, error) {
	if t.SubscriptionID != "" {
		sub, err := tx.GetSubscriptionByExternalID(ctx, t.SubscriptionID)
		switch {
		case err == nil && t.AccountID != "" && sub.UserID != t.AccountID:
			p.log.WarnContext(ctx, "declined charge references another account's subscription",
				logger.UserID(t.AccountID),
				logger.ExternalSubscriptionID(t.SubscriptionID),
				logger.SubscriptionID(sub.ID))
			return nil, nil
		case err == nil:
			return sub, nil
		case !errors.Is(err, ErrSubscriptionNotFound):
			return nil, err
		}
	}
	if t.AccountID == "" {
		return nil, nil
	}
	sub, err := tx.GetActiveSubscription(ctx, t.AccountID)
	switch {
	case err == nil:
		return sub, nil
	case errors.Is(err, ErrSubscriptionNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (p *Processor) markPastDue(ctx context.Context, tx Tx, sub *Subscription, now time.Time) error {
	if err := fire(sub, eventPaymentFailed); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			p.log.WarnContext(ctx, "declined charge for closed subscription",
				logger.SubscriptionID(sub.ID), logger.Error(err))
			return nil
		}
		return err
	}
	sub.UpdatedAt = now
	return tx.UpdateSubscription(ctx, sub)
}
