package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
	"github.com/dmitrymomot/tokenbill/svc/billing"
)

const subscriptionsTable = "user_subscriptions"

var subscriptionColumns = []string{
	"id", "user_id", "plan_id", "plan_name",
	"billing_period", "billing_period_count",
	"current_period_start", "current_period_end", "next_billing_date",
	"status", "cancel_at_period_end", "cancelled_at",
	"is_trial", "trial_ends_at",
	"COALESCE(external_subscription_id, '')", "card_token", "card_mask",
	"last_payment_date", "last_payment_amount", "last_payment_currency",
	"period_unpaid", "created_at", "updated_at",
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		s              billing.Subscription
		period, status string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.PlanID, &s.PlanName,
		&period, &s.BillingPeriodCount,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.NextBillingDate,
		&status, &s.CancelAtPeriodEnd, &s.CancelledAt,
		&s.IsTrial, &s.TrialEndsAt,
		&s.ExternalSubscriptionID, &s.CardToken, &s.CardMask,
		&s.LastPaymentDate, &s.LastPaymentAmount, &s.LastPaymentCurrency,
		&s.PeriodUnpaid, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.BillingPeriod = billingperiod.Unit(period)
	s.Status = billing.SubscriptionStatus(status)
	return &s, nil
}

// mutableSubscriptionColumns are written by both insert and update.
func mutableSubscriptionColumns(s *billing.Subscription) map[string]any {
	return map[string]any{
		"plan_id":                  s.PlanID,
		"plan_name":                s.PlanName,
		"billing_period":           string(s.BillingPeriod),
		"billing_period_count":     s.BillingPeriodCount,
		"current_period_start":     s.CurrentPeriodStart,
		"current_period_end":       s.CurrentPeriodEnd,
		"next_billing_date":        s.NextBillingDate,
		"status":                   string(s.Status),
		"cancel_at_period_end":     s.CancelAtPeriodEnd,
		"cancelled_at":             nullTime(s.CancelledAt),
		"is_trial":                 s.IsTrial,
		"trial_ends_at":            nullTime(s.TrialEndsAt),
		"external_subscription_id": nullString(s.ExternalSubscriptionID),
		"card_token":               s.CardToken,
		"card_mask":                s.CardMask,
		"last_payment_date":        nullTime(s.LastPaymentDate),
		"last_payment_amount":      s.LastPaymentAmount,
		"last_payment_currency":    s.LastPaymentCurrency,
		"period_unpaid":            s.PeriodUnpaid,
		"updated_at":               s.UpdatedAt,
	}
}

// getSubscription returns the newest row matching where, locked for update.
func (t *txStore) getSubscription(ctx context.Context, where sq.Sqlizer) (*billing.Subscription, error) {
	row, err := t.queryRow(ctx, psql.Select(subscriptionColumns...).
		From(subscriptionsTable).
		Where(where).
		OrderBy("created_at DESC").
		Limit(1).
		Suffix("FOR UPDATE"))
	if err != nil {
		return nil, err
	}
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, notFound(err, billing.ErrSubscriptionNotFound)
	}
	return sub, nil
}

func (t *txStore) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return t.getSubscription(ctx, sq.Eq{"id": id})
}

func (t *txStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	if externalID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return t.getSubscription(ctx, sq.Eq{"external_subscription_id": externalID})
}

func (t *txStore) GetActiveSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	return t.getSubscription(ctx, sq.Eq{"user_id": userID, "status": string(billing.StatusActive)})
}

func (t *txStore) GetLatestSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	return t.getSubscription(ctx, sq.Eq{"user_id": userID})
}

func (t *txStore) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	values := mutableSubscriptionColumns(sub)
	values["id"] = sub.ID
	values["user_id"] = sub.UserID
	values["created_at"] = sub.CreatedAt
	if _, err := t.exec(ctx, psql.Insert(subscriptionsTable).SetMap(values)); err != nil {
		return fmt.Errorf("insert subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (t *txStore) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	n, err := t.exec(ctx, psql.Update(subscriptionsTable).
		SetMap(mutableSubscriptionColumns(sub)).
		Where(sq.Eq{"id": sub.ID}))
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, sub.ID)
	}
	return nil
}

func (t *txStore) CancelActiveSubscriptions(ctx context.Context, userID, exceptID string, at time.Time) (int64, error) {
	b := psql.Update(subscriptionsTable).
		Set("status", string(billing.StatusCancelled)).
		Set("cancelled_at", sq.Expr("COALESCE(cancelled_at, ?)", at)).
		Set("updated_at", at).
		Where(sq.Eq{
			"user_id": userID,
			"status":  []string{string(billing.StatusActive), string(billing.StatusPastDue)},
		})
	if exceptID != "" {
		b = b.Where(sq.NotEq{"id": exceptID})
	}
	return t.exec(ctx, b)
}

func (t *txStore) listSubscriptions(ctx context.Context, limit int, where ...sq.Sqlizer) ([]billing.Subscription, error) {
	b := psql.Select(subscriptionColumns...).
		From(subscriptionsTable).
		Where(sq.And(where)).
		OrderBy("current_period_end")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := t.query(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (t *txStore) ListActiveDue(ctx context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	return t.listSubscriptions(ctx, limit,
		sq.Eq{"status": string(billing.StatusActive), "cancel_at_period_end": false, "is_trial": false},
		sq.LtOrEq{"current_period_end": now},
	)
}

func (t *txStore) ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	return t.listSubscriptions(ctx, limit,
		sq.Eq{"status": string(billing.StatusActive), "is_trial": true},
		sq.LtOrEq{"trial_ends_at": now},
	)
}

func (t *txStore) ListCancellationsDue(ctx context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	return t.listSubscriptions(ctx, limit,
		sq.Eq{
			"cancel_at_period_end": true,
			"status":               []string{string(billing.StatusActive), string(billing.StatusPastDue)},
		},
		sq.LtOrEq{"current_period_end": now},
	)
}

func (t *txStore) EnsurePlan(ctx context.Context, plan billing.Plan, at time.Time) (*billing.PlanRow, error) {
	row, err := t.queryRow(ctx, psql.Insert("subscription_plans").
		Columns("id", "name", "billing_period", "billing_period_count", "token_quota", "is_tester_plan", "created_at").
		Values(newID(), plan.Name, string(plan.BillingPeriod), plan.BillingPeriodCount, plan.TokenQuota, plan.IsTesterPlan, at).
		Suffix("ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name " +
			"RETURNING id, name, billing_period, billing_period_count, token_quota, is_tester_plan, created_at"))
	if err != nil {
		return nil, err
	}
	var (
		p      billing.PlanRow
		period string
	)
	if err := row.Scan(&p.ID, &p.Name, &period, &p.BillingPeriodCount, &p.TokenQuota, &p.IsTesterPlan, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("ensure plan %s: %w", plan.Name, err)
	}
	p.BillingPeriod = billingperiod.Unit(period)
	return &p, nil
}
