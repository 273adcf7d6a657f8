package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/dmitrymomot/tokenbill/svc/billing"
)

func (t *txStore) selectUser(ctx context.Context, id string, lock bool) (*billing.User, error) {
	b := psql.Select("id", "COALESCE(current_plan, '')", "token_balance", "is_tester", "trial_used_at", "updated_at").
		From("users").
		Where(sq.Eq{"id": id})
	if lock {
		b = b.Suffix("FOR UPDATE")
	}
	row, err := t.queryRow(ctx, b)
	if err != nil {
		return nil, err
	}
	var u billing.User
	if err := row.Scan(&u.ID, &u.CurrentPlan, &u.TokenBalance, &u.IsTester, &u.TrialUsedAt, &u.UpdatedAt); err != nil {
		return nil, notFound(err, billing.ErrUserNotFound)
	}
	return &u, nil
}

func (t *txStore) GetUser(ctx context.Context, id string) (*billing.User, error) {
	return t.selectUser(ctx, id, false)
}

func (t *txStore) LockUser(ctx context.Context, id string) (*billing.User, error) {
	return t.selectUser(ctx, id, true)
}

func (t *txStore) updateUser(ctx context.Context, b sq.UpdateBuilder, id string) error {
	n, err := t.exec(ctx, b.Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", billing.ErrUserNotFound, id)
	}
	return nil
}

func (t *txStore) UpdateUserPlan(ctx context.Context, userID, planName string) error {
	return t.updateUser(ctx, psql.Update("users").
		Set("current_plan", planName).
		Set("updated_at", sq.Expr("NOW()")), userID)
}

func (t *txStore) SetUserBalance(ctx context.Context, userID string, balance int64) error {
	return t.updateUser(ctx, psql.Update("users").
		Set("token_balance", balance).
		Set("updated_at", sq.Expr("NOW()")), userID)
}

func (t *txStore) MarkTrialUsed(ctx context.Context, userID string, at time.Time) error {
	return t.updateUser(ctx, psql.Update("users").
		Set("trial_used_at", sq.Expr("COALESCE(trial_used_at, ?)", at)).
		Set("updated_at", at), userID)
}
