package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/tokenbill/svc/billing"
)

const intentsTable = "payment_intents"

var intentColumns = []string{
	"session_id", "user_id", "plan_name", "amount", "currency", "status", "is_trial",
	"COALESCE(external_subscription_id, '')", "COALESCE(external_transaction_id, '')",
	"failure_reason", "failure_code", "expires_at", "metadata", "created_at", "updated_at",
}

func scanIntent(row pgx.Row) (*billing.PaymentIntent, error) {
	var (
		in       billing.PaymentIntent
		status   string
		metadata []byte
	)
	err := row.Scan(
		&in.SessionID, &in.UserID, &in.PlanName, &in.Amount, &in.Currency, &status, &in.IsTrial,
		&in.ExternalSubscriptionID, &in.ExternalTransactionID,
		&in.FailureReason, &in.FailureCode, &in.ExpiresAt, &metadata, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.Status = billing.IntentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &in.Metadata); err != nil {
			return nil, fmt.Errorf("decode intent %s metadata: %w", in.SessionID, err)
		}
	}
	return &in, nil
}

func mutableIntentColumns(in *billing.PaymentIntent) map[string]any {
	return map[string]any{
		"status":                   string(in.Status),
		"external_subscription_id": nullString(in.ExternalSubscriptionID),
		"external_transaction_id":  nullString(in.ExternalTransactionID),
		"failure_reason":           in.FailureReason,
		"failure_code":             in.FailureCode,
		"updated_at":               in.UpdatedAt,
	}
}

func (t *txStore) InsertIntent(ctx context.Context, in *billing.PaymentIntent) error {
	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return err
	}
	values := mutableIntentColumns(in)
	values["session_id"] = in.SessionID
	values["user_id"] = in.UserID
	values["plan_name"] = in.PlanName
	values["amount"] = in.Amount
	values["currency"] = in.Currency
	values["is_trial"] = in.IsTrial
	values["expires_at"] = in.ExpiresAt
	values["metadata"] = metadata
	values["created_at"] = in.CreatedAt
	if _, err := t.exec(ctx, psql.Insert(intentsTable).SetMap(values)); err != nil {
		return fmt.Errorf("insert intent %s: %w", in.SessionID, err)
	}
	return nil
}

func (t *txStore) getIntent(ctx context.Context, where sq.Sqlizer) (*billing.PaymentIntent, error) {
	row, err := t.queryRow(ctx, psql.Select(intentColumns...).
		From(intentsTable).
		Where(where).
		OrderBy("created_at DESC").
		Limit(1).
		Suffix("FOR UPDATE"))
	if err != nil {
		return nil, err
	}
	in, err := scanIntent(row)
	if err != nil {
		return nil, notFound(err, billing.ErrIntentNotFound)
	}
	return in, nil
}

func (t *txStore) GetIntent(ctx context.Context, sessionID string) (*billing.PaymentIntent, error) {
	return t.getIntent(ctx, sq.Eq{"session_id": sessionID})
}

func (t *txStore) GetIntentByTransaction(ctx context.Context, transactionID string) (*billing.PaymentIntent, error) {
	if transactionID == "" {
		return nil, billing.ErrIntentNotFound
	}
	return t.getIntent(ctx, sq.Eq{"external_transaction_id": transactionID})
}

func (t *txStore) UpdateIntent(ctx context.Context, in *billing.PaymentIntent) error {
	n, err := t.exec(ctx, psql.Update(intentsTable).
		SetMap(mutableIntentColumns(in)).
		Where(sq.Eq{"session_id": in.SessionID}))
	if err != nil {
		return fmt.Errorf("update intent %s: %w", in.SessionID, err)
	}
	if n == 0 {
		return billing.ErrIntentNotFound
	}
	return nil
}

func (t *txStore) ExpirePendingIntents(ctx context.Context, now time.Time) (int64, error) {
	return t.exec(ctx, psql.Update(intentsTable).
		Set("status", string(billing.IntentExpired)).
		Set("updated_at", now).
		Where(sq.Eq{"status": string(billing.IntentPending)}).
		Where(sq.LtOrEq{"expires_at": now}))
}

func (t *txStore) DeleteIntentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.exec(ctx, psql.Delete(intentsTable).Where(sq.Lt{"created_at": cutoff}))
}
