package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/dmitrymomot/tokenbill/svc/billing"
)

func newID() string {
	return uuid.NewString()
}

func (t *txStore) InsertLedgerEntry(ctx context.Context, e *billing.LedgerEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("encode ledger metadata: %w", err)
		}
	}
	row, err := t.queryRow(ctx, psql.Insert("token_balance_transactions").
		Columns("id", "user_id", "type", "amount", "balance_after",
			"reference_type", "reference_id", "description", "metadata", "created_at").
		Values(e.ID, e.UserID, string(e.Type), e.Amount, e.BalanceAfter,
			e.ReferenceType, e.ReferenceID, e.Description, metadata, e.CreatedAt).
		Suffix("RETURNING sequence"))
	if err != nil {
		return err
	}
	if err := row.Scan(&e.Sequence); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *txStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]billing.LedgerEntry, error) {
	b := psql.Select("id", "user_id", "type", "amount", "balance_after",
		"reference_type", "reference_id", "description", "metadata", "created_at", "sequence").
		From("token_balance_transactions").
		Where(sq.Eq{"user_id": userID})
	if limit > 0 {
		b = b.OrderBy("sequence DESC").Limit(uint64(limit))
	} else {
		b = b.OrderBy("sequence")
	}
	rows, err := t.query(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.LedgerEntry
	for rows.Next() {
		var (
			e        billing.LedgerEntry
			typ      string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.Amount, &e.BalanceAfter,
			&e.ReferenceType, &e.ReferenceID, &e.Description, &metadata, &e.CreatedAt, &e.Sequence); err != nil {
			return nil, err
		}
		e.Type = billing.EntryType(typ)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode ledger entry %s metadata: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

func (t *txStore) MarkEventProcessed(ctx context.Context, kind, transactionID string, at time.Time) (bool, error) {
	n, err := t.exec(ctx, psql.Insert("processed_webhook_events").
		Columns("kind", "transaction_id", "processed_at").
		Values(strings.ToLower(kind), transactionID, at).
		Suffix("ON CONFLICT (kind, transaction_id) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return n == 1, nil
}

func (t *txStore) EventProcessed(ctx context.Context, kind, transactionID string) (bool, error) {
	row, err := t.queryRow(ctx, psql.Select("1").
		Prefix("SELECT EXISTS (").
		From("processed_webhook_events").
		Where(sq.Eq{"kind": strings.ToLower(kind), "transaction_id": transactionID}).
		Suffix(")"))
	if err != nil {
		return false, err
	}
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
