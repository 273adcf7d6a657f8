package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

// Ledger owns the token balance. Every change locks the user row, writes the
// new balance and appends one entry in the same transaction, so the entry
// chain always reproduces the stored balance.
type Ledger struct {
	*deps
	log *slog.Logger
}

// Adjust applies delta. Debits take a negative delta and clamp at zero;
// credits take a positive delta; adjustments go either way and also clamp.
// The entry records the delta actually applied.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta int64, typ EntryType, ref Reference, description string, metadata map[string]any) (*LedgerEntry, error) {
	if err := validateDelta(typ, delta); err != nil {
		return nil, err
	}
	var entry *LedgerEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		entry, err = l.adjust(ctx, tx, userID, delta, typ, ref, description, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Reset sets the balance to exactly newBalance, as on renewal.
func (l *Ledger) Reset(ctx context.Context, userID string, newBalance int64, reason string, ref Reference, metadata map[string]any) (*LedgerEntry, error) {
	if newBalance < 0 {
		return nil, fmt.Errorf("%w: reset to %d", ErrInvalidDelta, newBalance)
	}
	var entry *LedgerEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		entry, err = l.write(ctx, tx, user, newBalance, EntryReset, ref, reason, withMeta(metadata, map[string]any{
			"previousBalance": user.TokenBalance,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance returns the stored balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		balance = user.TokenBalance
		return nil
	})
	return balance, err
}

// History returns the newest limit entries in chain order; limit <= 0 means all.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListLedgerEntries(ctx, userID, limit)
		return err
	})
	return entries, err
}

// Verify replays the chain and compares its tail with the stored balance.
// Balance that predates the first entry is taken as given.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		entries, err := tx.ListLedgerEntries(ctx, userID, 0)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for i := 1; i < len(entries); i++ {
			prev, cur := entries[i-1], entries[i]
			if cur.BalanceAfter != prev.BalanceAfter+cur.Amount {
				return fmt.Errorf("%w: entry %s: %d + %d != %d",
					ErrLedgerChainBroken, cur.ID, prev.BalanceAfter, cur.Amount, cur.BalanceAfter)
			}
		}
		for _, e := range entries {
			if e.BalanceAfter < 0 {
				return fmt.Errorf("%w: entry %s has negative balance", ErrLedgerChainBroken, e.ID)
			}
		}
		if last := entries[len(entries)-1]; last.BalanceAfter != user.TokenBalance {
			return fmt.Errorf("%w: last entry %d, user balance %d",
				ErrLedgerChainBroken, last.BalanceAfter, user.TokenBalance)
		}
		return nil
	})
}

func (l *Ledger) adjust(ctx context.Context, tx Tx, userID string, delta int64, typ EntryType, ref Reference, description string, metadata map[string]any) (*LedgerEntry, error) {
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	target := user.TokenBalance + delta
	if typ != EntryCredit {
		target = max(0, target)
	}
	return l.write(ctx, tx, user, target, typ, ref, description, withMeta(metadata, map[string]any{
		"previousBalance": user.TokenBalance,
		"requestedDelta":  delta,
	}))
}

func (l *Ledger) write(ctx context.Context, tx Tx, user *User, balance int64, typ EntryType, ref Reference, description string, metadata map[string]any) (*LedgerEntry, error) {
	if err := tx.SetUserBalance(ctx, user.ID, balance); err != nil {
		return nil, err
	}
	entry := &LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Type:          typ,
		Amount:        balance - user.TokenBalance,
		BalanceAfter:  balance,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		Description:   description,
		Metadata:      metadata,
		CreatedAt:     l.now(),
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	l.log.DebugContext(ctx, "ledger entry written",
		logger.UserID(user.ID),
		slog.String("type", string(typ)),
		slog.Int64("amount", entry.Amount),
		slog.Int64("balance_after", balance),
	)
	return entry, nil
}

func validateDelta(typ EntryType, delta int64) error {
	switch typ {
	case EntryCredit:
		if delta <= 0 {
			return fmt.Errorf("%w: credit of %d", ErrInvalidDelta, delta)
		}
	case EntryDebit:
		if delta >= 0 {
			return fmt.Errorf("%w: debit of %d", ErrInvalidDelta, delta)
		}
	case EntryAdjustment:
		if delta == 0 {
			return fmt.Errorf("%w: zero adjustment", ErrInvalidDelta)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEntryType, typ)
	}
	return nil
}

func withMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
