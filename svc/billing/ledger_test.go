package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/tokenbill/svc/billing"
)

func TestLedgerAdjust(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		delta       int64
		typ         billing.EntryType
		wantAmount  int64
		wantBalance int64
		wantErr     error
	}{
		{name: "credit", delta: 1_000, typ: billing.EntryCredit, wantAmount: 1_000, wantBalance: 51_000},
		{name: "debit", delta: -20_000, typ: billing.EntryDebit, wantAmount: -20_000, wantBalance: 30_000},
		{name: "debit clamps at zero", delta: -80_000, typ: billing.EntryDebit, wantAmount: -50_000, wantBalance: 0},
		{name: "negative adjustment clamps", delta: -60_000, typ: billing.EntryAdjustment, wantAmount: -50_000, wantBalance: 0},
		{name: "positive adjustment", delta: 5, typ: billing.EntryAdjustment, wantAmount: 5, wantBalance: 50_005},
		{name: "credit must be positive", delta: -1, typ: billing.EntryCredit, wantErr: billing.ErrInvalidDelta},
		{name: "debit must be negative", delta: 1, typ: billing.EntryDebit, wantErr: billing.ErrInvalidDelta},
		{name: "zero adjustment", delta: 0, typ: billing.EntryAdjustment, wantErr: billing.ErrInvalidDelta},
		{name: "reset is not an adjustment", delta: 10, typ: billing.EntryReset, wantErr: billing.ErrInvalidEntryType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ctx := context.Background()

			entry, err := h.svc.Ledger.Adjust(ctx, userID, tt.delta, tt.typ,
				billing.Reference{Type: "chat", ID: "msg-1"}, tt.name, map[string]any{"model": "m"})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, int64(50_000), h.user(t, userID).TokenBalance)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, entry.Type)
			assert.Equal(t, tt.wantAmount, entry.Amount)
			assert.Equal(t, tt.wantBalance, entry.BalanceAfter)
			assert.Equal(t, int64(50_000), entry.Metadata["previousBalance"])
			assert.Equal(t, tt.delta, entry.Metadata["requestedDelta"])
			assert.Equal(t, "m", entry.Metadata["model"])
			assert.Equal(t, tt.wantBalance, h.user(t, userID).TokenBalance)
		})
	}
}

func TestLedgerUnknownUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.Ledger.Adjust(context.Background(), "ghost", 10, billing.EntryCredit, billing.Reference{}, "", nil)
	require.ErrorIs(t, err, billing.ErrUserNotFound)

	_, err = h.svc.Ledger.Balance(context.Background(), "ghost")
	require.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestLedgerResetAndChain(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	ref := billing.Reference{Type: "subscription", ID: "sub-1"}

	_, err := h.svc.Ledger.Adjust(ctx, userID, -45_000, billing.EntryDebit, ref, "usage", nil)
	require.NoError(t, err)

	entry, err := h.svc.Ledger.Reset(ctx, userID, 3_000_000, "renewal", ref, nil)
	require.NoError(t, err)
	assert.Equal(t, billing.EntryReset, entry.Type)
	assert.Equal(t, int64(3_000_000-5_000), entry.Amount)
	assert.Equal(t, int64(3_000_000), entry.BalanceAfter)

	_, err = h.svc.Ledger.Reset(ctx, userID, -1, "bad", ref, nil)
	require.ErrorIs(t, err, billing.ErrInvalidDelta)

	_, err = h.svc.Ledger.Adjust(ctx, userID, -1_000, billing.EntryDebit, ref, "usage", nil)
	require.NoError(t, err)

	balance, err := h.svc.Ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_999_000), balance)

	all, err := h.svc.Ledger.History(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].BalanceAfter+all[i].Amount, all[i].BalanceAfter)
		assert.Greater(t, all[i].Sequence, all[i-1].Sequence)
	}

	last, err := h.svc.Ledger.History(ctx, userID, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, all[2].ID, last[0].ID)

	require.NoError(t, h.svc.Ledger.Verify(ctx, userID))
}

func TestLedgerConcurrentDebitsAndReset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	const (
		debits = 40
		resets = 4
	)
	var g errgroup.Group
	for i := range debits + resets {
		g.Go(func() error {
			if i%((debits+resets)/resets) == 0 {
				_, err := h.svc.Ledger.Reset(ctx, userID, 100_000, "renewal", billing.Reference{}, nil)
				return err
			}
			_, err := h.svc.Ledger.Adjust(ctx, userID, -1_000, billing.EntryDebit, billing.Reference{}, "usage", nil)
			return err
		})
	}
	require.NoError(t, g.Wait())

	entries, err := h.svc.Ledger.History(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, entries, debits+resets)
	assert.Equal(t, int64(50_000), entries[0].BalanceAfter-entries[0].Amount)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].BalanceAfter+entries[i].Amount, entries[i].BalanceAfter)
		assert.GreaterOrEqual(t, entries[i].BalanceAfter, int64(0))
	}

	balance, err := h.svc.Ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, entries[len(entries)-1].BalanceAfter, balance)
	assert.Equal(t, balance, h.user(t, userID).TokenBalance)
	require.NoError(t, h.svc.Ledger.Verify(ctx, userID))
}

func TestLedgerVerifyDetectsTampering(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Ledger.Adjust(ctx, userID, 100, billing.EntryCredit, billing.Reference{}, "", nil)
	require.NoError(t, err)

	t.Run("stored balance drifted", func(t *testing.T) {
		u := h.user(t, userID)
		u.TokenBalance += 7
		h.store.PutUser(u)
		require.ErrorIs(t, h.svc.Ledger.Verify(ctx, userID), billing.ErrLedgerChainBroken)
	})

	t.Run("entry does not follow its predecessor", func(t *testing.T) {
		err := h.store.InTx(ctx, func(ctx context.Context, tx billing.Tx) error {
			return tx.InsertLedgerEntry(ctx, &billing.LedgerEntry{
				ID: "forged", UserID: userID, Type: billing.EntryCredit, Amount: 1, BalanceAfter: 10,
			})
		})
		require.NoError(t, err)
		require.ErrorIs(t, h.svc.Ledger.Verify(ctx, userID), billing.ErrLedgerChainBroken)
	})
}

func TestLedgerVerifyEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.svc.Ledger.Verify(context.Background(), userID))
}
