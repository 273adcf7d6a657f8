package billing

import (
	"context"
	"time"
)

// Store runs fn in a single transaction. A non-nil error from fn rolls back.
// Implementations live in internal/store.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of conditional reads and writes the lifecycle needs. Getters
// that feed a write lock the row for the rest of the transaction. Missing rows
// are reported with the package's not-found errors.
type Tx interface {
	GetUser(ctx context.Context, id string) (*User, error)
	LockUser(ctx context.Context, id string) (*User, error)
	UpdateUserPlan(ctx context.Context, userID, planName string) error
	SetUserBalance(ctx context.Context, userID string, balance int64) error
	MarkTrialUsed(ctx context.Context, userID string, at time.Time) error

	// EnsurePlan returns the persisted row for plan, inserting it when absent.
	EnsurePlan(ctx context.Context, plan Plan, at time.Time) (*PlanRow, error)

	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error)
	GetLatestSubscription(ctx context.Context, userID string) (*Subscription, error)
	InsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	// CancelActiveSubscriptions cancels every active or past_due row of userID
	// except exceptID and returns how many it closed.
	CancelActiveSubscriptions(ctx context.Context, userID, exceptID string, at time.Time) (int64, error)
	// ListActiveDue returns active rows not scheduled for cancellation whose
	// period ended at or before now.
	ListActiveDue(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
	// ListTrialsEnded returns active trial rows whose trial ended at or before now.
	ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
	// ListCancellationsDue returns active or past_due rows scheduled for
	// cancellation whose period ended at or before now.
	ListCancellationsDue(ctx context.Context, now time.Time, limit int) ([]Subscription, error)

	InsertIntent(ctx context.Context, intent *PaymentIntent) error
	GetIntent(ctx context.Context, sessionID string) (*PaymentIntent, error)
	GetIntentByTransaction(ctx context.Context, transactionID string) (*PaymentIntent, error)
	UpdateIntent(ctx context.Context, intent *PaymentIntent) error
	ExpirePendingIntents(ctx context.Context, now time.Time) (int64, error)
	DeleteIntentsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// InsertLedgerEntry assigns entry.Sequence.
	InsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error
	// ListLedgerEntries returns the newest limit entries (all when limit <= 0)
	// in chain order.
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)

	// MarkEventProcessed records (kind, transactionID) and reports whether it
	// was new. A false result means the event was applied before.
	MarkEventProcessed(ctx context.Context, kind, transactionID string, at time.Time) (bool, error)
	EventProcessed(ctx context.Context, kind, transactionID string) (bool, error)
}
