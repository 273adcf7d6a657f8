package billing

import (
	"time"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
)

// SubscriptionStatus is the stored lifecycle state. "Will not renew" is not a
// status: it is Active with CancelAtPeriodEnd set.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// IntentStatus moves only from pending to one of the terminal values.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentExpired   IntentStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s IntentStatus) Terminal() bool {
	return s != IntentPending
}

// EntryType classifies ledger rows.
type EntryType string

const (
	EntryCredit     EntryType = "credit"
	EntryDebit      EntryType = "debit"
	EntryReset      EntryType = "reset"
	EntryAdjustment EntryType = "adjustment"
)

// User is owned by the auth service; billing only reads it and updates the
// plan, balance and trial fields.
type User struct {
	ID           string
	CurrentPlan  string
	TokenBalance int64
	IsTester     bool
	TrialUsedAt  *time.Time
	UpdatedAt    time.Time
}

// PlanRow is the persisted snapshot of a catalog plan that subscriptions point at.
type PlanRow struct {
	ID                 string
	Name               string
	BillingPeriod      billingperiod.Unit
	BillingPeriodCount int
	TokenQuota         int64
	IsTesterPlan       bool
	CreatedAt          time.Time
}

// Subscription is one paid or trial relationship between a user and a plan.
// Rows are never deleted; at most one per user is active.
type Subscription struct {
	ID                     string
	UserID                 string
	PlanID                 string
	PlanName               string
	BillingPeriod          billingperiod.Unit
	BillingPeriodCount     int
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	NextBillingDate        time.Time
	Status                 SubscriptionStatus
	CancelAtPeriodEnd      bool
	CancelledAt            *time.Time
	IsTrial                bool
	TrialEndsAt            *time.Time
	ExternalSubscriptionID string
	CardToken              string
	CardMask               string
	LastPaymentDate        *time.Time
	LastPaymentAmount      int64
	LastPaymentCurrency    string
	// PeriodUnpaid marks a period the reset-quotas sweep opened without a
	// charge. The next renewal pays for it instead of extending.
	PeriodUnpaid           bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IntentMetadata is stored alongside an intent for support and display.
type IntentMetadata struct {
	ClientIP      string `json:"clientIp,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	PlanTitle     string `json:"planTitle,omitempty"`
	DisplayAmount string `json:"displayAmount,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// PaymentIntent correlates a checkout session with the asynchronous webhook
// that settles it.
type PaymentIntent struct {
	SessionID              string
	UserID                 string
	PlanName               string
	Amount                 int64
	Currency               string
	Status                 IntentStatus
	IsTrial                bool
	ExternalSubscriptionID string
	ExternalTransactionID  string
	FailureReason          string
	FailureCode            int
	ExpiresAt              time.Time
	Metadata               IntentMetadata
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Reference points a ledger entry at the thing that caused it.
type Reference struct {
	Type string
	ID   string
}

// LedgerEntry is one append-only balance change. Amount is the delta actually
// applied, which differs from the requested delta when a debit is clamped at zero.
type LedgerEntry struct {
	ID            string
	UserID        string
	Type          EntryType
	Amount        int64
	BalanceAfter  int64
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      map[string]any
	CreatedAt     time.Time
	Sequence      int64
}
