package billing

import "errors"

var (
	ErrUserNotFound         = errors.New("billing: user not found")
	ErrPlanNotFound         = errors.New("billing: plan not found")
	ErrPlanNotAvailable     = errors.New("billing: plan not available for this user")
	ErrCurrencyNotSupported = errors.New("billing: currency not supported by plan")
	ErrInvalidCatalog       = errors.New("billing: invalid plan catalog")

	ErrTrialAlreadyUsed  = errors.New("billing: trial already used")
	ErrTrialNotAvailable = errors.New("billing: trial not available")

	ErrIntentNotFound       = errors.New("billing: payment intent not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrInvalidTransition    = errors.New("billing: invalid subscription transition")

	ErrInvalidDelta      = errors.New("billing: invalid balance delta")
	ErrInvalidEntryType  = errors.New("billing: invalid ledger entry type")
	ErrLedgerChainBroken = errors.New("billing: ledger chain broken")

	ErrUnknownJob = errors.New("billing: unknown reconciliation job")
)
