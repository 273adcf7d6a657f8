package billing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

const (
	checkoutSessionPrefix = "cs_"
	trialSessionPrefix    = "tr_"
	sessionEntropyBytes   = 32
)

// Intents tracks checkout attempts until a webhook or the expiry settles them.
type Intents struct {
	*deps
	log *slog.Logger
}

type CreateIntentRequest struct {
	UserID    string
	PlanName  string
	Trial     bool
	Currency  string // catalog default when empty
	ClientIP  string
	UserAgent string
	Locale    string
}

type CreatedIntent struct {
	SessionID     string    `json:"sessionId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	DisplayAmount string    `json:"displayAmount,omitempty"`
	IsTrial       bool      `json:"isTrial"`
}

// Create opens a pending intent for the user. Trial intents hold a nominal
// amount instead of the plan price.
func (s *Intents) Create(ctx context.Context, req CreateIntentRequest) (*CreatedIntent, error) {
	plan, ok := s.catalog.Plan(req.PlanName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, req.PlanName)
	}
	if plan.Free {
		return nil, fmt.Errorf("%w: %q is free", ErrPlanNotAvailable, plan.Name)
	}
	cur := strings.ToUpper(strings.TrimSpace(req.Currency))
	if cur == "" {
		cur = s.catalog.DefaultCurrency()
	}
	price, ok := plan.Price(cur)
	if !ok {
		return nil, fmt.Errorf("%w: %s for %q", ErrCurrencyNotSupported, cur, plan.Name)
	}

	sessionID, err := newSessionID(req.Trial)
	if err != nil {
		return nil, err
	}

	now := s.now()
	intent := &PaymentIntent{
		SessionID: sessionID,
		UserID:    req.UserID,
		PlanName:  plan.Name,
		Amount:    price,
		Currency:  cur,
		Status:    IntentPending,
		IsTrial:   req.Trial,
		ExpiresAt: now.Add(s.cfg.IntentTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Trial {
		intent.Amount = s.cfg.TrialHoldAmount
	}
	intent.Metadata = IntentMetadata{
		ClientIP:      req.ClientIP,
		UserAgent:     req.UserAgent,
		PlanTitle:     plan.Title,
		DisplayAmount: displayAmount(intent.Amount, cur, req.Locale),
		Locale:        req.Locale,
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		user, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if plan.IsTesterPlan && !user.IsTester {
			return fmt.Errorf("%w: %q", ErrPlanNotAvailable, plan.Name)
		}
		if req.Trial {
			if err := s.trialEligible(user, plan); err != nil {
				return err
			}
		}
		return tx.InsertIntent(ctx, intent)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.intentCreated(req.Trial)
	s.log.InfoContext(ctx, "payment intent created",
		logger.UserID(req.UserID), logger.SessionID(sessionID), logger.Plan(plan.Name),
		slog.Bool("trial", req.Trial))

	return &CreatedIntent{
		SessionID:     intent.SessionID,
		ExpiresAt:     intent.ExpiresAt,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		DisplayAmount: intent.Metadata.DisplayAmount,
		IsTrial:       intent.IsTrial,
	}, nil
}

func (s *Intents) trialEligible(user *User, plan Plan) error {
	if user.TrialUsedAt != nil {
		return ErrTrialAlreadyUsed
	}
	if !plan.AllowTrial {
		return fmt.Errorf("%w: plan %q", ErrTrialNotAvailable, plan.Name)
	}
	if s.cfg.TrialTestersOnly && !user.IsTester {
		return fmt.Errorf("%w: testers only", ErrTrialNotAvailable)
	}
	return nil
}

// Resolution settles an intent.
type Resolution struct {
	Status                 IntentStatus
	ExternalSubscriptionID string
	ExternalTransactionID  string
	FailureReason          string
	FailureCode            int
}

// Resolve settles sessionID in its own transaction. Resolving a settled
// intent is a no-op.
func (s *Intents) Resolve(ctx context.Context, sessionID string, res Resolution) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		intent, err := tx.GetIntent(ctx, sessionID)
		if err != nil {
			return err
		}
		_, err = s.resolve(ctx, tx, intent, res)
		return err
	})
}

// resolve moves a pending intent to res.Status. Terminal intents are left
// alone; a succeeded one is never overwritten.
func (s *Intents) resolve(ctx context.Context, tx Tx, intent *PaymentIntent, res Resolution) (bool, error) {
	if res.Status != IntentSucceeded && res.Status != IntentFailed {
		return false, fmt.Errorf("billing: cannot resolve intent to %q", res.Status)
	}
	if intent.Status.Terminal() {
		if intent.Status != res.Status {
			s.log.WarnContext(ctx, "late resolution for settled intent ignored",
				logger.SessionID(intent.SessionID),
				slog.String("status", string(intent.Status)),
				slog.String("resolution", string(res.Status)),
				logger.TransactionID(res.ExternalTransactionID))
		}
		return false, nil
	}

	intent.Status = res.Status
	if res.ExternalSubscriptionID != "" {
		intent.ExternalSubscriptionID = res.ExternalSubscriptionID
	}
	if res.ExternalTransactionID != "" {
		intent.ExternalTransactionID = res.ExternalTransactionID
	}
	intent.FailureReason = res.FailureReason
	intent.FailureCode = res.FailureCode
	intent.UpdatedAt = s.now()
	if err := tx.UpdateIntent(ctx, intent); err != nil {
		return false, err
	}
	return true, nil
}

// lookup finds the intent a notification refers to, by session id first and
// by transaction id second. Returns nil when neither matches.
func (s *Intents) lookup(ctx context.Context, tx Tx, sessionID, transactionID string) (*PaymentIntent, error) {
	if sessionID != "" {
		intent, err := tx.GetIntent(ctx, sessionID)
		switch {
		case err == nil:
			return intent, nil
		case !errors.Is(err, ErrIntentNotFound):
			return nil, err
		}
	}
	if transactionID != "" {
		intent, err := tx.GetIntentByTransaction(ctx, transactionID)
		switch {
		case err == nil:
			return intent, nil
		case !errors.Is(err, ErrIntentNotFound):
			return nil, err
		}
	}
	return nil, nil
}

// IntentView is what the polling client sees.
type IntentView struct {
	SessionID     string            `json:"sessionId"`
	Status        IntentStatus      `json:"status"`
	PlanName      string            `json:"planName"`
	IsTrial       bool              `json:"isTrial"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	FailureReason string            `json:"failureReason,omitempty"`
	FailureCode   int               `json:"failureCode,omitempty"`
	Subscription  *SubscriptionView `json:"subscription,omitempty"`
}

// Status returns the intent if userID owns it. Unknown and foreign sessions
// look the same. An overdue pending intent is expired on read.
func (s *Intents) Status(ctx context.Context, sessionID, userID string) (*IntentView, error) {
	var view *IntentView
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		intent, err := tx.GetIntent(ctx, sessionID)
		if err != nil {
			return err
		}
		if intent.UserID != userID {
			return ErrIntentNotFound
		}

		now := s.now()
		if intent.Status == IntentPending && !now.Before(intent.ExpiresAt) {
			intent.Status = IntentExpired
			intent.UpdatedAt = now
			if err := tx.UpdateIntent(ctx, intent); err != nil {
				return err
			}
		}

		view = &IntentView{
			SessionID:     intent.SessionID,
			Status:        intent.Status,
			PlanName:      intent.PlanName,
			IsTrial:       intent.IsTrial,
			Amount:        intent.Amount,
			Currency:      intent.Currency,
			ExpiresAt:     intent.ExpiresAt,
			FailureReason: intent.FailureReason,
			FailureCode:   intent.FailureCode,
		}
		if intent.Status == IntentSucceeded {
			sub, err := tx.GetActiveSubscription(ctx, userID)
			switch {
			case err == nil:
				view.Subscription = sub.View()
			case !errors.Is(err, ErrSubscriptionNotFound):
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func newSessionID(trial bool) (string, error) {
	buf := make([]byte, sessionEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("billing: session id: %w", err)
	}
	prefix := checkoutSessionPrefix
	if trial {
		prefix = trialSessionPrefix
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// displayAmount formats minor units for the checkout widget, e.g. "RUB 1,999.00"
// or "₽ 1 999,00" depending on locale. Unknown currencies fall back to plain text.
func displayAmount(minor int64, cur, locale string) string {
	unit, err := currency.ParseISO(cur)
	if err != nil {
		return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, cur)
	}
	tag, err := language.Parse(locale)
	if err != nil || locale == "" {
		tag = language.Russian
	}
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(float64(minor) / 100)))
}
