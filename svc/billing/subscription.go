package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
	"github.com/dmitrymomot/tokenbill/pkg/gateway"
)

// newSubscription starts an active period for plan at start.
func newSubscription(userID string, plan Plan, row *PlanRow, start time.Time) *Subscription {
	end := billingperiod.PeriodEnd(start, plan.BillingPeriod, plan.BillingPeriodCount)
	return &Subscription{
		ID:                 uuid.NewString(),
		UserID:             userID,
		PlanID:             row.ID,
		PlanName:           plan.Name,
		BillingPeriod:      plan.BillingPeriod,
		BillingPeriodCount: plan.BillingPeriodCount,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		NextBillingDate:    billingperiod.NextBillingDate(start, plan.BillingPeriod, plan.BillingPeriodCount),
		Status:             StatusActive,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
}

// newTrialSubscription covers [now, trialEnd). The plan's period is kept for
// the paid periods that follow.
func newTrialSubscription(userID string, plan Plan, row *PlanRow, now, trialEnd time.Time) *Subscription {
	sub := newSubscription(userID, plan, row, now)
	sub.CurrentPeriodEnd = trialEnd
	sub.NextBillingDate = trialEnd
	sub.IsTrial = true
	sub.TrialEndsAt = &trialEnd
	return sub
}

// extend starts the next period at the later of the current end and now, so a
// late notification never shortens or stacks periods. The plan may change.
func (s *Subscription) extend(plan Plan, row *PlanRow, now time.Time) {
	start := s.CurrentPeriodEnd
	if now.After(start) {
		start = now
	}
	s.PlanID = row.ID
	s.PlanName = plan.Name
	s.BillingPeriod = plan.BillingPeriod
	s.BillingPeriodCount = plan.BillingPeriodCount
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = billingperiod.PeriodEnd(start, plan.BillingPeriod, plan.BillingPeriodCount)
	s.NextBillingDate = billingperiod.NextBillingDate(start, plan.BillingPeriod, plan.BillingPeriodCount)
	s.IsTrial = false
	s.TrialEndsAt = nil
	s.CancelAtPeriodEnd = false
	s.CancelledAt = nil
	s.UpdatedAt = now
}

// rollover advances the period past now using the copied period settings.
func (s *Subscription) rollover(now time.Time) {
	start, end := billingperiod.Advance(s.CurrentPeriodEnd, now, s.BillingPeriod, s.BillingPeriodCount)
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = end
	s.NextBillingDate = end
	s.PeriodUnpaid = true
	s.UpdatedAt = now
}

// renew applies a charge for plan. A period the reset-quotas sweep already
// opened without a payment is the one this charge pays for, so its dates are
// kept. Any other period is extended.
func (s *Subscription) renew(plan Plan, row *PlanRow, now time.Time) {
	if s.PlanName != plan.Name || !s.awaitingPayment(now) {
		s.extend(plan, row, now)
		return
	}
	s.PlanID = row.ID
	s.TrialEndsAt = nil
	s.CancelAtPeriodEnd = false
	s.CancelledAt = nil
	s.UpdatedAt = now
}

// renewalDue reports whether the period ends within window of now. The
// window is capped at half the period, so a period that was just extended is
// never due again.
func (s *Subscription) renewalDue(now time.Time, window time.Duration) bool {
	if half := s.CurrentPeriodEnd.Sub(s.CurrentPeriodStart) / 2; window > half {
		window = half
	}
	return !s.CurrentPeriodEnd.After(now.Add(window))
}

// awaitingPayment reports whether the running period was opened by the sweep
// and no charge has been recorded for it yet.
func (s *Subscription) awaitingPayment(now time.Time) bool {
	return s.PeriodUnpaid && !s.IsTrial && s.CurrentPeriodEnd.After(now)
}

// scheduleCancel flags the row to end at period end. The first cancellation
// time is kept. Reports whether anything changed.
func (s *Subscription) scheduleCancel(at time.Time) bool {
	changed := false
	if !s.CancelAtPeriodEnd {
		s.CancelAtPeriodEnd = true
		changed = true
	}
	if s.CancelledAt == nil {
		s.CancelledAt = &at
		changed = true
	}
	if changed {
		s.UpdatedAt = at
	}
	return changed
}

func (s *Subscription) setCard(card gateway.Card) {
	if card.Token == "" {
		return
	}
	s.CardToken = card.Token
	if mask := card.Mask(); mask != "" {
		s.CardMask = mask
	}
}

func (s *Subscription) recordPayment(amount int64, currency string, at time.Time) {
	s.LastPaymentDate = &at
	s.LastPaymentAmount = amount
	s.LastPaymentCurrency = currency
	s.PeriodUnpaid = false
	s.UpdatedAt = at
}

// SubscriptionView is the client-facing projection of a subscription.
type SubscriptionView struct {
	PlanName          string             `json:"planName"`
	Status            SubscriptionStatus `json:"status"`
	CurrentPeriodEnd  time.Time          `json:"currentPeriodEnd"`
	NextBillingDate   time.Time          `json:"nextBillingDate"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd"`
	IsTrial           bool               `json:"isTrial"`
	TrialEndsAt       *time.Time         `json:"trialEndsAt,omitempty"`
	CardMask          string             `json:"cardMask,omitempty"`
}

func (s *Subscription) View() *SubscriptionView {
	return &SubscriptionView{
		PlanName:          s.PlanName,
		Status:            s.Status,
		CurrentPeriodEnd:  s.CurrentPeriodEnd,
		NextBillingDate:   s.NextBillingDate,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		IsTrial:           s.IsTrial,
		TrialEndsAt:       s.TrialEndsAt,
		CardMask:          s.CardMask,
	}
}
