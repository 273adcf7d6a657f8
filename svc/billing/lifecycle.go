package billing

import "fmt"

// lifecycleEvent names what happened to a subscription. The status it moves
// to depends only on the current status, which keeps every write conditional
// on the state that was read.
type lifecycleEvent string

const (
	eventRenew          lifecycleEvent = "renew"           // a charge paid for a new period
	eventReactivate     lifecycleEvent = "reactivate"      // gateway reports the subscription healthy
	eventPaymentFailed  lifecycleEvent = "payment_failed"  // a charge was declined
	eventScheduleCancel lifecycleEvent = "schedule_cancel" // stop renewing at period end
	eventPeriodClosed   lifecycleEvent = "period_closed"   // a scheduled cancellation took effect
	eventTrialEnded     lifecycleEvent = "trial_ended"
	eventRollover       lifecycleEvent = "rollover" // period advanced without a payment notification
)

var lifecycle = map[SubscriptionStatus]map[lifecycleEvent]SubscriptionStatus{
	StatusActive: {
		eventRenew:          StatusActive,
		eventReactivate:     StatusActive,
		eventPaymentFailed:  StatusPastDue,
		eventScheduleCancel: StatusActive,
		eventPeriodClosed:   StatusCancelled,
		eventTrialEnded:     StatusActive,
		eventRollover:       StatusActive,
	},
	StatusPastDue: {
		eventRenew:          StatusActive,
		eventReactivate:     StatusActive,
		eventPaymentFailed:  StatusPastDue,
		eventScheduleCancel: StatusPastDue,
		eventPeriodClosed:   StatusCancelled,
	},
	StatusCancelled: {
		// The gateway charged a subscription we already closed; the money is
		// taken so the period is honoured.
		eventRenew: StatusActive,
	},
}

// next returns the status sub moves to on ev.
func next(sub *Subscription, ev lifecycleEvent) (SubscriptionStatus, error) {
	to, ok := lifecycle[sub.Status][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s subscription %s", ErrInvalidTransition, ev, sub.Status, sub.ID)
	}
	return to, nil
}

// fire applies ev to sub in memory.
func fire(sub *Subscription, ev lifecycleEvent) error {
	to, err := next(sub, ev)
	if err != nil {
		return err
	}
	sub.Status = to
	return nil
}
