package billing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
	"github.com/dmitrymomot/tokenbill/svc/billing"
)

func seededSub(id, user string, start time.Time) billing.Subscription {
	return billing.Subscription{
		ID:                 id,
		UserID:             user,
		PlanName:           "basic_monthly",
		BillingPeriod:      billingperiod.Month,
		BillingPeriodCount: 1,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
		NextBillingDate:    start.AddDate(0, 1, 0),
		Status:             billing.StatusActive,
		CreatedAt:          start,
	}
}

func TestResetQuotas(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	stale := seededSub("stale", userID, epoch.AddDate(0, -4, 0))
	h.store.PutSubscription(stale)
	h.store.PutSubscription(seededSub("current", testerID, epoch.AddDate(0, 0, -3)))

	report, err := h.svc.Sweeps.ResetQuotas(ctx)
	require.NoError(t, err)
	assert.Equal(t, billing.JobResetQuotas, report.Job)
	assert.Equal(t, int64(1), report.Counts["subscriptionsAdvanced"])
	assert.Equal(t, epoch, report.Timestamp)

	// A period ending exactly now is over, so the row lands on [now, now+1 month).
	sub := h.store.Subscriptions(userID)[0]
	assert.Equal(t, epoch, sub.CurrentPeriodStart)
	assert.Equal(t, epoch.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.Equal(t, sub.CurrentPeriodEnd, sub.NextBillingDate)

	report, err = h.svc.Sweeps.ResetQuotas(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Counts["subscriptionsAdvanced"])

	// Balances are not touched by the sweep.
	assert.Equal(t, int64(50_000), h.user(t, userID).TokenBalance)
}

func TestCleanupExpiredTrials(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ended := epoch.Add(-time.Minute)
	trial := seededSub("trial", testerID, ended.Add(-72*time.Hour))
	trial.IsTrial = true
	trial.TrialEndsAt = &ended
	trial.CurrentPeriodEnd = ended
	h.store.PutSubscription(trial)

	running := epoch.Add(time.Hour)
	live := seededSub("live", userID, epoch.Add(-time.Hour))
	live.IsTrial = true
	live.TrialEndsAt = &running
	live.CurrentPeriodEnd = running
	h.store.PutSubscription(live)

	report, err := h.svc.Sweeps.Run(context.Background(), billing.JobCleanupExpiredTrials)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Counts["trialsConverted"])

	assert.False(t, h.store.Subscriptions(testerID)[0].IsTrial)
	assert.Equal(t, billing.StatusActive, h.store.Subscriptions(testerID)[0].Status)
	assert.True(t, h.store.Subscriptions(userID)[0].IsTrial)
}

func TestCleanupCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	closing := seededSub("closing", userID, epoch.AddDate(0, -1, 0))
	closing.Status = billing.StatusPastDue
	closing.CancelAtPeriodEnd = true
	h.store.PutSubscription(closing)
	h.store.PutUser(billing.User{ID: userID, CurrentPlan: "basic_monthly", TokenBalance: 10})

	// A tester whose old row closes while a newer one stays active keeps their plan.
	old := seededSub("old", testerID, epoch.AddDate(0, -2, 0))
	old.Status = billing.StatusPastDue
	old.CancelAtPeriodEnd = true
	h.store.PutSubscription(old)
	h.store.PutSubscription(seededSub("new", testerID, epoch))
	h.store.PutUser(billing.User{ID: testerID, CurrentPlan: "basic_monthly", IsTester: true})

	// A row whose user is gone fails alone.
	orphan := seededSub("orphan", "ghost", epoch.AddDate(0, -1, 0))
	orphan.CancelAtPeriodEnd = true
	h.store.PutSubscription(orphan)

	report, err := h.svc.Sweeps.CleanupCancelled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Counts["subscriptionsCancelled"])
	assert.Equal(t, int64(1), report.Failed)

	assert.Equal(t, billing.StatusCancelled, h.store.Subscriptions(userID)[0].Status)
	require.NotNil(t, h.store.Subscriptions(userID)[0].CancelledAt)
	assert.Equal(t, "free", h.user(t, userID).CurrentPlan)
	assert.Equal(t, int64(10), h.user(t, userID).TokenBalance)

	assert.Equal(t, "basic_monthly", h.user(t, testerID).CurrentPlan)
	assert.Equal(t, billing.StatusActive, h.store.Subscriptions("ghost")[0].Status)
}

func TestCleanupPaymentIntents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Intents.Create(ctx, billing.CreateIntentRequest{UserID: userID, PlanName: "basic_monthly"})
	require.NoError(t, err)
	h.store.PutIntent(billing.PaymentIntent{
		SessionID: "cs_ancient", UserID: userID, Status: billing.IntentFailed,
		CreatedAt: epoch.AddDate(0, 0, -31),
	})

	h.clock.Advance(31 * time.Minute)
	report, err := h.svc.Sweeps.Run(ctx, billing.JobCleanupPaymentIntents)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Counts["intentsExpired"])
	assert.Equal(t, int64(1), report.Counts["intentsDeleted"])

	_, ok := h.store.Intent("cs_ancient")
	assert.False(t, ok)
}

func TestRunUnknownJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := h.svc.Sweeps.Run(context.Background(), "drop-tables")
	require.ErrorIs(t, err, billing.ErrUnknownJob)
	assert.Len(t, billing.Jobs(), 4)
}

func TestSweepReportJSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(billing.SweepReport{
		Job:       billing.JobCleanupPaymentIntents,
		Counts:    map[string]int64{"intentsExpired": 3, "intentsDeleted": 1},
		Timestamp: epoch,
		Message:   "done",
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 3.0, got["intentsExpired"])
	assert.Equal(t, 1.0, got["intentsDeleted"])
	assert.Equal(t, "2025-01-15T10:00:00Z", got["timestamp"])
	assert.Equal(t, "done", got["message"])
	assert.NotContains(t, got, "failed")
}
