package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

// Reconciliation jobs, named as they appear in the cron routes.
const (
	JobResetQuotas           = "reset-quotas"
	JobCleanupExpiredTrials  = "cleanup-expired-trials"
	JobCleanupCancelled      = "cleanup-cancelled"
	JobCleanupPaymentIntents = "cleanup-payment-intents"
)

// Jobs lists every reconciliation job.
func Jobs() []string {
	return []string{JobResetQuotas, JobCleanupExpiredTrials, JobCleanupCancelled, JobCleanupPaymentIntents}
}

// SweepReport summarizes one run.
type SweepReport struct {
	Job       string
	Counts    map[string]int64
	Failed    int64
	Timestamp time.Time
	Message   string
}

// MarshalJSON flattens Counts next to timestamp and message.
func (r SweepReport) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Counts)+4)
	for k, v := range r.Counts {
		out[k] = v
	}
	out["job"] = r.Job
	out["timestamp"] = r.Timestamp.Format(time.RFC3339)
	out["message"] = r.Message
	if r.Failed > 0 {
		out["failed"] = r.Failed
	}
	return json.Marshal(out)
}

// Reconciler closes gaps the webhook stream leaves: periods nobody renewed,
// finished trials, due cancellations and stale intents.
type Reconciler struct {
	*deps
	log *slog.Logger
}

// Run executes job by name.
func (r *Reconciler) Run(ctx context.Context, job string) (*SweepReport, error) {
	switch job {
	case JobResetQuotas:
		return r.ResetQuotas(ctx)
	case JobCleanupExpiredTrials:
		return r.CleanupExpiredTrials(ctx)
	case JobCleanupCancelled:
		return r.CleanupCancelled(ctx)
	case JobCleanupPaymentIntents:
		return r.CleanupPaymentIntents(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, job)
	}
}

// ResetQuotas advances active periods that ended without a renewal
// notification. The balance is left alone; renewals reset it. Rows scheduled
// for cancellation are left to CleanupCancelled and running trials to
// CleanupExpiredTrials, since a trial period ends at trialEndsAt.
func (r *Reconciler) ResetQuotas(ctx context.Context) (*SweepReport, error) {
	return r.sweep(ctx, JobResetQuotas, "subscriptionsAdvanced", Tx.ListActiveDue,
		func(sub *Subscription, now time.Time) (bool, error) {
			if sub.Status != StatusActive || sub.CancelAtPeriodEnd || sub.IsTrial || sub.CurrentPeriodEnd.After(now) {
				return false, nil
			}
			sub.rollover(now)
			return true, fire(sub, eventRollover)
		})
}

// CleanupExpiredTrials clears the trial flag once the trial has ended.
func (r *Reconciler) CleanupExpiredTrials(ctx context.Context) (*SweepReport, error) {
	return r.sweep(ctx, JobCleanupExpiredTrials, "trialsConverted", Tx.ListTrialsEnded,
		func(sub *Subscription, now time.Time) (bool, error) {
			if sub.Status != StatusActive || !sub.IsTrial || sub.TrialEndsAt == nil || sub.TrialEndsAt.After(now) {
				return false, nil
			}
			sub.IsTrial = false
			sub.UpdatedAt = now
			return true, fire(sub, eventTrialEnded)
		})
}

// CleanupCancelled closes subscriptions whose scheduled cancellation is due
// and moves their users to the free plan.
func (r *Reconciler) CleanupCancelled(ctx context.Context) (*SweepReport, error) {
	free := r.catalog.Free().Name
	return r.sweepTx(ctx, JobCleanupCancelled, "subscriptionsCancelled", Tx.ListCancellationsDue,
		func(ctx context.Context, tx Tx, sub *Subscription, now time.Time) (bool, error) {
			if !sub.CancelAtPeriodEnd || sub.Status == StatusCancelled || sub.CurrentPeriodEnd.After(now) {
				return false, nil
			}
			if err := fire(sub, eventPeriodClosed); err != nil {
				return false, err
			}
			if sub.CancelledAt == nil {
				sub.CancelledAt = &now
			}
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return false, err
			}
			_, err := tx.GetActiveSubscription(ctx, sub.UserID)
			switch {
			case errors.Is(err, ErrSubscriptionNotFound):
				return true, tx.UpdateUserPlan(ctx, sub.UserID, free)
			case err != nil:
				return false, err
			}
			return true, nil
		})
}

// CleanupPaymentIntents expires overdue pending intents and deletes intents
// older than the retention period.
func (r *Reconciler) CleanupPaymentIntents(ctx context.Context) (*SweepReport, error) {
	ctx, span := r.tracer.Start(ctx, "billing.sweep."+JobCleanupPaymentIntents)
	defer span.End()

	now := r.now()
	report := &SweepReport{Job: JobCleanupPaymentIntents, Counts: map[string]int64{}, Timestamp: now}
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		expired, err := tx.ExpirePendingIntents(ctx, now)
		if err != nil {
			return err
		}
		deleted, err := tx.DeleteIntentsBefore(ctx, now.Add(-r.cfg.IntentRetention))
		if err != nil {
			return err
		}
		report.Counts["intentsExpired"] = expired
		report.Counts["intentsDeleted"] = deleted
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.ErrorContext(ctx, "sweep failed", logger.Job(JobCleanupPaymentIntents), logger.Error(err))
		return nil, err
	}
	r.metrics.sweepRows(JobCleanupPaymentIntents, "expired", report.Counts["intentsExpired"])
	r.metrics.sweepRows(JobCleanupPaymentIntents, "deleted", report.Counts["intentsDeleted"])
	report.Message = fmt.Sprintf("expired %d, deleted %d payment intents",
		report.Counts["intentsExpired"], report.Counts["intentsDeleted"])
	r.finish(ctx, report)
	return report, nil
}

type listFunc func(tx Tx, ctx context.Context, now time.Time, limit int) ([]Subscription, error)

// sweep is sweepTx for changes confined to the subscription row.
func (r *Reconciler) sweep(ctx context.Context, job, counter string, list listFunc, apply func(*Subscription, time.Time) (bool, error)) (*SweepReport, error) {
	return r.sweepTx(ctx, job, counter, list,
		func(ctx context.Context, tx Tx, sub *Subscription, now time.Time) (bool, error) {
			changed, err := apply(sub, now)
			if err != nil || !changed {
				return false, err
			}
			return true, tx.UpdateSubscription(ctx, sub)
		})
}

// sweepTx lists candidates once, then re-reads and applies each row in its
// own transaction. A row that no longer qualifies is skipped; a row that
// fails is logged and counted.
func (r *Reconciler) sweepTx(ctx context.Context, job, counter string, list listFunc, apply func(context.Context, Tx, *Subscription, time.Time) (bool, error)) (*SweepReport, error) {
	ctx, span := r.tracer.Start(ctx, "billing.sweep."+job)
	defer span.End()

	now := r.now()
	report := &SweepReport{Job: job, Counts: map[string]int64{counter: 0}, Timestamp: now}

	var candidates []Subscription
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		candidates, err = list(tx, ctx, now, r.cfg.SweepBatchSize)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.ErrorContext(ctx, "sweep failed", logger.Job(job), logger.Error(err))
		return nil, err
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var changed bool
		err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			sub, err := tx.GetSubscription(ctx, candidate.ID)
			if err != nil {
				return err
			}
			changed, err = apply(ctx, tx, sub, now)
			return err
		})
		switch {
		case err != nil:
			report.Failed++
			r.metrics.sweepRows(job, "failed", 1)
			r.log.ErrorContext(ctx, "sweep row failed",
				logger.Job(job), logger.SubscriptionID(candidate.ID), logger.Error(err))
		case changed:
			report.Counts[counter]++
			r.metrics.sweepRows(job, "updated", 1)
		default:
			r.metrics.sweepRows(job, "skipped", 1)
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.candidates", len(candidates)),
		attribute.Int64("sweep.failed", report.Failed),
	)
	report.Message = fmt.Sprintf("%s: %d of %d rows updated", job, report.Counts[counter], len(candidates))
	r.finish(ctx, report)
	return report, nil
}

func (r *Reconciler) finish(ctx context.Context, report *SweepReport) {
	attrs := []any{logger.Job(report.Job), slog.String("message", report.Message)}
	for k, v := range report.Counts {
		attrs = append(attrs, logger.Count(k, v))
	}
	if report.Failed > 0 {
		r.log.WarnContext(ctx, "sweep finished with failures", append(attrs, logger.Count("failed", report.Failed))...)
		return
	}
	r.log.InfoContext(ctx, "sweep finished", attrs...)
}
