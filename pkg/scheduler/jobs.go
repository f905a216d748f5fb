package scheduler

import (
	"context"
	"time"

	"github.com/askhive/metering/pkg/notifications"
	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/subscriptions"
	"github.com/askhive/metering/pkg/usage"
)

// Lifecycle is the slice of the subscription service the jobs drive
type Lifecycle interface {
	Expire(ctx context.Context, sub *subscriptions.Subscription) error
	MarkPastDue(ctx context.Context, sub *subscriptions.Subscription) error
	ApplyDuePendingChanges(ctx context.Context, asOf time.Time) (int, error)
}

// SubscriptionSweeps is the slice of the subscription store the jobs scan
type SubscriptionSweeps interface {
	GetByID(ctx context.Context, id int64) (*subscriptions.Subscription, error)
	UpdateStatus(ctx context.Context, id int64, version int, status subscriptions.Status) error
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*subscriptions.Subscription, error)
	ListExpiredTrials(ctx context.Context, asOf time.Time) ([]*subscriptions.Subscription, error)
	ListPeriodsEndingBetween(ctx context.Context, from, to time.Time) ([]*subscriptions.Subscription, error)
	ListExpiredPeriods(ctx context.Context, asOf time.Time) ([]*subscriptions.Subscription, error)
}

// UsageSweeper is the slice of the usage store the jobs drive
type UsageSweeper interface {
	ListDueMonthlyResets(ctx context.Context, asOf time.Time) ([]int64, error)
	RollMonthlyBoundary(ctx context.Context, subscriptionID int64, asOf time.Time) (bool, error)
	ListHighMonthlyChatUsage(ctx context.Context, pct int64) ([]*usage.HighChatUsage, error)
}

// Notifier queues cooldown-deduplicated notifications
type Notifier interface {
	Send(ctx context.Context, sub *subscriptions.Subscription, notificationType string, data map[string]interface{}) (bool, error)
}

// JobsConfig holds job policy parameters
type JobsConfig struct {
	ExpiringSoonWindow time.Duration
	GracePeriod        time.Duration
}

// Jobs owns the engine's scheduled sweeps. Every handler is idempotent:
// transitions ride the state machine's natural idempotence and every send is
// gated on the notification cooldown, so overlapping runs converge on the
// same end state.
type Jobs struct {
	subs     Lifecycle
	store    SubscriptionSweeps
	usage    UsageSweeper
	notifier Notifier
	config   JobsConfig
	logger   *observability.Logger
	now      func() time.Time
}

// NewJobs creates the scheduled job set
func NewJobs(subs Lifecycle, store SubscriptionSweeps, usageSweeper UsageSweeper, notifier Notifier, config JobsConfig, logger *observability.Logger) *Jobs {
	if config.ExpiringSoonWindow <= 0 {
		config.ExpiringSoonWindow = 72 * time.Hour
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 72 * time.Hour
	}
	return &Jobs{
		subs:     subs,
		store:    store,
		usage:    usageSweeper,
		notifier: notifier,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the jobs clock (tests only)
func (j *Jobs) SetClock(now func() time.Time) {
	j.now = now
}

// All returns every job with its schedule
func (j *Jobs) All() []Job {
	return []Job{
		{Name: "trial-expiring-soon", Spec: "0 * * * *", Handler: j.TrialExpiringSoon},
		{Name: "trial-expired", Spec: "*/15 * * * *", Handler: j.TrialExpired},
		{Name: "subscription-expiring-soon", Spec: "30 * * * *", Handler: j.SubscriptionExpiringSoon},
		{Name: "subscription-expired", Spec: "*/15 * * * *", Handler: j.SubscriptionExpired},
		{Name: "pending-plan-changes", Spec: "*/5 * * * *", Handler: j.PendingPlanChanges},
		{Name: "monthly-usage-reset", Spec: "5 * * * *", Handler: j.MonthlyUsageReset},
		{Name: "usage-threshold-sweep", Spec: "45 * * * *", Handler: j.UsageThresholdSweep},
	}
}

// TrialExpiringSoon warns tenants whose trial ends within the window
func (j *Jobs) TrialExpiringSoon(ctx context.Context) error {
	now := j.now()
	subs, err := j.store.ListTrialsEndingBetween(ctx, now, now.Add(j.config.ExpiringSoonWindow))
	if err != nil {
		return err
	}

	for _, sub := range subs {
		daysLeft := 0
		if sub.TrialEndsAt != nil {
			daysLeft = int(sub.TrialEndsAt.Sub(now).Hours() / 24)
		}
		if _, err := j.notifier.Send(ctx, sub, notifications.TypeTrialEndingSoon, map[string]interface{}{
			"days_left": daysLeft,
		}); err != nil {
			j.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to queue trial warning")
		}
	}
	return nil
}

// TrialExpired expires lapsed trials and notifies their owners
func (j *Jobs) TrialExpired(ctx context.Context) error {
	subs, err := j.store.ListExpiredTrials(ctx, j.now())
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if err := j.subs.Expire(ctx, sub); err != nil {
			// an entitlement check or a concurrent run got there first
			j.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("skipping trial expiry")
			continue
		}
		if _, err := j.notifier.Send(ctx, sub, notifications.TypeTrialExpired, nil); err != nil {
			j.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to queue trial expired notice")
		}
	}
	return nil
}

// SubscriptionExpiringSoon warns tenants whose paid period ends within the window
func (j *Jobs) SubscriptionExpiringSoon(ctx context.Context) error {
	now := j.now()
	subs, err := j.store.ListPeriodsEndingBetween(ctx, now, now.Add(j.config.ExpiringSoonWindow))
	if err != nil {
		return err
	}

	for _, sub := range subs {
		data := map[string]interface{}{}
		if sub.CurrentPeriodEnd != nil {
			data["renews_at"] = sub.CurrentPeriodEnd
		}
		if _, err := j.notifier.Send(ctx, sub, notifications.TypeSubscriptionExpiring, data); err != nil {
			j.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to queue renewal warning")
		}
	}
	return nil
}

// SubscriptionExpired sweeps subscriptions past their period end: scheduled
// cancellations finalize, active ones enter the grace window as past_due,
// and past_due ones whose grace ran out expire.
func (j *Jobs) SubscriptionExpired(ctx context.Context) error {
	now := j.now()
	subs, err := j.store.ListExpiredPeriods(ctx, now)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		switch {
		case sub.CancelledAt != nil:
			if err := j.store.UpdateStatus(ctx, sub.ID, sub.Version, subscriptions.StatusCancelled); err != nil {
				j.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("skipping cancellation finalize")
			}

		case sub.Status == subscriptions.StatusActive:
			if err := j.subs.MarkPastDue(ctx, sub); err != nil {
				j.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("skipping past_due transition")
			}

		case sub.Status == subscriptions.StatusPastDue:
			if sub.CurrentPeriodEnd == nil || now.Before(sub.CurrentPeriodEnd.Add(j.config.GracePeriod)) {
				continue
			}
			if err := j.subs.Expire(ctx, sub); err != nil {
				j.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("skipping subscription expiry")
				continue
			}
			if _, err := j.notifier.Send(ctx, sub, notifications.TypeSubscriptionExpired, nil); err != nil {
				j.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to queue expiry notice")
			}
		}
	}
	return nil
}

// PendingPlanChanges promotes downgrades whose effective date arrived
func (j *Jobs) PendingPlanChanges(ctx context.Context) error {
	applied, err := j.subs.ApplyDuePendingChanges(ctx, j.now())
	if err != nil {
		return err
	}
	if applied > 0 {
		j.logger.WithField("applied", applied).Info("applied pending plan changes")
	}
	return nil
}

// MonthlyUsageReset rolls monthly chat counters whose boundary passed
func (j *Jobs) MonthlyUsageReset(ctx context.Context) error {
	now := j.now()
	ids, err := j.usage.ListDueMonthlyResets(ctx, now)
	if err != nil {
		return err
	}

	rolled := 0
	for _, id := range ids {
		ok, err := j.usage.RollMonthlyBoundary(ctx, id, now)
		if err != nil {
			j.logger.WithError(err).WithField("subscription_id", id).Error("failed to roll monthly boundary")
			continue
		}
		if ok {
			rolled++
		}
	}
	if rolled > 0 {
		j.logger.WithField("reset", rolled).Info("monthly usage counters reset")
	}
	return nil
}

// UsageThresholdSweep catches threshold crossings the event path missed,
// for example when a notification send failed after the delta landed.
func (j *Jobs) UsageThresholdSweep(ctx context.Context) error {
	rows, err := j.usage.ListHighMonthlyChatUsage(ctx, 80)
	if err != nil {
		return err
	}

	for _, row := range rows {
		pct := 80
		ratio := row.MonthlyChatsUsed * 100 / row.MonthlyChatLimit
		if ratio >= 100 {
			pct = 100
		} else if ratio >= 90 {
			pct = 90
		}

		sub, err := j.store.GetByID(ctx, row.SubscriptionID)
		if err != nil {
			j.logger.WithError(err).WithField("subscription_id", row.SubscriptionID).Error("failed to load subscription for sweep")
			continue
		}

		if _, err := j.notifier.Send(ctx, sub, notifications.UsageThresholdType(pct), map[string]interface{}{
			"percent": pct,
			"current": row.MonthlyChatsUsed,
			"limit":   row.MonthlyChatLimit,
		}); err != nil {
			j.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to queue threshold notice")
		}
	}
	return nil
}
