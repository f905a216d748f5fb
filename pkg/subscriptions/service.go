package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
)

// Store defines subscription persistence operations
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByTenant(ctx context.Context, tenantID int64) (*Subscription, error)
	GetByID(ctx context.Context, id int64) (*Subscription, error)
	UpdateStatus(ctx context.Context, id int64, version int, status Status) error
	MarkCancelled(ctx context.Context, id int64, version int, at time.Time) error
	ScheduleCancellation(ctx context.Context, id int64, version int, at time.Time) error
	ApplyPlanChange(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle) error
	SchedulePendingChange(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle, effective time.Time) error
	ApplyPendingChange(ctx context.Context, id int64, asOf time.Time) (bool, error)
	Activate(ctx context.Context, id int64, version int, startsAt, endsAt time.Time) error
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error)
	ListExpiredTrials(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	ListPeriodsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error)
	ListExpiredPeriods(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	ListDuePendingChanges(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	InsertChangeLog(ctx context.Context, entry *ChangeLogEntry) error
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// UsageInitializer is the slice of the usage store the lifecycle needs:
// fresh counters on first activation, zeroed counters on renewal.
type UsageInitializer interface {
	Initialize(ctx context.Context, subscriptionID int64, periodStart, periodEnd time.Time) error
	ResetAll(ctx context.Context, subscriptionID int64, periodStart, periodEnd time.Time) error
}

// Config holds lifecycle policy parameters
type Config struct {
	TrialPeriod     time.Duration
	DefaultPlanName string
}

// Service drives the subscription lifecycle
type Service struct {
	store     Store
	catalog   plans.Catalog
	usage     UsageInitializer
	publisher Publisher
	config    Config
	logger    *observability.Logger
	now       func() time.Time
}

// NewService creates a new subscription lifecycle service
func NewService(store Store, catalog plans.Catalog, usage UsageInitializer, publisher Publisher, config Config, logger *observability.Logger) *Service {
	if config.TrialPeriod <= 0 {
		config.TrialPeriod = 14 * 24 * time.Hour
	}
	if config.DefaultPlanName == "" {
		config.DefaultPlanName = plans.DefaultPlanName
	}
	return &Service{
		store:     store,
		catalog:   catalog,
		usage:     usage,
		publisher: publisher,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the service clock (tests only)
func (svc *Service) SetClock(now func() time.Time) {
	svc.now = now
}

// Store exposes the underlying store for collaborating services
func (svc *Service) Store() Store {
	return svc.store
}

// GetByTenant retrieves a tenant's subscription
func (svc *Service) GetByTenant(ctx context.Context, tenantID int64) (*Subscription, error) {
	return svc.store.GetByTenant(ctx, tenantID)
}

// Get retrieves a subscription by id
func (svc *Service) Get(ctx context.Context, id int64) (*Subscription, error) {
	return svc.store.GetByID(ctx, id)
}

// GetForTenant retrieves a subscription by id and verifies tenant ownership
func (svc *Service) GetForTenant(ctx context.Context, subscriptionID, tenantID int64) (*Subscription, error) {
	sub, err := svc.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.TenantID != tenantID {
		return nil, &ForbiddenError{TenantID: tenantID}
	}
	return sub, nil
}

// ProvisionTrial auto-provisions a default-plan subscription with a trial
// window computed from the tenant's creation time. Idempotent against
// duplicate user_created delivery: an existing subscription is returned as-is.
func (svc *Service) ProvisionTrial(ctx context.Context, tenantID int64, email, name string, createdAt time.Time) (*Subscription, error) {
	if existing, err := svc.store.GetByTenant(ctx, tenantID); err == nil {
		return existing, nil
	} else if !IsNotFound(err) {
		return nil, err
	}

	plan, err := svc.catalog.GetPlanByName(ctx, svc.config.DefaultPlanName)
	if err != nil {
		return nil, err
	}

	trialStart := createdAt
	trialEnd := createdAt.Add(svc.config.TrialPeriod)

	sub := &Subscription{
		TenantID:      tenantID,
		PlanID:        plan.ID,
		BillingCycle:  plans.CycleMonthly,
		Status:        StatusTrialing,
		TrialStartsAt: &trialStart,
		TrialEndsAt:   &trialEnd,
		OwnerEmail:    email,
		OwnerName:     name,
	}

	if err := svc.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	if err := svc.usage.Initialize(ctx, sub.ID, trialStart, trialEnd); err != nil {
		return nil, err
	}

	svc.publishPlanUpdated(ctx, sub, "created")

	svc.logger.WithFields(map[string]interface{}{
		"tenant_id":       tenantID,
		"subscription_id": sub.ID,
		"trial_ends_at":   trialEnd,
	}).Info("provisioned trial subscription")

	return sub, nil
}

// Cancel cancels a tenant's subscription, immediately or at period end
func (svc *Service) Cancel(ctx context.Context, tenantID int64, immediately bool) (*Subscription, error) {
	sub, err := svc.store.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	switch sub.Status {
	case StatusTrialing, StatusActive, StatusPastDue:
	default:
		return nil, &InvalidStateError{Reason: "not_cancellable", Message: "subscription cannot be cancelled in its current state"}
	}

	now := svc.now()
	if immediately || sub.CurrentPeriodEnd == nil {
		if err := svc.store.MarkCancelled(ctx, sub.ID, sub.Version, now); err != nil {
			return nil, err
		}
		sub.Status = StatusCancelled
	} else {
		if err := svc.store.ScheduleCancellation(ctx, sub.ID, sub.Version, now); err != nil {
			return nil, err
		}
		sub.EndsAt = sub.CurrentPeriodEnd
	}
	sub.CancelledAt = &now
	sub.Version++

	svc.publishPlanUpdated(ctx, sub, "cancelled")
	return sub, nil
}

// ActivateFromPayment transitions a subscription to active after a verified
// payment. An expired subscription is renewed with zeroed usage counters; a
// pending or trialing one gets its first paid period and fresh counters.
func (svc *Service) ActivateFromPayment(ctx context.Context, sub *Subscription) error {
	now := svc.now()
	periodEnd := AddCycle(now, sub.BillingCycle)
	wasExpired := sub.Status == StatusExpired

	if !CanTransition(sub.Status, StatusActive) {
		return &InvalidStateError{Reason: "not_activatable", Message: "subscription cannot be activated from its current state"}
	}

	if err := svc.store.Activate(ctx, sub.ID, sub.Version, now, periodEnd); err != nil {
		return err
	}

	sub.Status = StatusActive
	sub.StartsAt = &now
	sub.EndsAt = &periodEnd
	sub.CurrentPeriodStart = &now
	sub.CurrentPeriodEnd = &periodEnd
	sub.TrialStartsAt = nil
	sub.TrialEndsAt = nil
	sub.CancelledAt = nil
	sub.Version++

	if wasExpired {
		if err := svc.usage.ResetAll(ctx, sub.ID, now, periodEnd); err != nil {
			return err
		}
		svc.publishPlanUpdated(ctx, sub, "renewed")
	} else {
		if err := svc.usage.Initialize(ctx, sub.ID, now, periodEnd); err != nil {
			return err
		}
		svc.publishPlanUpdated(ctx, sub, "activated")
	}

	return nil
}

/// Expire transitions a subscription to expired. Idempotent: an already
// expired subscription, or a version conflict where the other writer also
// expired it, is not an error.
func (svc *Service) Expire(ctx context.Context, sub *Subscription) error {
	if sub.Status == StatusExpired {
		return nil
	}

	err := svc.store.UpdateStatus(ctx, sub.ID, sub.Version, StatusExpired)
	if errors.Is(err, ErrVersionConflict) {
		current, getErr := svc.store.GetByID(ctx, sub.ID)
		if getErr != nil {
			return err
		}
		if current.Status == StatusExpired {
			sub.Status = StatusExpired
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	sub.Status = StatusExpired
	sub.Version++
	return nil
}

// MarkPastDue transitions an active subscription to past_due at its period
// boundary; the grace window starts from current_period_end.
func (svc *Service) MarkPastDue(ctx context.Context, sub *Subscription) error {
	if sub.Status == StatusPastDue {
		return nil
	}

	if err := svc.store.UpdateStatus(ctx, sub.ID, sub.Version, StatusPastDue); err != nil {
		return err
	}

	sub.Status = StatusPastDue
	sub.Version++
	return nil
}

// AddCycle advances a timestamp by one billing cycle
func AddCycle(t time.Time, cycle plans.BillingCycle) time.Time {
	if cycle == plans.CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

func (svc *Service) publishPlanUpdated(ctx context.Context, sub *Subscription, action string) {
	if svc.publisher == nil {
		return
	}

	event := PlanUpdatedEvent{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Action:         action,
	}
	if err := svc.publisher.PublishPlanUpdated(ctx, event); err != nil {
		svc.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("failed to publish plan_updated event")
	}
}
