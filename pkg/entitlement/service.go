// Package entitlement implements the synchronous allow/deny check producer
// services call before a user-facing action. Decisions carry a
// machine-readable reason code and the counter state that produced them.
// The check is self-healing: a subscription whose trial or paid period has
// lapsed is expired inline, so correctness never waits on a scheduled job.
package entitlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
	"github.com/askhive/metering/pkg/subscriptions"
	"github.com/askhive/metering/pkg/usage"
)

// Decision reason codes
const (
	ReasonOK              = "ok"
	ReasonUnlimited       = "unlimited"
	ReasonGracePeriod     = "grace_period"
	ReasonFailOpen        = "fail_open"
	ReasonNoSubscription  = "no_subscription"
	ReasonTrialExpired    = "trial_expired"
	ReasonSubExpired      = "subscription_expired"
	ReasonPaymentRequired = "payment_required"
	ReasonGraceExpired    = "grace_period_expired"
	ReasonCancelled       = "subscription_cancelled"
	ReasonDocumentLimit   = "document_limit_exceeded"
	ReasonWebsiteLimit    = "website_limit_exceeded"
	ReasonChatLimit       = "chat_limit_exceeded"
)

// Decision is the result of an entitlement check
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	Current   int64  `json:"current"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// SubscriptionSource is the slice of the subscription service the check needs
type SubscriptionSource interface {
	GetByTenant(ctx context.Context, tenantID int64) (*subscriptions.Subscription, error)
	Expire(ctx context.Context, sub *subscriptions.Subscription) error
}

// UsageSource reads the current counters for a subscription
type UsageSource interface {
	Get(ctx context.Context, subscriptionID int64) (*usage.Tracking, error)
}

// Config holds entitlement policy parameters
type Config struct {
	GracePeriod  time.Duration
	CheckTimeout time.Duration
}

// Service answers entitlement checks
type Service struct {
	subs    SubscriptionSource
	usage   UsageSource
	catalog plans.Catalog
	config  Config
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewService creates a new entitlement check service
func NewService(subs SubscriptionSource, usageSource UsageSource, catalog plans.Catalog, config Config, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if config.GracePeriod <= 0 {
		config.GracePeriod = 72 * time.Hour
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 2 * time.Second
	}
	return &Service{
		subs:    subs,
		usage:   usageSource,
		catalog: catalog,
		config:  config,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the service clock (tests only)
func (svc *Service) SetClock(now func() time.Time) {
	svc.now = now
}

// Check decides whether a tenant may perform one more action on a resource.
// Dependency timeouts fail open: denying every chat because the database was
// slow for one check would cascade an outage into unrelated services.
func (svc *Service) Check(ctx context.Context, tenantID int64, resource plans.ResourceType) (*Decision, error) {
	start := svc.now()
	ctx, cancel := context.WithTimeout(ctx, svc.config.CheckTimeout)
	defer cancel()

	decision, err := svc.check(ctx, tenantID, resource)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			svc.logger.WithError(err).WithFields(map[string]interface{}{
				"tenant_id": tenantID,
				"resource":  string(resource),
			}).Warn("entitlement check timed out, failing open")
			if svc.metrics != nil {
				svc.metrics.EntitlementFailOpenTotal.Inc()
			}
			decision = &Decision{Allowed: true, Reason: ReasonFailOpen, Limit: plans.Unlimited, Remaining: plans.Unlimited}
		} else {
			return nil, err
		}
	}

	if svc.metrics != nil {
		svc.metrics.EntitlementChecksTotal.WithLabelValues(string(resource), strconv.FormatBool(decision.Allowed), decision.Reason).Inc()
		svc.metrics.EntitlementCheckDuration.WithLabelValues(string(resource)).Observe(svc.now().Sub(start).Seconds())
	}
	return decision, nil
}

func (svc *Service) check(ctx context.Context, tenantID int64, resource plans.ResourceType) (*Decision, error) {
	now := svc.now()

	sub, err := svc.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		if subscriptions.IsNotFound(err) {
			return deny(ReasonNoSubscription), nil
		}
		return nil, err
	}

	switch sub.Status {
	case subscriptions.StatusExpired:
		if sub.TrialEndsAt != nil && sub.TrialEndsAt.Before(now) {
			return deny(ReasonTrialExpired), nil
		}
		return deny(ReasonSubExpired), nil

	case subscriptions.StatusTrialing:
		if sub.TrialEndsAt != nil && now.After(*sub.TrialEndsAt) {
			if err := svc.lazyExpire(ctx, sub); err != nil {
				return nil, err
			}
			return deny(ReasonTrialExpired), nil
		}

	case subscriptions.StatusActive:
		if sub.CurrentPeriodEnd != nil && now.After(*sub.CurrentPeriodEnd) {
			if err := svc.lazyExpire(ctx, sub); err != nil {
				return nil, err
			}
			return deny(ReasonSubExpired), nil
		}

	case subscriptions.StatusPending:
		return deny(ReasonPaymentRequired), nil

	case subscriptions.StatusPastDue:
		if sub.CurrentPeriodEnd == nil {
			// a past_due row without a period end cannot anchor a grace window
			svc.logger.WithField("subscription_id", sub.ID).Warn("past_due subscription has no current period end, denying")
			return deny(ReasonGraceExpired), nil
		}
		if now.After(sub.CurrentPeriodEnd.Add(svc.config.GracePeriod)) {
			return deny(ReasonGraceExpired), nil
		}

	case subscriptions.StatusCancelled:
		return deny(ReasonCancelled), nil
	}

	return svc.checkLimit(ctx, sub, resource)
}

func (svc *Service) checkLimit(ctx context.Context, sub *subscriptions.Subscription, resource plans.ResourceType) (*Decision, error) {
	plan, err := svc.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	limit := plan.LimitFor(resource)
	monthlyLimit := plans.Unlimited
	if resource == plans.ResourceChat {
		monthlyLimit = plan.MonthlyChatLimit
	}
	if plans.IsUnlimited(limit) && plans.IsUnlimited(monthlyLimit) {
		return &Decision{Allowed: true, Reason: ReasonUnlimited, Limit: plans.Unlimited, Remaining: plans.Unlimited}, nil
	}

	tracking, err := svc.usage.Get(ctx, sub.ID)
	if err != nil {
		if usage.IsNotFound(err) {
			// no usage row yet means nothing consumed
			if plans.IsUnlimited(limit) {
				limit = monthlyLimit
			}
			return &Decision{Allowed: limit > 0, Reason: reasonFor(resource, limit > 0, sub.Status), Limit: limit, Remaining: limit}, nil
		}
		return nil, err
	}

	now := svc.now()
	current := tracking.CurrentFor(resource)
	// a counter whose boundary has lapsed but was not yet swept reads as zero
	if resource == plans.ResourceChat && !now.Before(tracking.DailyResetAt) {
		current = 0
	}

	// chat is capped both per day and per month; either exhausted cap denies
	if !plans.IsUnlimited(monthlyLimit) {
		monthly := tracking.MonthlyChatsUsed
		if !now.Before(tracking.MonthlyResetAt) {
			monthly = 0
		}
		if monthly >= monthlyLimit {
			return &Decision{Allowed: false, Reason: ReasonChatLimit, Current: monthly, Limit: monthlyLimit}, nil
		}
	}

	if plans.IsUnlimited(limit) {
		return &Decision{Allowed: true, Reason: ReasonUnlimited, Limit: plans.Unlimited, Remaining: plans.Unlimited}, nil
	}

	allowed := current < limit
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:   allowed,
		Reason:    reasonFor(resource, allowed, sub.Status),
		Current:   current,
		Limit:     limit,
		Remaining: remaining,
	}, nil
}

// lazyExpire persists the time-driven expiry. A version conflict means
// another checker or job got there first, which is the desired end state.
func (svc *Service) lazyExpire(ctx context.Context, sub *subscriptions.Subscription) error {
	err := svc.subs.Expire(ctx, sub)
	if err != nil && !errors.Is(err, subscriptions.ErrVersionConflict) {
		return err
	}
	if err == nil && svc.metrics != nil {
		svc.metrics.SubscriptionsExpired.Inc()
	}
	return nil
}

func deny(reason string) *Decision {
	return &Decision{Allowed: false, Reason: reason}
}

func reasonFor(resource plans.ResourceType, allowed bool, status subscriptions.Status) string {
	if allowed {
		if status == subscriptions.StatusPastDue {
			return ReasonGracePeriod
		}
		return ReasonOK
	}
	switch resource {
	case plans.ResourceDocument:
		return ReasonDocumentLimit
	case plans.ResourceWebsite:
		return ReasonWebsiteLimit
	default:
		return ReasonChatLimit
	}
}
