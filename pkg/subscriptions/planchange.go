package subscriptions

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/askhive/metering/pkg/plans"
)

// SwitchPlanResult describes the outcome of a plan switch
type SwitchPlanResult struct {
	Subscription         *Subscription `json:"subscription"`
	EffectiveImmediately bool          `json:"effective_immediately"`
	ScheduledFor         *time.Time    `json:"scheduled_for,omitempty"`
	ProratedCents        int64         `json:"prorated_cents"`
}

// Prorate computes the partial-period charge for switching from oldCents to
// newCents with the given period boundaries: linear by days remaining.
func Prorate(oldCents, newCents int64, periodStart, periodEnd, now time.Time) int64 {
	if newCents <= oldCents {
		return 0
	}

	total := periodEnd.Sub(periodStart)
	remaining := periodEnd.Sub(now)
	if total <= 0 || remaining <= 0 {
		return 0
	}
	if remaining > total {
		remaining = total
	}

	fraction := float64(remaining) / float64(total)
	return int64(math.Round(float64(newCents-oldCents) * fraction))
}

// SwitchPlan applies an upgrade immediately with a prorated charge, or
// schedules a downgrade for the end of the current period. No-op switches are
// rejected with reason already_subscribed unless the subscription is expired.
func (svc *Service) SwitchPlan(ctx context.Context, subscriptionID, newPlanID int64, cycle plans.BillingCycle) (*SwitchPlanResult, error) {
	if !cycle.Valid() {
		return nil, &InvalidStateError{Reason: "invalid_billing_cycle", Message: fmt.Sprintf("unknown billing cycle %q", cycle)}
	}

	sub, err := svc.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if sub.PlanID == newPlanID && sub.BillingCycle == cycle && sub.Status != StatusExpired {
		return nil, &InvalidStateError{Reason: "already_subscribed", Message: "subscription already on the requested plan and cycle"}
	}

	newPlan, err := svc.catalog.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}
	if !newPlan.Active {
		return nil, &InvalidStateError{Reason: "plan_inactive", Message: fmt.Sprintf("plan %d is not available", newPlanID)}
	}

	oldPlan, err := svc.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	oldAmount := oldPlan.PriceFor(sub.BillingCycle)
	newAmount := newPlan.PriceFor(cycle)
	now := svc.now()

	// Outside an active paid period there is nothing to prorate or defer:
	// apply the change directly. For expired subscriptions the new plan takes
	// effect when a completed payment reactivates them.
	if sub.Status != StatusActive || sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
		if err := svc.applyImmediate(ctx, sub, newPlan, cycle, 0, now); err != nil {
			return nil, err
		}
		return &SwitchPlanResult{Subscription: sub, EffectiveImmediately: true}, nil
	}

	if newAmount >= oldAmount {
		prorated := Prorate(oldAmount, newAmount, *sub.CurrentPeriodStart, *sub.CurrentPeriodEnd, now)
		if err := svc.applyImmediate(ctx, sub, newPlan, cycle, prorated, now); err != nil {
			return nil, err
		}
		return &SwitchPlanResult{
			Subscription:         sub,
			EffectiveImmediately: true,
			ProratedCents:        prorated,
		}, nil
	}

	// Downgrade: the live plan stays until end of period.
	effective := *sub.CurrentPeriodEnd
	if err := svc.store.SchedulePendingChange(ctx, sub.ID, sub.Version, newPlanID, cycle, effective); err != nil {
		return nil, err
	}

	entry := &ChangeLogEntry{
		SubscriptionID: sub.ID,
		FromPlanID:     sub.PlanID,
		ToPlanID:       newPlanID,
		FromCycle:      sub.BillingCycle,
		ToCycle:        cycle,
		Scheduled:      true,
		EffectiveAt:    effective,
	}
	if err := svc.store.InsertChangeLog(ctx, entry); err != nil {
		svc.logger.WithError(err).Warn("failed to record plan change audit entry")
	}

	sub.PendingPlanID = &newPlanID
	sub.PendingBillingCycle = &cycle
	sub.PendingPlanEffectiveDate = &effective
	sub.Version++

	return &SwitchPlanResult{
		Subscription: sub,
		ScheduledFor: &effective,
	}, nil
}

func (svc *Service) applyImmediate(ctx context.Context, sub *Subscription, newPlan *plans.Plan, cycle plans.BillingCycle, prorated int64, now time.Time) error {
	if err := svc.store.ApplyPlanChange(ctx, sub.ID, sub.Version, newPlan.ID, cycle); err != nil {
		return err
	}

	entry := &ChangeLogEntry{
		SubscriptionID: sub.ID,
		FromPlanID:     sub.PlanID,
		ToPlanID:       newPlan.ID,
		FromCycle:      sub.BillingCycle,
		ToCycle:        cycle,
		ProratedCents:  prorated,
		EffectiveAt:    now,
	}
	if err := svc.store.InsertChangeLog(ctx, entry); err != nil {
		svc.logger.WithError(err).Warn("failed to record plan change audit entry")
	}

	sub.PlanID = newPlan.ID
	sub.BillingCycle = cycle
	sub.PendingPlanID = nil
	sub.PendingBillingCycle = nil
	sub.PendingPlanEffectiveDate = nil
	sub.Version++

	svc.publishPlanUpdated(ctx, sub, "plan_changed")
	return nil
}

// ApplyDuePendingChanges promotes every scheduled downgrade whose effective
// date has passed. Idempotent: a change already applied matches zero rows.
func (svc *Service) ApplyDuePendingChanges(ctx context.Context, asOf time.Time) (int, error) {
	due, err := svc.store.ListDuePendingChanges(ctx, asOf)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, sub := range due {
		ok, err := svc.store.ApplyPendingChange(ctx, sub.ID, asOf)
		if err != nil {
			svc.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to apply pending plan change")
			continue
		}
		if !ok {
			continue
		}

		applied++
		if sub.PendingPlanID != nil {
			sub.PlanID = *sub.PendingPlanID
		}
		svc.publishPlanUpdated(ctx, sub, "pending_change_applied")
	}

	return applied, nil
}
