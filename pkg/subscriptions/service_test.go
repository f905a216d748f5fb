package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askhive/metering/pkg/plans"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusTrialing, StatusActive, true},
		{StatusTrialing, StatusExpired, true},
		{StatusActive, StatusPastDue, true},
		{StatusPastDue, StatusActive, true},
		{StatusExpired, StatusActive, true},
		{StatusExpired, StatusTrialing, false},
		{StatusCancelled, StatusActive, false},
		{StatusActive, StatusTrialing, false},
		{StatusExpired, StatusExpired, true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestProvisionTrial(t *testing.T) {
	createdAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	var created *Subscription
	store := &fakeStore{
		getByTenantFunc: func(ctx context.Context, tenantID int64) (*Subscription, error) {
			return nil, &NotFoundError{TenantID: tenantID}
		},
		createFunc: func(ctx context.Context, sub *Subscription) error {
			sub.ID = 99
			created = sub
			return nil
		},
	}

	usage := &fakeUsage{}
	publisher := &fakePublisher{}
	svc := newTestService(store, testPlans(), usage, publisher)

	sub, err := svc.ProvisionTrial(context.Background(), 7, "owner@example.com", "Owner", createdAt)
	require.NoError(t, err)
	require.NotNil(t, created)

	assert.Equal(t, StatusTrialing, sub.Status)
	assert.Equal(t, int64(1), sub.PlanID, "default plan is starter")
	assert.Equal(t, plans.CycleMonthly, sub.BillingCycle)
	require.NotNil(t, sub.TrialEndsAt)
	assert.Equal(t, createdAt.Add(14*24*time.Hour), *sub.TrialEndsAt)
	assert.Equal(t, "owner@example.com", sub.OwnerEmail)

	assert.Equal(t, []int64{99}, usage.initialized)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, "created", publisher.events[0].Action)
}

func TestProvisionTrialIdempotent(t *testing.T) {
	existing := &Subscription{ID: 50, TenantID: 7, Status: StatusActive}

	store := &fakeStore{
		getByTenantFunc: func(ctx context.Context, tenantID int64) (*Subscription, error) {
			return existing, nil
		},
		createFunc: func(ctx context.Context, sub *Subscription) error {
			t.Fatal("must not create a second subscription for the tenant")
			return nil
		},
	}

	usage := &fakeUsage{}
	svc := newTestService(store, testPlans(), usage, &fakePublisher{})

	sub, err := svc.ProvisionTrial(context.Background(), 7, "owner@example.com", "Owner", time.Now())
	require.NoError(t, err)
	assert.Same(t, existing, sub)
	assert.Empty(t, usage.initialized)
}

func TestCancelAtPeriodEnd(t *testing.T) {
	periodEnd := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{
		ID:               42,
		TenantID:         7,
		Status:           StatusActive,
		CurrentPeriodEnd: &periodEnd,
		Version:          2,
	}

	scheduled := false
	store := &fakeStore{
		getByTenantFunc: func(ctx context.Context, tenantID int64) (*Subscription, error) {
			return sub, nil
		},
		scheduleCancellationFunc: func(ctx context.Context, id int64, version int, at time.Time) error {
			scheduled = true
			return nil
		},
		markCancelledFunc: func(ctx context.Context, id int64, version int, at time.Time) error {
			t.Fatal("period-end cancel must not cancel immediately")
			return nil
		},
	}

	svc := newTestService(store, testPlans(), &fakeUsage{}, &fakePublisher{})

	got, err := svc.Cancel(context.Background(), 7, false)
	require.NoError(t, err)
	assert.True(t, scheduled)
	// entitlement survives until the paid period runs out
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.EndsAt)
	assert.Equal(t, periodEnd, *got.EndsAt)
	require.NotNil(t, got.CancelledAt)
}

func TestCancelImmediately(t *testing.T) {
	periodEnd := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{
		ID:               42,
		TenantID:         7,
		Status:           StatusActive,
		CurrentPeriodEnd: &periodEnd,
		Version:          2,
	}

	store := &fakeStore{
		getByTenantFunc: func(ctx context.Context, tenantID int64) (*Subscription, error) {
			return sub, nil
		},
		markCancelledFunc: func(ctx context.Context, id int64, version int, at time.Time) error {
			assert.Equal(t, 2, version)
			return nil
		},
	}

	publisher := &fakePublisher{}
	svc := newTestService(store, testPlans(), &fakeUsage{}, publisher)

	got, err := svc.Cancel(context.Background(), 7, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, "cancelled", publisher.events[0].Action)
}

func TestCancelRejectsTerminalStates(t *testing.T) {
	for _, status := range []Status{StatusExpired, StatusCancelled} {
		sub := &Subscription{ID: 42, TenantID: 7, Status: status}
		store := &fakeStore{
			getByTenantFunc: func(ctx context.Context, tenantID int64) (*Subscription, error) {
				return sub, nil
			},
		}

		svc := newTestService(store, testPlans(), &fakeUsage{}, &fakePublisher{})

		_, err := svc.Cancel(context.Background(), 7, false)
		var invalid *InvalidStateError
		require.ErrorAs(t, err, &invalid, "status %s", status)
		assert.Equal(t, "not_cancellable", invalid.Reason)
	}
}

func TestActivateFromPaymentFirstActivation(t *testing.T) {
	now := time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC)
	trialEnd := now.Add(48 * time.Hour)
	sub := &Subscription{
		ID:           42,
		TenantID:     7,
		PlanID:       2,
		BillingCycle: plans.CycleMonthly,
		Status:       StatusTrialing,
		TrialEndsAt:  &trialEnd,
		Version:      1,
	}

	var activatedEnd time.Time
	store := &fakeStore{
		activateFunc: func(ctx context.Context, id int64, version int, startsAt, endsAt time.Time) error {
			assert.Equal(t, now, startsAt)
			activatedEnd = endsAt
			return nil
		},
	}

	usage := &fakeUsage{}
	publisher := &fakePublisher{}
	svc := newTestService(store, testPlans(), usage, publisher)
	svc.SetClock(func() time.Time { return now })

	require.NoError(t, svc.ActivateFromPayment(context.Background(), sub))

	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, now.AddDate(0, 1, 0), activatedEnd)
	assert.Nil(t, sub.TrialEndsAt, "trial fields cleared on activation")
	assert.Equal(t, []int64{42}, usage.initialized)
	assert.Empty(t, usage.reset)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, "activated", publisher.events[0].Action)
}

func TestActivateFromPaymentRenewal(t *testing.T) {
	now := time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC)
	sub := &Subscription{
		ID:           42,
		TenantID:     7,
		PlanID:       2,
		BillingCycle: plans.CycleYearly,
		Status:       StatusExpired,
		Version:      9,
	}

	store := &fakeStore{
		activateFunc: func(ctx context.Context, id int64, version int, startsAt, endsAt time.Time) error {
			assert.Equal(t, now.AddDate(1, 0, 0), endsAt)
			return nil
		},
	}

	usage := &fakeUsage{}
	publisher := &fakePublisher{}
	svc := newTestService(store, testPlans(), usage, publisher)
	svc.SetClock(func() time.Time { return now })

	require.NoError(t, svc.ActivateFromPayment(context.Background(), sub))

	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, []int64{42}, usage.reset, "renewal zeroes usage counters")
	assert.Empty(t, usage.initialized)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, "renewed", publisher.events[0].Action)
}

func TestActivateFromPaymentRejectsCancelled(t *testing.T) {
	sub := &Subscription{ID: 42, Status: StatusCancelled}
	svc := newTestService(&fakeStore{}, testPlans(), &fakeUsage{}, &fakePublisher{})

	err := svc.ActivateFromPayment(context.Background(), sub)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "not_activatable", invalid.Reason)
}

func TestExpireIdempotent(t *testing.T) {
	sub := &Subscription{ID: 42, Status: StatusExpired}
	store := &fakeStore{
		updateStatusFunc: func(ctx context.Context, id int64, version int, status Status) error {
			t.Fatal("already expired, no write expected")
			return nil
		},
	}

	svc := newTestService(store, testPlans(), &fakeUsage{}, &fakePublisher{})
	require.NoError(t, svc.Expire(context.Background(), sub))
	assert.Equal(t, StatusExpired, sub.Status)
}

func TestExpireVersionConflictResolvedByReload(t *testing.T) {
	sub := &Subscription{ID: 42, Status: StatusTrialing, Version: 1}

	store := &fakeStore{
		updateStatusFunc: func(ctx context.Context, id int64, version int, status Status) error {
			return ErrVersionConflict
		},
		getByIDFunc: func(ctx context.Context, id int64) (*Subscription, error) {
			// the concurrent writer already expired it
			return &Subscription{ID: 42, Status: StatusExpired, Version: 2}, nil
		},
	}

	svc := newTestService(store, testPlans(), &fakeUsage{}, &fakePublisher{})
	require.NoError(t, svc.Expire(context.Background(), sub))
	assert.Equal(t, StatusExpired, sub.Status)
}

func TestExpireVersionConflictSurfacedWhenStateDiffers(t *testing.T) {
	sub := &Subscription{ID: 42, Status: StatusPastDue, Version: 1}

	store := &fakeStore{
		updateStatusFunc: func(ctx context.Context, id int64, version int, status Status) error {
			return ErrVersionConflict
		},
		getByIDFunc: func(ctx context.Context, id int64) (*Subscription, error) {
			return &Subscription{ID: 42, Status: StatusActive, Version: 2}, nil
		},
	}

	svc := newTestService(store, testPlans(), &fakeUsage{}, &fakePublisher{})
	err := svc.Expire(context.Background(), sub)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestGetForTenantChecksOwnership(t *testing.T) {
	store := &fakeStore{
		getByIDFunc: func(ctx context.Context, id int64) (*Subscription, error) {
			return &Subscription{ID: 42, TenantID: 7}, nil
		},
	}

	svc := newTestService(store, testPlans(), &fakeUsage{}, &fakePublisher{})

	_, err := svc.GetForTenant(context.Background(), 42, 8)
	require.Error(t, err)
	assert.True(t, IsForbidden(err))

	sub, err := svc.GetForTenant(context.Background(), 42, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sub.ID)
}
