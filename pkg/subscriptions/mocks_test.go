package subscriptions

import (
	"context"
	"io"
	"time"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
)

type fakeStore struct {
	createFunc                func(ctx context.Context, sub *Subscription) error
	getByTenantFunc           func(ctx context.Context, tenantID int64) (*Subscription, error)
	getByIDFunc               func(ctx context.Context, id int64) (*Subscription, error)
	updateStatusFunc          func(ctx context.Context, id int64, version int, status Status) error
	markCancelledFunc         func(ctx context.Context, id int64, version int, at time.Time) error
	scheduleCancellationFunc  func(ctx context.Context, id int64, version int, at time.Time) error
	applyPlanChangeFunc       func(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle) error
	schedulePendingFunc       func(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle, effective time.Time) error
	applyPendingFunc          func(ctx context.Context, id int64, asOf time.Time) (bool, error)
	activateFunc              func(ctx context.Context, id int64, version int, startsAt, endsAt time.Time) error
	listDuePendingFunc        func(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	insertChangeLogFunc       func(ctx context.Context, entry *ChangeLogEntry) error
	listTrialsEndingFunc      func(ctx context.Context, from, to time.Time) ([]*Subscription, error)
	listExpiredTrialsFunc     func(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	listPeriodsEndingFunc     func(ctx context.Context, from, to time.Time) ([]*Subscription, error)
	listExpiredPeriodsFunc    func(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	countByStatusFunc         func(ctx context.Context) (map[Status]int64, error)
}

func (f *fakeStore) Create(ctx context.Context, sub *Subscription) error {
	return f.createFunc(ctx, sub)
}

func (f *fakeStore) GetByTenant(ctx context.Context, tenantID int64) (*Subscription, error) {
	return f.getByTenantFunc(ctx, tenantID)
}

func (f *fakeStore) GetByID(ctx context.Context, id int64) (*Subscription, error) {
	return f.getByIDFunc(ctx, id)
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id int64, version int, status Status) error {
	return f.updateStatusFunc(ctx, id, version, status)
}

func (f *fakeStore) MarkCancelled(ctx context.Context, id int64, version int, at time.Time) error {
	return f.markCancelledFunc(ctx, id, version, at)
}

func (f *fakeStore) ScheduleCancellation(ctx context.Context, id int64, version int, at time.Time) error {
	return f.scheduleCancellationFunc(ctx, id, version, at)
}

func (f *fakeStore) ApplyPlanChange(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle) error {
	return f.applyPlanChangeFunc(ctx, id, version, planID, cycle)
}

func (f *fakeStore) SchedulePendingChange(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle, effective time.Time) error {
	return f.schedulePendingFunc(ctx, id, version, planID, cycle, effective)
}

func (f *fakeStore) ApplyPendingChange(ctx context.Context, id int64, asOf time.Time) (bool, error) {
	return f.applyPendingFunc(ctx, id, asOf)
}

func (f *fakeStore) Activate(ctx context.Context, id int64, version int, startsAt, endsAt time.Time) error {
	return f.activateFunc(ctx, id, version, startsAt, endsAt)
}

func (f *fakeStore) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	return f.listTrialsEndingFunc(ctx, from, to)
}

func (f *fakeStore) ListExpiredTrials(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	return f.listExpiredTrialsFunc(ctx, asOf)
}

func (f *fakeStore) ListPeriodsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	return f.listPeriodsEndingFunc(ctx, from, to)
}

func (f *fakeStore) ListExpiredPeriods(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	return f.listExpiredPeriodsFunc(ctx, asOf)
}

func (f *fakeStore) ListDuePendingChanges(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	return f.listDuePendingFunc(ctx, asOf)
}

func (f *fakeStore) InsertChangeLog(ctx context.Context, entry *ChangeLogEntry) error {
	if f.insertChangeLogFunc == nil {
		return nil
	}
	return f.insertChangeLogFunc(ctx, entry)
}

func (f *fakeStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return f.countByStatusFunc(ctx)
}

type fakeCatalog struct {
	plans map[int64]*plans.Plan
}

func (f *fakeCatalog) GetPlan(ctx context.Context, id int64) (*plans.Plan, error) {
	if p, ok := f.plans[id]; ok {
		return p, nil
	}
	return nil, &plans.NotFoundError{ID: id}
}

func (f *fakeCatalog) GetPlanByName(ctx context.Context, name string) (*plans.Plan, error) {
	for _, p := range f.plans {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, &plans.NotFoundError{}
}

func (f *fakeCatalog) ListActive(ctx context.Context) ([]*plans.Plan, error) {
	var out []*plans.Plan
	for _, p := range f.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeUsage struct {
	initialized []int64
	reset       []int64
}

func (f *fakeUsage) Initialize(ctx context.Context, subscriptionID int64, periodStart, periodEnd time.Time) error {
	f.initialized = append(f.initialized, subscriptionID)
	return nil
}

func (f *fakeUsage) ResetAll(ctx context.Context, subscriptionID int64, periodStart, periodEnd time.Time) error {
	f.reset = append(f.reset, subscriptionID)
	return nil
}

type fakePublisher struct {
	events []PlanUpdatedEvent
	err    error
}

func (f *fakePublisher) PublishPlanUpdated(ctx context.Context, event PlanUpdatedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newTestService(store Store, catalog plans.Catalog, usage UsageInitializer, publisher Publisher) *Service {
	return NewService(store, catalog, usage, publisher, Config{TrialPeriod: 14 * 24 * time.Hour}, testLogger())
}
