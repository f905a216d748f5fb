package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
	"github.com/askhive/metering/pkg/subscriptions"
)

const testSecret = "whsec_test"

type fakeRepo struct {
	payments  map[string]*Payment
	webhooks  map[string]*WebhookRecord
	nextID    int64
	staleRead bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		payments: map[string]*Payment{},
		webhooks: map[string]*WebhookRecord{},
	}
}

func (f *fakeRepo) CreatePending(ctx context.Context, payment *Payment) error {
	f.nextID++
	payment.ID = f.nextID
	payment.Status = PaymentPending
	payment.CreatedAt = time.Now()
	f.payments[payment.ProviderReference] = payment
	return nil
}

func (f *fakeRepo) GetByProviderReference(ctx context.Context, reference string) (*Payment, error) {
	p, ok := f.payments[reference]
	if !ok {
		return nil, &NotFoundError{ProviderReference: reference}
	}
	clone := *p
	if f.staleRead {
		clone.Status = PaymentProcessing
	}
	return &clone, nil
}

func (f *fakeRepo) MarkCompleted(ctx context.Context, id int64, transactionID string, paidAt time.Time) (bool, error) {
	for _, p := range f.payments {
		if p.ID == id {
			if p.Status != PaymentPending && p.Status != PaymentProcessing {
				return false, nil
			}
			p.Status = PaymentCompleted
			p.TransactionID = transactionID
			p.PaidAt = &paidAt
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	for _, p := range f.payments {
		if p.ID == id {
			p.Status = PaymentFailed
			p.FailureReason = reason
		}
	}
	return nil
}

func (f *fakeRepo) MarkRefunded(ctx context.Context, id int64) (bool, error) {
	for _, p := range f.payments {
		if p.ID == id && p.Status == PaymentCompleted {
			p.Status = PaymentRefunded
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) ListBySubscription(ctx context.Context, subscriptionID int64) ([]*Payment, error) {
	var out []*Payment
	for _, p := range f.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeRepo) CreateWebhookRecord(ctx context.Context, record *WebhookRecord) (bool, error) {
	if _, exists := f.webhooks[record.EventID]; exists {
		return false, nil
	}
	f.nextID++
	record.ID = f.nextID
	f.webhooks[record.EventID] = record
	return true, nil
}

func (f *fakeRepo) MarkWebhookProcessed(ctx context.Context, eventID string, processErr error) error {
	if rec, ok := f.webhooks[eventID]; ok {
		rec.Processed = true
		if processErr != nil {
			rec.Error = processErr.Error()
		}
	}
	return nil
}

type fakeProvider struct {
	tx    *ProviderTransaction
	err   error
	calls int
}

func (f *fakeProvider) VerifyTransaction(ctx context.Context, reference string) (*ProviderTransaction, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

type fakeLifecycle struct {
	sub         *subscriptions.Subscription
	activations int
	activateErr error // consumed by the next activation attempt
}

func (f *fakeLifecycle) Get(ctx context.Context, id int64) (*subscriptions.Subscription, error) {
	return f.sub, nil
}

func (f *fakeLifecycle) GetByTenant(ctx context.Context, tenantID int64) (*subscriptions.Subscription, error) {
	return f.sub, nil
}

func (f *fakeLifecycle) ActivateFromPayment(ctx context.Context, sub *subscriptions.Subscription) error {
	if f.activateErr != nil {
		err := f.activateErr
		f.activateErr = nil
		return err
	}
	f.activations++
	sub.Status = subscriptions.StatusActive
	return nil
}

type staticCatalog struct {
	plan *plans.Plan
}

func (c *staticCatalog) GetPlan(ctx context.Context, id int64) (*plans.Plan, error) {
	return c.plan, nil
}

func (c *staticCatalog) GetPlanByName(ctx context.Context, name string) (*plans.Plan, error) {
	return c.plan, nil
}

func (c *staticCatalog) ListActive(ctx context.Context) ([]*plans.Plan, error) {
	return []*plans.Plan{c.plan}, nil
}

func newTestSetup(provider Provider) (*Service, *fakeRepo, *fakeLifecycle) {
	repo := newFakeRepo()
	lifecycle := &fakeLifecycle{sub: &subscriptions.Subscription{
		ID: 42, TenantID: 7, PlanID: 2,
		BillingCycle: plans.CycleMonthly,
		Status:       subscriptions.StatusPending,
	}}
	catalog := &staticCatalog{plan: &plans.Plan{ID: 2, Name: "growth", MonthlyCents: 9900, Active: true}}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	svc := NewService(repo, provider, lifecycle, catalog,
		Config{WebhookSecret: testSecret, Currency: "usd"}, nil, logger)
	return svc, repo, lifecycle
}

func signedWebhook(t *testing.T, eventID, eventType, reference string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]string{"reference": reference},
	})
	require.NoError(t, err)
	return payload, ComputeSignature(payload, testSecret)
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := ComputeSignature(payload, testSecret)

	assert.True(t, VerifySignature(payload, sig, testSecret))
	assert.False(t, VerifySignature(payload, sig, "other_secret"))
	assert.False(t, VerifySignature([]byte(`{"id":"evt_2"}`), sig, testSecret))
	assert.False(t, VerifySignature(payload, "sha256=deadbeef", testSecret))
}

func TestWebhookIdempotence(t *testing.T) {
	provider := &fakeProvider{tx: &ProviderTransaction{
		Reference: "ref_1", TransactionID: "tx_1", Status: "succeeded", AmountCents: 9900,
	}}
	svc, repo, lifecycle := newTestSetup(provider)

	repo.payments["ref_1"] = &Payment{
		ID: 1, SubscriptionID: 42, AmountCents: 9900, Currency: "usd",
		Status: PaymentPending, ProviderReference: "ref_1",
	}

	payload, sig := signedWebhook(t, "evt_1", "payment.succeeded", "ref_1")

	first, err := svc.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.True(t, first.Activated)

	second, err := svc.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Activated)

	assert.Equal(t, PaymentCompleted, repo.payments["ref_1"].Status)
	assert.Equal(t, 1, lifecycle.activations, "exactly one activation side effect")
	assert.Equal(t, 1, provider.calls)
}

func TestWebhookRejectsInvalidSignatureBeforeAnyWrite(t *testing.T) {
	svc, repo, _ := newTestSetup(&fakeProvider{})

	payload, _ := signedWebhook(t, "evt_forged", "payment.succeeded", "ref_1")

	_, err := svc.HandleWebhook(context.Background(), payload, "sha256=0000")
	require.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Empty(t, repo.webhooks, "no ledger entry for a forged webhook")
}

func TestWebhookRejectsUnknownEventType(t *testing.T) {
	svc, repo, _ := newTestSetup(&fakeProvider{})

	payload, sig := signedWebhook(t, "evt_odd", "payout.created", "ref_1")

	_, err := svc.HandleWebhook(context.Background(), payload, sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown webhook event type")

	// the ledger still records the delivery, with the error noted
	rec := repo.webhooks["evt_odd"]
	require.NotNil(t, rec)
	assert.True(t, rec.Processed)
	assert.NotEmpty(t, rec.Error)
}

func TestVerifyAlreadyCompletedHasNoSideEffects(t *testing.T) {
	provider := &fakeProvider{}
	svc, repo, lifecycle := newTestSetup(provider)
	lifecycle.sub.Status = subscriptions.StatusActive

	paidAt := time.Now()
	repo.payments["ref_done"] = &Payment{
		ID: 1, SubscriptionID: 42, Status: PaymentCompleted,
		ProviderReference: "ref_done", PaidAt: &paidAt,
	}

	result, err := svc.Verify(context.Background(), "ref_done")
	require.NoError(t, err)
	assert.True(t, result.AlreadyCompleted)
	assert.False(t, result.Activated)
	assert.Zero(t, provider.calls, "no provider call for a settled payment")
	assert.Zero(t, lifecycle.activations)
}

func TestVerifyRetryActivatesAfterPartialFailure(t *testing.T) {
	provider := &fakeProvider{tx: &ProviderTransaction{
		Reference: "ref_crash", TransactionID: "tx_c", Status: "succeeded", AmountCents: 9900,
	}}
	svc, repo, lifecycle := newTestSetup(provider)
	lifecycle.activateErr = errors.New("subscription store unavailable")

	repo.payments["ref_crash"] = &Payment{
		ID: 1, SubscriptionID: 42, Status: PaymentPending, ProviderReference: "ref_crash",
	}

	// first pass persists the completed payment, then the activation fails
	_, err := svc.Verify(context.Background(), "ref_crash")
	require.Error(t, err)
	assert.Equal(t, PaymentCompleted, repo.payments["ref_crash"].Status)
	assert.Zero(t, lifecycle.activations)

	// the retry finds a completed payment with a still-pending subscription
	// and applies the activation it owes
	result, err := svc.Verify(context.Background(), "ref_crash")
	require.NoError(t, err)
	assert.True(t, result.AlreadyCompleted)
	assert.True(t, result.Activated)
	assert.Equal(t, 1, lifecycle.activations)
	assert.Equal(t, subscriptions.StatusActive, lifecycle.sub.Status)

	// a third pass is a no-op
	result, err = svc.Verify(context.Background(), "ref_crash")
	require.NoError(t, err)
	assert.False(t, result.Activated)
	assert.Equal(t, 1, lifecycle.activations)
}

func TestCancelledSubscriptionIsNotActivatedByLatePayment(t *testing.T) {
	svc, repo, lifecycle := newTestSetup(&fakeProvider{})
	lifecycle.sub.Status = subscriptions.StatusCancelled

	repo.payments["ref_late"] = &Payment{
		ID: 1, SubscriptionID: 42, Status: PaymentCompleted, ProviderReference: "ref_late",
	}

	result, err := svc.Verify(context.Background(), "ref_late")
	require.NoError(t, err)
	assert.True(t, result.AlreadyCompleted)
	assert.False(t, result.Activated)
	assert.Zero(t, lifecycle.activations)
}

func TestVerifyFailsClosedOnProviderError(t *testing.T) {
	provider := &fakeProvider{err: &UpstreamError{Operation: "verify", StatusCode: 503}}
	svc, repo, lifecycle := newTestSetup(provider)

	repo.payments["ref_p"] = &Payment{
		ID: 1, SubscriptionID: 42, Status: PaymentPending, ProviderReference: "ref_p",
	}

	_, err := svc.Verify(context.Background(), "ref_p")
	require.Error(t, err)
	assert.True(t, IsUpstream(err))
	assert.Equal(t, PaymentPending, repo.payments["ref_p"].Status, "payment untouched for caller retry")
	assert.Zero(t, lifecycle.activations)
}

func TestVerifyFailedTransactionMarksFailed(t *testing.T) {
	provider := &fakeProvider{tx: &ProviderTransaction{
		Reference: "ref_f", Status: "failed", FailureReason: "card_declined",
	}}
	svc, repo, lifecycle := newTestSetup(provider)

	repo.payments["ref_f"] = &Payment{
		ID: 1, SubscriptionID: 42, Status: PaymentPending, ProviderReference: "ref_f",
	}

	result, err := svc.Verify(context.Background(), "ref_f")
	require.NoError(t, err)
	assert.False(t, result.Activated)
	assert.Equal(t, PaymentFailed, repo.payments["ref_f"].Status)
	assert.Equal(t, "card_declined", repo.payments["ref_f"].FailureReason)
	assert.Zero(t, lifecycle.activations)
}

func TestVerifyUnknownReference(t *testing.T) {
	svc, _, _ := newTestSetup(&fakeProvider{})

	_, err := svc.Verify(context.Background(), "ref_missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRefundWebhook(t *testing.T) {
	svc, repo, _ := newTestSetup(&fakeProvider{})

	paidAt := time.Now()
	repo.payments["ref_r"] = &Payment{
		ID: 1, SubscriptionID: 42, Status: PaymentCompleted,
		ProviderReference: "ref_r", PaidAt: &paidAt,
	}

	payload, sig := signedWebhook(t, "evt_r", "payment.refunded", "ref_r")

	_, err := svc.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, repo.payments["ref_r"].Status)
}

func TestInitializePricesFromCatalog(t *testing.T) {
	svc, repo, _ := newTestSetup(&fakeProvider{})

	payment, err := svc.Initialize(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), payment.AmountCents)
	assert.Equal(t, "usd", payment.Currency)
	assert.NotEmpty(t, payment.ProviderReference)
	assert.Equal(t, PaymentPending, repo.payments[payment.ProviderReference].Status)
}

func TestRecordManualDefaultsPriceAndActivates(t *testing.T) {
	svc, repo, lifecycle := newTestSetup(&fakeProvider{})

	result, err := svc.RecordManual(context.Background(), 7, 0, "")
	require.NoError(t, err)
	assert.True(t, result.Activated)
	assert.Equal(t, int64(9900), result.Payment.AmountCents, "priced from the catalog when no amount given")
	assert.Equal(t, PaymentCompleted, result.Payment.Status)
	assert.Contains(t, result.Payment.ProviderReference, "manual_")
	assert.Equal(t, "manual", repo.payments[result.Payment.ProviderReference].TransactionID)
	assert.Equal(t, 1, lifecycle.activations)
}

func TestRecordManualKeepsExplicitAmountAndNote(t *testing.T) {
	svc, repo, _ := newTestSetup(&fakeProvider{})

	result, err := svc.RecordManual(context.Background(), 7, 2500, "bank transfer #4417")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), result.Payment.AmountCents)
	assert.Equal(t, "bank transfer #4417", repo.payments[result.Payment.ProviderReference].TransactionID)
}

func TestHistoryListsTenantPaymentsNewestFirst(t *testing.T) {
	svc, repo, _ := newTestSetup(&fakeProvider{})

	repo.payments["ref_a"] = &Payment{ID: 1, SubscriptionID: 42, ProviderReference: "ref_a", Status: PaymentFailed}
	repo.payments["ref_b"] = &Payment{ID: 2, SubscriptionID: 42, ProviderReference: "ref_b", Status: PaymentCompleted}
	repo.payments["ref_other"] = &Payment{ID: 3, SubscriptionID: 99, ProviderReference: "ref_other"}

	history, err := svc.History(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ref_b", history[0].ProviderReference)
	assert.Equal(t, "ref_a", history[1].ProviderReference)
}

func TestMarkCompletedGuardPreventsDoubleActivation(t *testing.T) {
	provider := &fakeProvider{tx: &ProviderTransaction{
		Reference: "ref_g", TransactionID: "tx_g", Status: "succeeded",
	}}
	svc, repo, lifecycle := newTestSetup(provider)

	// the repo hands out stale reads: reconcile sees processing while a
	// concurrent reconciler completes the payment and activates before our
	// write lands
	repo.payments["ref_g"] = &Payment{
		ID: 1, SubscriptionID: 42, Status: PaymentProcessing, ProviderReference: "ref_g",
	}
	repo.staleRead = true
	repo.MarkCompleted(context.Background(), 1, "tx_other", time.Now())
	lifecycle.sub.Status = subscriptions.StatusActive

	result, err := svc.Verify(context.Background(), "ref_g")
	require.NoError(t, err)
	assert.True(t, result.AlreadyCompleted)
	assert.False(t, result.Activated)
	assert.Zero(t, lifecycle.activations)
	assert.Equal(t, "tx_other", repo.payments["ref_g"].TransactionID, "first writer's transaction kept")
}
