package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
	"github.com/askhive/metering/pkg/subscriptions"
)

// Repo is the payment persistence surface the reconciler needs
type Repo interface {
	CreatePending(ctx context.Context, payment *Payment) error
	GetByProviderReference(ctx context.Context, reference string) (*Payment, error)
	ListBySubscription(ctx context.Context, subscriptionID int64) ([]*Payment, error)
	MarkCompleted(ctx context.Context, id int64, transactionID string, paidAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) error
	MarkRefunded(ctx context.Context, id int64) (bool, error)
	CreateWebhookRecord(ctx context.Context, record *WebhookRecord) (bool, error)
	MarkWebhookProcessed(ctx context.Context, eventID string, processErr error) error
}

// SubscriptionLifecycle is the slice of the subscription service payments
// drive: loading the paid subscription and applying the activation path.
type SubscriptionLifecycle interface {
	Get(ctx context.Context, id int64) (*subscriptions.Subscription, error)
	GetByTenant(ctx context.Context, tenantID int64) (*subscriptions.Subscription, error)
	ActivateFromPayment(ctx context.Context, sub *subscriptions.Subscription) error
}

// Config holds payment service parameters
type Config struct {
	WebhookSecret string
	Currency      string
}

// Service is the payment reconciliation service. The verify endpoint and the
// provider webhook funnel into the same idempotent core, so double delivery
// and user-refresh races produce exactly one activation.
type Service struct {
	store    Repo
	provider Provider
	subs     SubscriptionLifecycle
	catalog  plans.Catalog
	config   Config
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewService creates a new payment reconciliation service
func NewService(store Repo, provider Provider, subs SubscriptionLifecycle, catalog plans.Catalog, config Config, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if config.Currency == "" {
		config.Currency = "usd"
	}
	return &Service{
		store:    store,
		provider: provider,
		subs:     subs,
		catalog:  catalog,
		config:   config,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the service clock (tests only)
func (svc *Service) SetClock(now func() time.Time) {
	svc.now = now
}

// Initialize creates a pending payment for a tenant's subscription ahead of
// the hosted payment flow, priced from the catalog for the current cycle.
func (svc *Service) Initialize(ctx context.Context, tenantID int64) (*Payment, error) {
	sub, err := svc.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	plan, err := svc.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	payment := &Payment{
		SubscriptionID:    sub.ID,
		AmountCents:       plan.PriceFor(sub.BillingCycle),
		Currency:          svc.config.Currency,
		ProviderReference: uuid.NewString(),
	}
	if err := svc.store.CreatePending(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// History lists a tenant's payment attempts, newest first
func (svc *Service) History(ctx context.Context, tenantID int64) ([]*Payment, error) {
	sub, err := svc.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return svc.store.ListBySubscription(ctx, sub.ID)
}

// RecordManual records an out-of-band payment (bank transfer, support credit)
// as completed and activates the subscription. Admin-only.
func (svc *Service) RecordManual(ctx context.Context, tenantID int64, amountCents int64, note string) (*ReconcileResult, error) {
	sub, err := svc.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if note == "" {
		note = "manual"
	}
	if amountCents <= 0 {
		plan, err := svc.catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return nil, err
		}
		amountCents = plan.PriceFor(sub.BillingCycle)
	}

	payment := &Payment{
		SubscriptionID:    sub.ID,
		AmountCents:       amountCents,
		Currency:          svc.config.Currency,
		ProviderReference: "manual_" + uuid.NewString(),
	}
	if err := svc.store.CreatePending(ctx, payment); err != nil {
		return nil, err
	}
	if _, err := svc.store.MarkCompleted(ctx, payment.ID, note, svc.now()); err != nil {
		return nil, err
	}
	payment.Status = PaymentCompleted

	if err := svc.subs.ActivateFromPayment(ctx, sub); err != nil {
		return nil, err
	}

	svc.logger.WithFields(map[string]interface{}{
		"payment_id":      payment.ID,
		"subscription_id": sub.ID,
		"tenant_id":       sub.TenantID,
	}).Info("manual payment recorded, subscription activated")

	return &ReconcileResult{Payment: payment, Activated: true}, nil
}

// ReconcileResult reports one reconciliation pass
type ReconcileResult struct {
	Payment          *Payment `json:"payment"`
	Activated        bool     `json:"activated"`
	AlreadyCompleted bool     `json:"already_completed"`
}

// Verify is the synchronous entry point, called when a user returns from the
// payment flow with a reference.
func (svc *Service) Verify(ctx context.Context, providerReference string) (*ReconcileResult, error) {
	result, err := svc.reconcile(ctx, providerReference)
	svc.countReconciliation("verify", result, err)
	return result, err
}

// providerEvent is the closed set of webhook shapes the service accepts
type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// WebhookResult reports the outcome of one inbound webhook
type WebhookResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Activated bool   `json:"activated"`
}

// HandleWebhook is the asynchronous entry point. The signature is checked
// against the raw payload before anything is parsed or written, so forged
// requests cannot amplify into ledger writes. A replayed event_id is
// acknowledged without reprocessing.
func (svc *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if !VerifySignature(payload, signature, svc.config.WebhookSecret) {
		svc.countWebhook("invalid_signature")
		return nil, ErrSignatureInvalid
	}

	var event providerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		svc.countWebhook("malformed")
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		svc.countWebhook("malformed")
		return nil, fmt.Errorf("webhook payload missing event id or type")
	}

	record := &WebhookRecord{
		EventType: event.Type,
		EventID:   event.ID,
		Signature: signature,
		Payload:   string(payload),
	}
	created, err := svc.store.CreateWebhookRecord(ctx, record)
	if err != nil {
		return nil, err
	}
	if !created {
		svc.countWebhook("duplicate")
		return &WebhookResult{EventID: event.ID, Duplicate: true}, nil
	}

	result, err := svc.processEvent(ctx, &event)
	if markErr := svc.store.MarkWebhookProcessed(ctx, event.ID, err); markErr != nil {
		svc.logger.WithError(markErr).WithField("event_id", event.ID).Error("failed to mark webhook processed")
	}
	if err != nil {
		svc.countWebhook("failed")
		return nil, err
	}
	svc.countWebhook("processed")
	result.EventID = event.ID
	return result, nil
}

func (svc *Service) processEvent(ctx context.Context, event *providerEvent) (*WebhookResult, error) {
	switch event.Type {
	case "payment.succeeded", "payment.failed":
		if event.Data.Reference == "" {
			return nil, fmt.Errorf("webhook %s missing payment reference", event.Type)
		}
		result, err := svc.reconcile(ctx, event.Data.Reference)
		svc.countReconciliation("webhook", result, err)
		if err != nil {
			return nil, err
		}
		return &WebhookResult{Activated: result.Activated}, nil

	case "payment.refunded":
		payment, err := svc.store.GetByProviderReference(ctx, event.Data.Reference)
		if err != nil {
			return nil, err
		}
		if _, err := svc.store.MarkRefunded(ctx, payment.ID); err != nil {
			return nil, err
		}
		return &WebhookResult{}, nil

	default:
		return nil, fmt.Errorf("unknown webhook event type: %q", event.Type)
	}
}

// reconcile is the shared idempotent core. An already-completed payment is
// re-checked against the subscription so an activation lost to a crash after
// MarkCompleted is repaired on the next pass; otherwise the provider is asked
// for the truth and exactly one activation follows a confirmed transaction.
func (svc *Service) reconcile(ctx context.Context, providerReference string) (*ReconcileResult, error) {
	payment, err := svc.store.GetByProviderReference(ctx, providerReference)
	if err != nil {
		return nil, err
	}

	if payment.Status == PaymentRefunded {
		return &ReconcileResult{Payment: payment, AlreadyCompleted: true}, nil
	}
	if payment.Status == PaymentCompleted {
		activated, err := svc.ensureActivated(ctx, payment)
		if err != nil {
			return nil, err
		}
		return &ReconcileResult{Payment: payment, AlreadyCompleted: true, Activated: activated}, nil
	}

	tx, err := svc.provider.VerifyTransaction(ctx, providerReference)
	if err != nil {
		// fail closed: no activation without a confirmed transaction
		return nil, err
	}

	if !tx.Succeeded() {
		reason := tx.FailureReason
		if reason == "" {
			reason = fmt.Sprintf("provider status %q", tx.Status)
		}
		if err := svc.store.MarkFailed(ctx, payment.ID, reason); err != nil {
			return nil, err
		}
		payment.Status = PaymentFailed
		payment.FailureReason = reason
		return &ReconcileResult{Payment: payment}, nil
	}

	completed, err := svc.store.MarkCompleted(ctx, payment.ID, tx.TransactionID, svc.now())
	if err != nil {
		return nil, err
	}
	if !completed {
		// a concurrent reconciliation won the status guard; make sure its
		// activation landed as well
		payment.Status = PaymentCompleted
		activated, err := svc.ensureActivated(ctx, payment)
		if err != nil {
			return nil, err
		}
		return &ReconcileResult{Payment: payment, AlreadyCompleted: true, Activated: activated}, nil
	}
	payment.Status = PaymentCompleted
	payment.TransactionID = tx.TransactionID

	activated, err := svc.ensureActivated(ctx, payment)
	if err != nil {
		return nil, err
	}

	return &ReconcileResult{Payment: payment, Activated: activated}, nil
}

// ensureActivated applies the activation a completed payment owes its
// subscription. A subscription already active, or one the state machine will
// not admit (cancelled), needs nothing; anything else still waiting on this
// payment is transitioned now.
func (svc *Service) ensureActivated(ctx context.Context, payment *Payment) (bool, error) {
	sub, err := svc.subs.Get(ctx, payment.SubscriptionID)
	if err != nil {
		return false, err
	}
	if sub.Status == subscriptions.StatusActive || !subscriptions.CanTransition(sub.Status, subscriptions.StatusActive) {
		return false, nil
	}

	if err := svc.subs.ActivateFromPayment(ctx, sub); err != nil {
		return false, err
	}

	svc.logger.WithFields(map[string]interface{}{
		"payment_id":      payment.ID,
		"subscription_id": sub.ID,
		"tenant_id":       sub.TenantID,
	}).Info("payment reconciled, subscription activated")

	return true, nil
}

func (svc *Service) countReconciliation(entry string, result *ReconcileResult, err error) {
	if svc.metrics == nil {
		return
	}
	outcome := "error"
	switch {
	case err == nil && result != nil && result.Activated:
		outcome = "activated"
	case err == nil && result != nil && result.AlreadyCompleted:
		outcome = "already_completed"
	case err == nil:
		outcome = "failed_payment"
	}
	svc.metrics.PaymentReconciliationsTotal.WithLabelValues(entry, outcome).Inc()
}

func (svc *Service) countWebhook(result string) {
	if svc.metrics != nil {
		svc.metrics.WebhooksTotal.WithLabelValues(result).Inc()
	}
}
