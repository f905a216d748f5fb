package payments

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const paymentColumns = `id, subscription_id, amount_cents, currency, status, provider_reference,
	transaction_id, paid_at, failure_reason, created_at, updated_at`

// PostgresStore persists payments and webhook records in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new payment store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreatePending records a new payment attempt ahead of the hosted flow
func (s *PostgresStore) CreatePending(ctx context.Context, payment *Payment) error {
	query := `
		INSERT INTO payments (subscription_id, amount_cents, currency, status, provider_reference)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		payment.SubscriptionID, payment.AmountCents, payment.Currency, payment.ProviderReference,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	payment.Status = PaymentPending
	return nil
}

// GetByProviderReference retrieves a payment by the provider's reference
func (s *PostgresStore) GetByProviderReference(ctx context.Context, reference string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_reference = $1`

	payment := &Payment{}
	err := s.db.QueryRowContext(ctx, query, reference).Scan(paymentScanTargets(payment)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ProviderReference: reference}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

// MarkCompleted transitions a payment to completed. Guarded so a payment
// completes at most once; a second reconciliation matches zero rows.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id int64, transactionID string, paidAt time.Time) (bool, error) {
	query := `
		UPDATE payments SET status = 'completed', transaction_id = $2, paid_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`

	res, err := s.db.ExecContext(ctx, query, id, transactionID, paidAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkFailed transitions a payment to failed with the provider's reason
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE payments SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`

	if _, err := s.db.ExecContext(ctx, query, id, reason); err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return nil
}

// MarkRefunded transitions a completed payment to refunded
func (s *PostgresStore) MarkRefunded(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE payments SET status = 'refunded', updated_at = NOW()
		WHERE id = $1 AND status = 'completed'`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListBySubscription returns a subscription's payment history, newest first
func (s *PostgresStore) ListBySubscription(ctx context.Context, subscriptionID int64) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE subscription_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		payment := &Payment{}
		if err := rows.Scan(paymentScanTargets(payment)...); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, payment)
	}
	return out, rows.Err()
}

// CreateWebhookRecord inserts the idempotency ledger entry for an inbound
// callback. Returns false if the event id was already recorded.
func (s *PostgresStore) CreateWebhookRecord(ctx context.Context, record *WebhookRecord) (bool, error) {
	query := `
		INSERT INTO webhook_records (event_type, event_id, signature, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		record.EventType, record.EventID, record.Signature, record.Payload,
	).Scan(&record.ID, &record.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create webhook record: %w", err)
	}
	return true, nil
}

// MarkWebhookProcessed records the processing outcome for a webhook
func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, eventID string, processErr error) error {
	errText := ""
	if processErr != nil {
		errText = processErr.Error()
	}

	query := `
		UPDATE webhook_records SET processed = TRUE, processed_at = NOW(), error = $2
		WHERE event_id = $1`

	if _, err := s.db.ExecContext(ctx, query, eventID, errText); err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}

func paymentScanTargets(p *Payment) []interface{} {
	return []interface{}{
		&p.ID,
		&p.SubscriptionID,
		&p.AmountCents,
		&p.Currency,
		&p.Status,
		&p.ProviderReference,
		&p.TransactionID,
		&p.PaidAt,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	}
}
