package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLog persists the send ledger in PostgreSQL
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a new notification log store
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// SentWithin reports whether a notification of this type went to the
// subscription inside the window ending at asOf.
func (s *PostgresLog) SentWithin(ctx context.Context, subscriptionID int64, notificationType string, window time.Duration, asOf time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_logs
			WHERE subscription_id = $1 AND notification_type = $2 AND sent_at > $3
		)`

	var sent bool
	err := s.db.QueryRowContext(ctx, query, subscriptionID, notificationType, asOf.Add(-window)).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("failed to check notification log: %w", err)
	}
	return sent, nil
}

// Record appends a ledger entry for a queued notification
func (s *PostgresLog) Record(ctx context.Context, entry *LogEntry) error {
	query := `
		INSERT INTO notification_logs (subscription_id, notification_type, recipient, status, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		entry.SubscriptionID, entry.NotificationType, entry.Recipient, entry.Status, entry.SentAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}
