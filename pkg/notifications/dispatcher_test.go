package notifications

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/storage"
	"github.com/askhive/metering/pkg/subscriptions"
)

type memoryLog struct {
	entries []*LogEntry
}

func (m *memoryLog) SentWithin(ctx context.Context, subscriptionID int64, notificationType string, window time.Duration, asOf time.Time) (bool, error) {
	for _, e := range m.entries {
		if e.SubscriptionID == subscriptionID && e.NotificationType == notificationType && e.SentAt.After(asOf.Add(-window)) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryLog) Record(ctx context.Context, entry *LogEntry) error {
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, entry)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *memoryLog, *redis.Client) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })

	log := &memoryLog{}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	d := NewDispatcher(log, storage.NewRedisClientFromExisting(client), Config{Cooldown: 24 * time.Hour}, nil, logger)
	return d, log, client
}

func testSub() *subscriptions.Subscription {
	return &subscriptions.Subscription{
		ID: 42, TenantID: 7, OwnerEmail: "owner@example.com", OwnerName: "Owner",
	}
}

func TestSendQueuesAndRecords(t *testing.T) {
	d, log, client := newTestDispatcher(t)

	queued, err := d.Send(context.Background(), testSub(), TypeTrialEndingSoon, map[string]interface{}{
		"days_left": 3,
	})
	require.NoError(t, err)
	assert.True(t, queued)

	msgs, err := client.XRange(context.Background(), StreamOutbound, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &msg))
	assert.Equal(t, TypeTrialEndingSoon, msg.Type)
	assert.Equal(t, "owner@example.com", msg.Recipient)
	assert.Equal(t, float64(3), msg.Data["days_left"])

	require.Len(t, log.entries, 1)
	assert.Equal(t, TypeTrialEndingSoon, log.entries[0].NotificationType)
}

func TestSendDeduplicatesWithinCooldown(t *testing.T) {
	d, log, client := newTestDispatcher(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	d.SetClock(func() time.Time { return base })
	queued, err := d.Send(context.Background(), testSub(), TypeTrialExpired, nil)
	require.NoError(t, err)
	assert.True(t, queued)

	// same type inside the window: suppressed
	d.SetClock(func() time.Time { return base.Add(12 * time.Hour) })
	queued, err = d.Send(context.Background(), testSub(), TypeTrialExpired, nil)
	require.NoError(t, err)
	assert.False(t, queued)

	// different type is independent
	queued, err = d.Send(context.Background(), testSub(), TypeSubscriptionExpiring, nil)
	require.NoError(t, err)
	assert.True(t, queued)

	// past the window the same type goes out again
	d.SetClock(func() time.Time { return base.Add(25 * time.Hour) })
	queued, err = d.Send(context.Background(), testSub(), TypeTrialExpired, nil)
	require.NoError(t, err)
	assert.True(t, queued)

	msgs, err := client.XRange(context.Background(), StreamOutbound, "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Len(t, log.entries, 3)
}

func TestNotifyUsageThresholdTypesArePerPercent(t *testing.T) {
	d, _, client := newTestDispatcher(t)
	sub := testSub()

	require.NoError(t, d.NotifyUsageThreshold(context.Background(), sub, 80, 240, 300))
	require.NoError(t, d.NotifyUsageThreshold(context.Background(), sub, 80, 241, 300))
	require.NoError(t, d.NotifyUsageThreshold(context.Background(), sub, 90, 270, 300))

	msgs, err := client.XRange(context.Background(), StreamOutbound, "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "second 80% crossing suppressed, 90% independent")
}
