// Package scheduler runs the engine's named background jobs. Every job run
// is guarded by a short-lease Redis lock, so any number of scheduler
// replicas can run the same crontab: one instance executes, the rest skip.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/storage"
)

const lockKeyPrefix = "metering:jobs:lock:"

// release and renew compare the holder token so an expired lease can never
// delete or extend another instance's lock
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// LockManager hands out per-job distributed leases
type LockManager struct {
	redis  *storage.RedisClient
	logger *observability.Logger
}

// NewLockManager creates a new lock manager
func NewLockManager(redisClient *storage.RedisClient, logger *observability.Logger) *LockManager {
	return &LockManager{redis: redisClient, logger: logger}
}

// Lease is one held lock. The holder renews it while work continues; a lease
// that expires mid-run hands the job to another instance, and job-level
// idempotence absorbs the overlap.
type Lease struct {
	key     string
	token   string
	ttl     time.Duration
	manager *LockManager

	stopOnce sync.Once
	stop     chan struct{}
}

// Acquire attempts to take the named lock. Returns nil, false when another
// instance holds it.
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()

	ok, err := m.redis.Client().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	lease := &Lease{
		key:     key,
		token:   token,
		ttl:     ttl,
		manager: m,
		stop:    make(chan struct{}),
	}
	go lease.renewLoop()
	return lease, true, nil
}

func (l *Lease) renewLoop() {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			kept, err := l.Renew(ctx)
			cancel()
			if err != nil {
				l.manager.logger.WithError(err).WithField("lock", l.key).Warn("failed to renew job lease")
				continue
			}
			if !kept {
				l.manager.logger.WithField("lock", l.key).Warn("job lease lost, another instance may take over")
				return
			}
		}
	}
}

// Renew extends the lease if this holder still owns it
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.manager.redis.Client(), []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}
	return res == 1, nil
}

// Release stops renewal and frees the lock if still held
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })

	_, err := releaseScript.Run(ctx, l.manager.redis.Client(), []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
