package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"allocation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the wait timeout elapses before the lease
// is granted. Transient: callers may retry with backoff.
var ErrNotAcquired = errors.New("lock not acquired within wait timeout")

// Locker is the lease store behind the manager. The production implementation
// is redisclient.Client (SET NX PX plus a fenced release script).
type Locker interface {
	TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Manager serializes critical sections across process instances using named,
// self-expiring leases. The lease TTL bounds how long a crashed holder can
// block others.
type Manager struct {
	locker        Locker
	waitTimeout   time.Duration
	leaseTimeout  time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewManager creates a lock manager with default wait/lease timeouts.
func NewManager(locker Locker, waitTimeout, leaseTimeout, retryInterval time.Duration) *Manager {
	return &Manager{
		locker:        locker,
		waitTimeout:   waitTimeout,
		leaseTimeout:  leaseTimeout,
		retryInterval: retryInterval,
		logger:        util.GetLogger(),
	}
}

// Key builds a lock key from a domain and a logical identity. Keys must be
// derived from identity only, never from side effects of the guarded code.
func Key(domain string, parts ...interface{}) string {
	key := "lock:" + domain
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}

// WithLock runs fn under the named lease using the manager defaults.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return m.WithLockTimeout(ctx, key, m.waitTimeout, m.leaseTimeout, fn)
}

// WithLockTimeout acquires key, blocking up to wait, then runs fn while
// holding a lease of the given duration. The release runs on every exit path;
// a lease that expired mid-flight is left for its new holder.
func (m *Manager) WithLockTimeout(ctx context.Context, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.New().String()

	acquired, err := m.acquire(ctx, key, token, wait, lease)
	if err != nil {
		util.LockAcquisitionsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !acquired {
		util.LockAcquisitionsTotal.WithLabelValues("timeout").Inc()
		return ErrNotAcquired
	}

	util.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	start := time.Now()

	defer func() {
		util.LockHoldDuration.Observe(time.Since(start).Seconds())

		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.locker.Release(releaseCtx, key, token); err != nil {
			m.logger.Warn("Failed to release lock",
				zap.String("key", key),
				zap.Error(err))
		}
	}()

	return fn(ctx)
}

// acquire polls the lease store until granted, the wait window closes, or ctx
// is cancelled.
func (m *Manager) acquire(ctx context.Context, key, token string, wait, lease time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.locker.TryAcquire(ctx, key, token, lease)
		if err != nil {
			return false, fmt.Errorf("lock acquire failed for %s: %w", key, err)
		}
		if ok {
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}
