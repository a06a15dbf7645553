package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLocker is an in-process lease store with the same semantics as the
// Redis-backed one: NX acquire with TTL, release only by the holding token.
type memLocker struct {
	mu     sync.Mutex
	leases map[string]memLease
}

type memLease struct {
	token     string
	expiresAt time.Time
}

func newMemLocker() *memLocker {
	return &memLocker{leases: make(map[string]memLease)}
}

func (l *memLocker) TryAcquire(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && time.Now().Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[key] = memLease{token: token, expiresAt: time.Now().Add(lease)}
	return true, nil
}

func (l *memLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}

func newTestManager(locker Locker) *Manager {
	return NewManager(locker, 200*time.Millisecond, time.Second, 5*time.Millisecond)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "lock:coupon:42", Key("coupon", int64(42)))
	assert.Equal(t, "lock:queue:CONCERT:7", Key("queue", "CONCERT", int64(7)))
}

func TestWithLockRunsFn(t *testing.T) {
	m := newTestManager(newMemLocker())

	ran := false
	err := m.WithLock(context.Background(), "lock:test:1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockPropagatesFnError(t *testing.T) {
	locker := newMemLocker()
	m := newTestManager(locker)

	boom := errors.New("boom")
	err := m.WithLock(context.Background(), "lock:test:1", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// released on the error path too
	err = m.WithLock(context.Background(), "lock:test:1", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithLockMutualExclusion(t *testing.T) {
	m := newTestManager(newMemLocker())

	const workers = 10
	var inside, maxInside, counter int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLockTimeout(context.Background(), "lock:test:shared",
				2*time.Second, time.Second, func(ctx context.Context) error {
					mu.Lock()
					inside++
					if inside > maxInside {
						maxInside = inside
					}
					mu.Unlock()

					time.Sleep(2 * time.Millisecond)

					mu.Lock()
					inside--
					counter++
					mu.Unlock()
					return nil
				})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "critical sections must never overlap")
	assert.Equal(t, workers, counter)
}

func TestWithLockDifferentKeysDoNotBlock(t *testing.T) {
	m := newTestManager(newMemLocker())

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "lock:test:a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := m.WithLock(context.Background(), "lock:test:b", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err, "an unrelated key must not wait on lock:test:a")
}

func TestWithLockWaitTimeout(t *testing.T) {
	locker := newMemLocker()
	m := newTestManager(locker)

	acquired, err := locker.TryAcquire(context.Background(), "lock:test:held", "other-token", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	err = m.WithLockTimeout(context.Background(), "lock:test:held",
		30*time.Millisecond, time.Second, func(ctx context.Context) error {
			t.Fatal("fn must not run when the lock is never acquired")
			return nil
		})
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestWithLockAcquiresAfterLeaseExpiry(t *testing.T) {
	locker := newMemLocker()
	m := newTestManager(locker)

	// a crashed holder that never released: its lease self-expires
	acquired, err := locker.TryAcquire(context.Background(), "lock:test:stale", "dead-token", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	err = m.WithLock(context.Background(), "lock:test:stale", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithLockContextCancelled(t *testing.T) {
	locker := newMemLocker()
	m := newTestManager(locker)

	acquired, err := locker.TryAcquire(context.Background(), "lock:test:held", "other-token", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = m.WithLockTimeout(ctx, "lock:test:held",
		time.Second, time.Second, func(ctx context.Context) error {
			return nil
		})
	assert.ErrorIs(t, err, context.Canceled)
}
