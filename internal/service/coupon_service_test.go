package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/redisclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLocks serializes WithLock per key in-process, standing in for the
// Redis-backed manager.
type fakeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locks: make(map[string]*sync.Mutex)}
}

func (f *fakeLocks) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// fakeCouponCache mirrors the Lua script semantics: dedup check, then a
// remaining counter, all under one mutex.
type fakeCouponCache struct {
	mu     sync.Mutex
	stock  map[int64]int
	issued map[int64]map[string]bool
	fail   error
}

func newFakeCouponCache() *fakeCouponCache {
	return &fakeCouponCache{
		stock:  make(map[int64]int),
		issued: make(map[int64]map[string]bool),
	}
}

func (c *fakeCouponCache) TryIssueCoupon(_ context.Context, couponID int64, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return 0, c.fail
	}
	if c.issued[couponID][userID] {
		return redisclient.IssueAlreadyIssued, nil
	}
	if c.stock[couponID] <= 0 {
		return redisclient.IssueExhausted, nil
	}
	c.stock[couponID]--
	if c.issued[couponID] == nil {
		c.issued[couponID] = make(map[string]bool)
	}
	c.issued[couponID][userID] = true
	return redisclient.IssueOK, nil
}

func (c *fakeCouponCache) RevokeIssue(_ context.Context, couponID int64, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issued[couponID][userID] {
		delete(c.issued[couponID], userID)
		c.stock[couponID]++
	}
	return nil
}

func (c *fakeCouponCache) InitCouponStock(_ context.Context, couponID int64, remaining int, issuedUsers []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.stock[couponID] = remaining
	c.issued[couponID] = make(map[string]bool)
	for _, u := range issuedUsers {
		c.issued[couponID][u] = true
	}
	return nil
}

func (c *fakeCouponCache) remaining(couponID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[couponID]
}

func (c *fakeCouponCache) hasIssued(couponID int64, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issued[couponID][userID]
}

// fakeCouponStore is the durable side in memory, with the same guard the SQL
// layer enforces: issued_quantity never passes total_quantity, one claim per
// user.
type fakeCouponStore struct {
	mu          sync.Mutex
	coupons     map[int64]*models.Coupon
	userCoupons map[int64]map[string]*models.UserCoupon
	nextID      int64
	failInsert  error
}

func newFakeCouponStore() *fakeCouponStore {
	return &fakeCouponStore{
		coupons:     make(map[int64]*models.Coupon),
		userCoupons: make(map[int64]map[string]*models.UserCoupon),
	}
}

func (s *fakeCouponStore) CreateCoupon(_ context.Context, coupon *models.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	coupon.ID = s.nextID
	coupon.CreatedAt = time.Now()
	cp := *coupon
	s.coupons[coupon.ID] = &cp
	s.userCoupons[coupon.ID] = make(map[string]*models.UserCoupon)
	return nil
}

func (s *fakeCouponStore) GetCoupon(_ context.Context, couponID int64) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[couponID]
	if !ok {
		return nil, models.ErrCouponNotFound
	}
	cp := *coupon
	return &cp, nil
}

func (s *fakeCouponStore) ListActiveCoupons(_ context.Context) ([]models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Coupon
	for _, c := range s.coupons {
		if c.Status == models.CouponStatusActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeCouponStore) ListIssuedUserIDs(_ context.Context, couponID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for userID := range s.userCoupons[couponID] {
		out = append(out, userID)
	}
	return out, nil
}

func (s *fakeCouponStore) InsertIssue(_ context.Context, couponID int64, userID string, expiresAt time.Time) (*models.UserCoupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return nil, s.failInsert
	}
	coupon, ok := s.coupons[couponID]
	if !ok {
		return nil, models.ErrCouponNotFound
	}
	if _, exists := s.userCoupons[couponID][userID]; exists {
		return nil, models.ErrAlreadyIssued
	}
	if coupon.IssuedQuantity >= coupon.TotalQuantity {
		return nil, models.ErrCouponExhausted
	}
	coupon.IssuedQuantity++
	uc := &models.UserCoupon{
		ID:        int64(len(s.userCoupons[couponID]) + 1),
		UserID:    userID,
		CouponID:  couponID,
		Status:    models.UserCouponStatusAvailable,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Now(),
	}
	s.userCoupons[couponID][userID] = uc
	cp := *uc
	return &cp, nil
}

func (s *fakeCouponStore) ExpireUserCoupons(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for _, byUser := range s.userCoupons {
		for _, uc := range byUser {
			if uc.Status == models.UserCouponStatusAvailable && uc.ExpiresAt.Before(now) {
				uc.Status = models.UserCouponStatusExpired
				swept++
			}
		}
	}
	return swept, nil
}

func (s *fakeCouponStore) issuedCount(couponID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.userCoupons[couponID])
}

type capturedEvents struct {
	mu            sync.Mutex
	couponIssued  []*models.CouponIssuedEvent
	publishFailed error
}

func (e *capturedEvents) PublishCouponIssued(_ context.Context, event *models.CouponIssuedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishFailed != nil {
		return e.publishFailed
	}
	e.couponIssued = append(e.couponIssued, event)
	return nil
}

func newCouponFixture(t *testing.T, total int) (*CouponService, *fakeCouponStore, *fakeCouponCache, *capturedEvents, *models.Coupon) {
	t.Helper()

	store := newFakeCouponStore()
	cache := newFakeCouponCache()
	events := &capturedEvents{}
	svc := NewCouponService(store, cache, newFakeLocks(), events)

	coupon, err := svc.Create(context.Background(), &CreateCouponRequest{
		Code:          "WELCOME10",
		Name:          "Welcome discount",
		TotalQuantity: total,
		StartsAt:      time.Now().Add(-time.Hour),
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return svc, store, cache, events, coupon
}

func TestCouponCreateSeedsCache(t *testing.T) {
	_, _, cache, _, coupon := newCouponFixture(t, 10)
	assert.Equal(t, 10, cache.remaining(coupon.ID))
}

func TestCouponIssueExactlyN(t *testing.T) {
	svc, store, cache, events, coupon := newCouponFixture(t, 5)

	const attempts = 20
	var succeeded, exhausted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Issue(context.Background(), coupon.ID, fmt.Sprintf("user-%d", n))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, models.ErrCouponExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), succeeded, "supply bound: exactly total_quantity issuances")
	assert.Equal(t, int64(15), exhausted)
	assert.Equal(t, 5, store.issuedCount(coupon.ID))
	assert.Equal(t, 0, cache.remaining(coupon.ID))
	assert.Len(t, events.couponIssued, 5)
}

func TestCouponIssueOncePerUser(t *testing.T) {
	svc, store, _, _, coupon := newCouponFixture(t, 10)

	_, err := svc.Issue(context.Background(), coupon.ID, "user-1")
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), coupon.ID, "user-1")
	assert.ErrorIs(t, err, models.ErrAlreadyIssued)

	assert.Equal(t, 1, store.issuedCount(coupon.ID))

	stored, err := store.GetCoupon(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.IssuedQuantity)
}

func TestCouponIssueWindow(t *testing.T) {
	store := newFakeCouponStore()
	cache := newFakeCouponCache()
	svc := NewCouponService(store, cache, newFakeLocks(), &capturedEvents{})

	now := time.Now()
	mk := func(status string, startsAt, expiresAt time.Time) int64 {
		coupon := &models.Coupon{
			Code: fmt.Sprintf("C-%d", time.Now().UnixNano()), Name: "c",
			TotalQuantity: 5, Status: status, StartsAt: startsAt, ExpiresAt: expiresAt,
		}
		require.NoError(t, store.CreateCoupon(context.Background(), coupon))
		require.NoError(t, cache.InitCouponStock(context.Background(), coupon.ID, 5, nil))
		return coupon.ID
	}

	notStarted := mk(models.CouponStatusActive, now.Add(time.Hour), now.Add(2*time.Hour))
	_, err := svc.Issue(context.Background(), notStarted, "user-1")
	assert.ErrorIs(t, err, models.ErrCouponNotStarted)

	expired := mk(models.CouponStatusActive, now.Add(-2*time.Hour), now.Add(-time.Hour))
	_, err = svc.Issue(context.Background(), expired, "user-1")
	assert.ErrorIs(t, err, models.ErrCouponExpired)

	inactive := mk(models.CouponStatusInactive, now.Add(-time.Hour), now.Add(time.Hour))
	_, err = svc.Issue(context.Background(), inactive, "user-1")
	assert.ErrorIs(t, err, models.ErrCouponInactive)
}

func TestCouponIssueCompensatesCacheOnPersistFailure(t *testing.T) {
	svc, store, cache, _, coupon := newCouponFixture(t, 5)

	dbDown := errors.New("db write failed")
	store.failInsert = dbDown

	_, err := svc.Issue(context.Background(), coupon.ID, "user-1")
	assert.ErrorIs(t, err, dbDown)

	// the cache decrement must have been rolled back
	assert.Equal(t, 5, cache.remaining(coupon.ID))
	assert.False(t, cache.hasIssued(coupon.ID, "user-1"))

	// the same user succeeds once the store recovers
	store.failInsert = nil
	_, err = svc.Issue(context.Background(), coupon.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 4, cache.remaining(coupon.ID))
}

func TestCouponIssueFailsClosedOnCacheError(t *testing.T) {
	svc, store, cache, _, coupon := newCouponFixture(t, 5)

	cacheDown := errors.New("cache unavailable")
	cache.mu.Lock()
	cache.fail = cacheDown
	cache.mu.Unlock()

	_, err := svc.Issue(context.Background(), coupon.ID, "user-1")
	assert.ErrorIs(t, err, cacheDown)
	assert.Equal(t, 0, store.issuedCount(coupon.ID))
}

func TestCouponBootstrapSyncRebuildsCache(t *testing.T) {
	svc, _, cache, _, coupon := newCouponFixture(t, 10)

	for i := 0; i < 3; i++ {
		_, err := svc.Issue(context.Background(), coupon.ID, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}

	// simulate cache loss
	require.NoError(t, cache.InitCouponStock(context.Background(), coupon.ID, 0, nil))

	require.NoError(t, svc.BootstrapSync(context.Background()))

	assert.Equal(t, 7, cache.remaining(coupon.ID))
	for i := 0; i < 3; i++ {
		assert.True(t, cache.hasIssued(coupon.ID, fmt.Sprintf("user-%d", i)))
	}

	// rebuilt state keeps enforcing dedup and the supply bound
	_, err := svc.Issue(context.Background(), coupon.ID, "user-0")
	assert.ErrorIs(t, err, models.ErrAlreadyIssued)
}

func TestCouponSweepExpired(t *testing.T) {
	svc, store, _, _, coupon := newCouponFixture(t, 5)

	_, err := svc.Issue(context.Background(), coupon.ID, "user-1")
	require.NoError(t, err)

	store.mu.Lock()
	store.userCoupons[coupon.ID]["user-1"].ExpiresAt = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	require.NoError(t, svc.SweepExpired(context.Background()))

	store.mu.Lock()
	status := store.userCoupons[coupon.ID]["user-1"].Status
	store.mu.Unlock()
	assert.Equal(t, models.UserCouponStatusExpired, status)
}
