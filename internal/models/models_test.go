package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkInventoryInvariant(t *testing.T, inv *Inventory) {
	t.Helper()
	assert.Equal(t, inv.Total, inv.Available+inv.Reserved,
		"available + reserved must equal total")
	assert.GreaterOrEqual(t, inv.Available, 0)
	assert.GreaterOrEqual(t, inv.Reserved, 0)
	assert.GreaterOrEqual(t, inv.Total, 0)
}

func TestInventoryReserve(t *testing.T) {
	inv := &Inventory{ProductID: 1, Available: 10, Reserved: 0, Total: 10}

	require.NoError(t, inv.Reserve(6))
	assert.Equal(t, 4, inv.Available)
	assert.Equal(t, 6, inv.Reserved)
	checkInventoryInvariant(t, inv)

	err := inv.Reserve(5)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 4, inv.Available, "failed reserve must not mutate state")
	assert.Equal(t, 6, inv.Reserved)
	checkInventoryInvariant(t, inv)
}

func TestInventoryReserveRejectsNonPositive(t *testing.T) {
	inv := &Inventory{ProductID: 1, Available: 10, Total: 10}

	assert.ErrorIs(t, inv.Reserve(0), ErrInvalidQuantity)
	assert.ErrorIs(t, inv.Reserve(-3), ErrInvalidQuantity)
	checkInventoryInvariant(t, inv)
}

func TestInventoryDeduct(t *testing.T) {
	inv := &Inventory{ProductID: 1, Available: 4, Reserved: 6, Total: 10}

	require.NoError(t, inv.Deduct(6))
	assert.Equal(t, 4, inv.Available)
	assert.Equal(t, 0, inv.Reserved)
	assert.Equal(t, 4, inv.Total)
	checkInventoryInvariant(t, inv)

	assert.ErrorIs(t, inv.Deduct(1), ErrReservationNotFound)
}

func TestInventoryRelease(t *testing.T) {
	inv := &Inventory{ProductID: 1, Available: 4, Reserved: 6, Total: 10}

	require.NoError(t, inv.Release(6))
	assert.Equal(t, 10, inv.Available)
	assert.Equal(t, 0, inv.Reserved)
	checkInventoryInvariant(t, inv)

	assert.ErrorIs(t, inv.Release(1), ErrReservationNotFound)
}

func TestInventoryAddStock(t *testing.T) {
	inv := &Inventory{ProductID: 1, Available: 2, Reserved: 3, Total: 5}

	require.NoError(t, inv.AddStock(7))
	assert.Equal(t, 9, inv.Available)
	assert.Equal(t, 12, inv.Total)
	checkInventoryInvariant(t, inv)

	assert.ErrorIs(t, inv.AddStock(0), ErrInvalidQuantity)
}

func TestInventoryLifecycle(t *testing.T) {
	// reserve -> deduct half -> release the rest, invariant held throughout
	inv := &Inventory{ProductID: 1, Available: 20, Total: 20}

	require.NoError(t, inv.Reserve(8))
	checkInventoryInvariant(t, inv)
	require.NoError(t, inv.Deduct(5))
	checkInventoryInvariant(t, inv)
	require.NoError(t, inv.Release(3))
	checkInventoryInvariant(t, inv)

	assert.Equal(t, 15, inv.Available)
	assert.Equal(t, 0, inv.Reserved)
	assert.Equal(t, 15, inv.Total)
}

func TestCouponValidateForIssue(t *testing.T) {
	now := time.Now()
	coupon := &Coupon{
		Status:    CouponStatusActive,
		StartsAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
	}

	assert.NoError(t, coupon.ValidateForIssue(now))

	assert.ErrorIs(t, coupon.ValidateForIssue(now.Add(-2*time.Hour)), ErrCouponNotStarted)
	assert.ErrorIs(t, coupon.ValidateForIssue(now.Add(2*time.Hour)), ErrCouponExpired)

	coupon.Status = CouponStatusInactive
	assert.ErrorIs(t, coupon.ValidateForIssue(now), ErrCouponInactive)
}

func TestCouponRemaining(t *testing.T) {
	coupon := &Coupon{TotalQuantity: 100, IssuedQuantity: 37}
	assert.Equal(t, 63, coupon.Remaining())
}

func TestQueueEstimatedWait(t *testing.T) {
	queue := &WaitingQueue{EntryBatchSize: 5, EntryIntervalSeconds: 10}

	// positions are zero-based; the first batch enters on the first tick
	assert.Equal(t, int64(0), queue.EstimatedWaitSeconds(0))
	assert.Equal(t, int64(10), queue.EstimatedWaitSeconds(4))
	assert.Equal(t, int64(20), queue.EstimatedWaitSeconds(9))

	degenerate := &WaitingQueue{EntryBatchSize: 0, EntryIntervalSeconds: 10}
	assert.Equal(t, int64(0), degenerate.EstimatedWaitSeconds(100))
}

func TestQueueEntryAdmissionDeadline(t *testing.T) {
	entered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := &QueueEntry{Status: QueueStatusEntered, EnteredAt: &entered}

	assert.Equal(t, entered.Add(5*time.Minute), entry.AdmissionDeadline(5*time.Minute))

	waiting := &QueueEntry{Status: QueueStatusWaiting}
	assert.True(t, waiting.AdmissionDeadline(5*time.Minute).IsZero())
}
