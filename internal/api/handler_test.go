package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"allocation-service/internal/lock"
	"allocation-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{models.ErrInsufficientStock, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{models.ErrCouponExhausted, http.StatusConflict, "COUPON_EXHAUSTED"},
		{models.ErrAlreadyIssued, http.StatusConflict, "ALREADY_ISSUED"},
		{models.ErrCouponCodeExists, http.StatusConflict, "COUPON_CODE_EXISTS"},
		{models.ErrInventoryExists, http.StatusConflict, "INVENTORY_EXISTS"},
		{models.ErrCouponExpired, http.StatusUnprocessableEntity, "COUPON_EXPIRED"},
		{models.ErrCouponNotStarted, http.StatusUnprocessableEntity, "COUPON_NOT_STARTED"},
		{models.ErrCouponInactive, http.StatusUnprocessableEntity, "COUPON_INACTIVE"},
		{models.ErrQueueNotActive, http.StatusUnprocessableEntity, "QUEUE_NOT_ACTIVE"},
		{models.ErrReservationNotFound, http.StatusUnprocessableEntity, "RESERVATION_NOT_FOUND"},
		{models.ErrInvalidQuantity, http.StatusBadRequest, "INVALID_QUANTITY"},
		{models.ErrInventoryNotFound, http.StatusNotFound, "NOT_FOUND"},
		{models.ErrCouponNotFound, http.StatusNotFound, "NOT_FOUND"},
		{models.ErrQueueNotFound, http.StatusNotFound, "NOT_FOUND"},
		{models.ErrQueueEntryNotFound, http.StatusNotFound, "NOT_FOUND"},
		{lock.ErrNotAcquired, http.StatusServiceUnavailable, "LOCK_CONTENTION"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		status, code := errorCode(tt.err)
		assert.Equal(t, tt.status, status, tt.code)
		assert.Equal(t, tt.code, code)
	}
}

func TestErrorCodeUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("reserve order ORD-1: %w", models.ErrInsufficientStock)
	status, code := errorCode(wrapped)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INSUFFICIENT_STOCK", code)
}

func TestStockBatchItemMap(t *testing.T) {
	req := &StockBatchRequest{
		OrderNumber: "ORD-1",
		Items: []StockItemRequest{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
			{ProductID: 1, Quantity: 3},
		},
	}

	items := req.itemMap()
	assert.Equal(t, map[int64]int{1: 5, 2: 1}, items, "duplicate product lines merge")
}

func TestActorFrom(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Equal(t, "system", actorFrom(c))

	c.Request.Header.Set("X-Actor", "alice")
	assert.Equal(t, "alice", actorFrom(c))
}
