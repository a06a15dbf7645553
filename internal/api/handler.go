package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"allocation-service/internal/lock"
	"allocation-service/internal/models"
	"allocation-service/internal/service"
	"allocation-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	inventory *service.InventoryService
	coupons   *service.CouponService
	queues    *service.QueueService
}

// NewHandler creates a new HTTP handler
func NewHandler(inventory *service.InventoryService, coupons *service.CouponService, queues *service.QueueService) *Handler {
	return &Handler{
		inventory: inventory,
		coupons:   coupons,
		queues:    queues,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/inventory/reserve", h.reserveStock)
		v1.POST("/inventory/deduct", h.deductStock)
		v1.POST("/inventory/release", h.releaseStock)
		v1.POST("/inventory/:productId/init", h.initInventory)
		v1.POST("/inventory/:productId/add", h.addStock)
		v1.GET("/inventory/:productId", h.getInventory)
		v1.GET("/inventory/:productId/movements", h.getMovements)

		v1.POST("/coupons", h.createCoupon)
		v1.GET("/coupons/:id", h.getCoupon)
		v1.POST("/coupons/:id/issue", h.issueCoupon)

		v1.POST("/queues/:eventType/:eventId/activate", h.activateQueue)
		v1.POST("/queues/:eventType/:eventId/deactivate", h.deactivateQueue)
		v1.GET("/queues/:eventType/:eventId", h.queueOverview)
		v1.POST("/queues/:eventType/:eventId/join", h.joinQueue)
		v1.GET("/queues/:eventType/:eventId/validate", h.validateEntry)
		v1.GET("/queues/entries/:token", h.entryStatus)
		v1.DELETE("/queues/entries/:token", h.leaveQueue)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// errorCode maps a service error onto an HTTP status and a stable code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, models.ErrCouponExhausted):
		return http.StatusConflict, "COUPON_EXHAUSTED"
	case errors.Is(err, models.ErrAlreadyIssued):
		return http.StatusConflict, "ALREADY_ISSUED"
	case errors.Is(err, models.ErrCouponCodeExists):
		return http.StatusConflict, "COUPON_CODE_EXISTS"
	case errors.Is(err, models.ErrInventoryExists):
		return http.StatusConflict, "INVENTORY_EXISTS"
	case errors.Is(err, models.ErrCouponExpired):
		return http.StatusUnprocessableEntity, "COUPON_EXPIRED"
	case errors.Is(err, models.ErrCouponNotStarted):
		return http.StatusUnprocessableEntity, "COUPON_NOT_STARTED"
	case errors.Is(err, models.ErrCouponInactive):
		return http.StatusUnprocessableEntity, "COUPON_INACTIVE"
	case errors.Is(err, models.ErrQueueNotActive):
		return http.StatusUnprocessableEntity, "QUEUE_NOT_ACTIVE"
	case errors.Is(err, models.ErrReservationNotFound):
		return http.StatusUnprocessableEntity, "RESERVATION_NOT_FOUND"
	case errors.Is(err, models.ErrInvalidQuantity):
		return http.StatusBadRequest, "INVALID_QUANTITY"
	case errors.Is(err, models.ErrInventoryNotFound),
		errors.Is(err, models.ErrCouponNotFound),
		errors.Is(err, models.ErrQueueNotFound),
		errors.Is(err, models.ErrQueueEntryNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, lock.ErrNotAcquired):
		// Transient contention: the caller should retry with backoff.
		return http.StatusServiceUnavailable, "LOCK_CONTENTION"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := errorCode(err)
	c.JSON(status, gin.H{
		"error":   code,
		"details": err.Error(),
	})
}

// StockItemRequest is one product line in a stock operation.
type StockItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// StockBatchRequest is the body of reserve/deduct/release.
type StockBatchRequest struct {
	OrderNumber string             `json:"order_number" binding:"required"`
	Items       []StockItemRequest `json:"items" binding:"required,min=1"`
}

func (r *StockBatchRequest) itemMap() map[int64]int {
	items := make(map[int64]int, len(r.Items))
	for _, item := range r.Items {
		items[item.ProductID] += item.Quantity
	}
	return items
}

func actorFrom(c *gin.Context) string {
	if actor := c.GetHeader("X-Actor"); actor != "" {
		return actor
	}
	return "system"
}

func (h *Handler) reserveStock(c *gin.Context) {
	var req StockBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	if err := h.inventory.Reserve(c.Request.Context(), req.OrderNumber, req.itemMap(), actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_number": req.OrderNumber, "status": "RESERVED"})
}

func (h *Handler) deductStock(c *gin.Context) {
	var req StockBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	if err := h.inventory.Deduct(c.Request.Context(), req.OrderNumber, req.itemMap(), actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_number": req.OrderNumber, "status": "DEDUCTED"})
}

func (h *Handler) releaseStock(c *gin.Context) {
	var req StockBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	if err := h.inventory.Release(c.Request.Context(), req.OrderNumber, req.itemMap(), actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_number": req.OrderNumber, "status": "RELEASED"})
}

func (h *Handler) initInventory(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_PRODUCT_ID"})
		return
	}

	var req struct {
		InitialStock int `json:"initial_stock" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	inv, err := h.inventory.Initialize(c.Request.Context(), productID, req.InitialStock, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (h *Handler) addStock(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_PRODUCT_ID"})
		return
	}

	var req struct {
		Quantity int    `json:"quantity" binding:"required,min=1"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	inv, err := h.inventory.Add(c.Request.Context(), productID, req.Quantity, req.Reason, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) getInventory(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_PRODUCT_ID"})
		return
	}

	inv, err := h.inventory.Get(c.Request.Context(), productID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) getMovements(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_PRODUCT_ID"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	movements, err := h.inventory.Movements(c.Request.Context(), productID, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

func (h *Handler) createCoupon(c *gin.Context) {
	var req service.CreateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	coupon, err := h.coupons.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, coupon)
}

func (h *Handler) getCoupon(c *gin.Context) {
	couponID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_COUPON_ID"})
		return
	}

	coupon, err := h.coupons.Get(c.Request.Context(), couponID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}

func (h *Handler) issueCoupon(c *gin.Context) {
	couponID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_COUPON_ID"})
		return
	}

	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	userCoupon, err := h.coupons.Issue(c.Request.Context(), couponID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, userCoupon)
}

func queueParams(c *gin.Context) (string, int64, bool) {
	eventType := c.Param("eventType")
	eventID, err := strconv.ParseInt(c.Param("eventId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_EVENT_ID"})
		return "", 0, false
	}
	return eventType, eventID, true
}

func (h *Handler) activateQueue(c *gin.Context) {
	eventType, eventID, ok := queueParams(c)
	if !ok {
		return
	}

	var req service.ActivateQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	queue, err := h.queues.Activate(c.Request.Context(), eventType, eventID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, queue)
}

func (h *Handler) deactivateQueue(c *gin.Context) {
	eventType, eventID, ok := queueParams(c)
	if !ok {
		return
	}

	if err := h.queues.Deactivate(c.Request.Context(), eventType, eventID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "DEACTIVATED"})
}

func (h *Handler) queueOverview(c *gin.Context) {
	eventType, eventID, ok := queueParams(c)
	if !ok {
		return
	}

	overview, err := h.queues.Overview(c.Request.Context(), eventType, eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *Handler) joinQueue(c *gin.Context) {
	eventType, eventID, ok := queueParams(c)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	status, err := h.queues.Join(c.Request.Context(), eventType, eventID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) validateEntry(c *gin.Context) {
	eventType, eventID, ok := queueParams(c)
	if !ok {
		return
	}

	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_USER_ID"})
		return
	}

	valid, err := h.queues.ValidateEntry(c.Request.Context(), eventType, eventID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (h *Handler) entryStatus(c *gin.Context) {
	status, err := h.queues.StatusByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) leaveQueue(c *gin.Context) {
	if err := h.queues.Leave(c.Request.Context(), c.Param("token")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "LEFT"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
