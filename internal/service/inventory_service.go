package service

import (
	"context"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InventoryStore is the durable stock interface the engine runs on,
// implemented by store.Store. Every batch operation is all-or-nothing inside
// one transaction with row locks taken in ascending productID order.
type InventoryStore interface {
	InitializeInventory(ctx context.Context, productID int64, initialStock int, actor string) (*models.Inventory, error)
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	GetMovements(ctx context.Context, productID int64, limit, offset int) ([]models.StockMovement, error)
	ReserveBatch(ctx context.Context, orderNumber string, items map[int64]int, actor string) error
	DeductBatch(ctx context.Context, orderNumber string, items map[int64]int, actor string) error
	ReleaseBatch(ctx context.Context, orderNumber string, items map[int64]int, actor string) error
	AddStock(ctx context.Context, productID int64, quantity int, reason, actor string) (*models.Inventory, error)
}

type inventoryEvents interface {
	PublishInventoryReserved(ctx context.Context, event *models.InventoryReservedEvent) error
	PublishInventoryDeducted(ctx context.Context, event *models.InventoryDeductedEvent) error
	PublishInventoryReleased(ctx context.Context, event *models.InventoryReleasedEvent) error
}

// InventoryService is the reservation engine. Concurrent operations on the
// same product serialize through the store's row locks; no distributed lock
// is involved on this path.
type InventoryService struct {
	store  InventoryStore
	events inventoryEvents
	logger *zap.Logger
}

// NewInventoryService creates the inventory reservation engine.
func NewInventoryService(store InventoryStore, events inventoryEvents) *InventoryService {
	return &InventoryService{
		store:  store,
		events: events,
		logger: util.NamedLogger("inventory"),
	}
}

func validateItems(items map[int64]int) error {
	if len(items) == 0 {
		return models.ErrInvalidQuantity
	}
	for _, qty := range items {
		if qty <= 0 {
			return models.ErrInvalidQuantity
		}
	}
	return nil
}

func eventItems(items map[int64]int) []models.StockItemData {
	data := make([]models.StockItemData, 0, len(items))
	for productID, qty := range items {
		data = append(data, models.StockItemData{ProductID: productID, Quantity: qty})
	}
	return data
}

// Initialize creates the stock record for a product.
func (s *InventoryService) Initialize(ctx context.Context, productID int64, initialStock int, actor string) (*models.Inventory, error) {
	inv, err := s.store.InitializeInventory(ctx, productID, initialStock, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Inventory initialized",
		zap.Int64("product_id", productID),
		zap.Int("initial_stock", initialStock))
	return inv, nil
}

// Get retrieves the current stock record.
func (s *InventoryService) Get(ctx context.Context, productID int64) (*models.Inventory, error) {
	return s.store.GetInventory(ctx, productID)
}

// Movements retrieves a page of the stock ledger, newest first.
func (s *InventoryService) Movements(ctx context.Context, productID int64, page, size int) ([]models.StockMovement, error) {
	if size <= 0 || size > 200 {
		size = 20
	}
	if page < 0 {
		page = 0
	}
	return s.store.GetMovements(ctx, productID, size, page*size)
}

// Reserve places a hold on stock for an order, all items or none.
func (s *InventoryService) Reserve(ctx context.Context, orderNumber string, items map[int64]int, actor string) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reserve")
	defer span.End()

	if err := validateItems(items); err != nil {
		return err
	}

	start := time.Now()
	err := s.store.ReserveBatch(ctx, orderNumber, items, actor)
	util.StockReserveLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if err == models.ErrInsufficientStock {
			util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.StockReservationsFailed.WithLabelValues("error").Inc()
		}
		return err
	}

	util.StockReservationsTotal.Inc()
	s.logger.Info("Stock reserved",
		zap.String("order_number", orderNumber),
		zap.Int("item_count", len(items)))

	event := &models.InventoryReservedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeInventoryReserved,
			Timestamp: time.Now(),
		},
		OrderNumber: orderNumber,
		Items:       eventItems(items),
	}
	if err := s.events.PublishInventoryReserved(ctx, event); err != nil {
		s.logger.Error("Failed to publish InventoryReserved event",
			zap.String("order_number", orderNumber), zap.Error(err))
	}

	return nil
}

// Deduct converts a reservation into a permanent reduction. Replays for the
// same order are no-ops.
func (s *InventoryService) Deduct(ctx context.Context, orderNumber string, items map[int64]int, actor string) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Deduct")
	defer span.End()

	if err := validateItems(items); err != nil {
		return err
	}

	if err := s.store.DeductBatch(ctx, orderNumber, items, actor); err != nil {
		return err
	}

	util.StockDeductionsTotal.Inc()
	s.logger.Info("Stock deducted",
		zap.String("order_number", orderNumber),
		zap.Int("item_count", len(items)))

	event := &models.InventoryDeductedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeInventoryDeducted,
			Timestamp: time.Now(),
		},
		OrderNumber: orderNumber,
		Items:       eventItems(items),
	}
	if err := s.events.PublishInventoryDeducted(ctx, event); err != nil {
		s.logger.Error("Failed to publish InventoryDeducted event",
			zap.String("order_number", orderNumber), zap.Error(err))
	}

	return nil
}

// Release reverses a reservation, idempotently per order.
func (s *InventoryService) Release(ctx context.Context, orderNumber string, items map[int64]int, actor string) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Release")
	defer span.End()

	if err := validateItems(items); err != nil {
		return err
	}

	if err := s.store.ReleaseBatch(ctx, orderNumber, items, actor); err != nil {
		return err
	}

	util.StockReleasesTotal.Inc()
	s.logger.Info("Stock released",
		zap.String("order_number", orderNumber),
		zap.Int("item_count", len(items)))

	event := &models.InventoryReleasedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeInventoryReleased,
			Timestamp: time.Now(),
		},
		OrderNumber: orderNumber,
		Items:       eventItems(items),
	}
	if err := s.events.PublishInventoryReleased(ctx, event); err != nil {
		s.logger.Error("Failed to publish InventoryReleased event",
			zap.String("order_number", orderNumber), zap.Error(err))
	}

	return nil
}

// Add restocks a product.
func (s *InventoryService) Add(ctx context.Context, productID int64, quantity int, reason, actor string) (*models.Inventory, error) {
	inv, err := s.store.AddStock(ctx, productID, quantity, reason, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Stock added",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.String("actor", actor))
	return inv, nil
}
