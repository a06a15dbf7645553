package models

import "time"

// Event types
const (
	EventTypeInventoryReserved  = "INVENTORY_RESERVED"
	EventTypeInventoryDeducted  = "INVENTORY_DEDUCTED"
	EventTypeInventoryReleased  = "INVENTORY_RELEASED"
	EventTypeCouponIssued       = "COUPON_ISSUED"
	EventTypeQueueEntryAdmitted = "QUEUE_ENTRY_ADMITTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StockItemData represents one product line in an inventory event
type StockItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// InventoryReservedEvent published after a reservation batch commits
type InventoryReservedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	Items       []StockItemData `json:"items"`
}

// InventoryDeductedEvent published after reserved stock is finalized
type InventoryDeductedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	Items       []StockItemData `json:"items"`
}

// InventoryReleasedEvent published after a reservation is reversed
type InventoryReleasedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	Items       []StockItemData `json:"items"`
}

// CouponIssuedEvent published after a durable issuance commits
type CouponIssuedEvent struct {
	BaseEvent
	CouponID   int64     `json:"coupon_id"`
	CouponCode string    `json:"coupon_code"`
	UserID     string    `json:"user_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// QueueEntryAdmittedEvent published for each WAITING -> ENTERED transition
type QueueEntryAdmittedEvent struct {
	BaseEvent
	QueueEventType string `json:"queue_event_type"`
	QueueEventID   int64  `json:"queue_event_id"`
	UserID         string `json:"user_id"`
	EntryToken     string `json:"entry_token"`
}
