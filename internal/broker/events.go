package broker

import (
	"context"
	"fmt"

	"allocation-service/internal/models"
)

// EventPublisher publishes allocation domain events. Delivery is at-least-once
// and fires only after the corresponding durable write has committed; callers
// log failures instead of surfacing them.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishInventoryReserved publishes InventoryReserved event
func (ep *EventPublisher) PublishInventoryReserved(ctx context.Context, event *models.InventoryReservedEvent) error {
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNumber, event)
}

// PublishInventoryDeducted publishes InventoryDeducted event
func (ep *EventPublisher) PublishInventoryDeducted(ctx context.Context, event *models.InventoryDeductedEvent) error {
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNumber, event)
}

// PublishInventoryReleased publishes InventoryReleased event
func (ep *EventPublisher) PublishInventoryReleased(ctx context.Context, event *models.InventoryReleasedEvent) error {
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNumber, event)
}

// PublishCouponIssued publishes CouponIssued event
func (ep *EventPublisher) PublishCouponIssued(ctx context.Context, event *models.CouponIssuedEvent) error {
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("coupon-%d", event.CouponID), event)
}

// PublishQueueEntryAdmitted publishes QueueEntryAdmitted event
func (ep *EventPublisher) PublishQueueEntryAdmitted(ctx context.Context, event *models.QueueEntryAdmittedEvent) error {
	key := fmt.Sprintf("queue-%s-%d", event.QueueEventType, event.QueueEventID)
	return ep.producer.PublishEvent(ctx, key, event)
}
