package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink accepts serialisable events. Producer and LocalBus implement it.
type Sink interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events. A nil publisher drops
// events.
type EventPublisher struct {
	sink Sink
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(sink Sink) *EventPublisher {
	return &EventPublisher{sink: sink}
}

// NewBase stamps a new event envelope.
func NewBase(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func (ep *EventPublisher) publish(ctx context.Context, key string, event interface{}) error {
	if ep == nil || ep.sink == nil {
		return nil
	}
	return ep.sink.PublishEvent(ctx, key, event)
}

// PublishOrdersCreated publishes OrdersCreated event
func (ep *EventPublisher) PublishOrdersCreated(ctx context.Context, event *models.OrdersCreatedEvent) error {
	return ep.publish(ctx, "attempt-"+event.IdempotencyKey, event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.publish(ctx, "order-"+event.OrderID, event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.publish(ctx, "order-"+event.OrderID, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.publish(ctx, "order-"+event.OrderID, event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.publish(ctx, "intent-"+event.GatewayOrderID, event)
}

// PublishWalletCredited publishes WalletCredited event
func (ep *EventPublisher) PublishWalletCredited(ctx context.Context, event *models.WalletCreditedEvent) error {
	return ep.publish(ctx, "seller-"+event.SellerID, event)
}

// PublishWithdrawal publishes a withdrawal lifecycle event
func (ep *EventPublisher) PublishWithdrawal(ctx context.Context, event *models.WithdrawalEvent) error {
	return ep.publish(ctx, "seller-"+event.SellerID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderPaid func(context.Context, *models.OrderPaidEvent) error
	logger      *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderPaid registers a handler for OrderPaid events
func (eh *EventHandler) OnOrderPaid(handler func(context.Context, *models.OrderPaidEvent) error) {
	eh.onOrderPaid = handler
}

// HandleMessage routes Kafka messages to the registered handlers.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return eh.Dispatch(ctx, msg.Value)
}

// Dispatch routes a serialised event by its event_type.
func (eh *EventHandler) Dispatch(ctx context.Context, payload []byte) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(payload, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeOrderPaid:
		if eh.onOrderPaid != nil {
			var event models.OrderPaidEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderPaid event: %w", err)
			}
			return eh.onOrderPaid(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type",
			zap.String("event_type", baseEvent.EventType),
			zap.String("event_id", baseEvent.EventID))
	}

	return nil
}
