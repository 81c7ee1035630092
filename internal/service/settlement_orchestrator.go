package service

import (
	"context"
	"fmt"

	"marketplace-service/internal/broker"
	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

// SettlementOrchestrator credits seller wallets for paid orders.
type SettlementOrchestrator struct {
	orders  OrderRepository
	events  EventRepository
	wallets *WalletService
	logger  *zap.Logger
}

// NewSettlementOrchestrator creates a new settlement orchestrator
func NewSettlementOrchestrator(orders OrderRepository, events EventRepository, wallets *WalletService) *SettlementOrchestrator {
	return &SettlementOrchestrator{
		orders:  orders,
		events:  events,
		wallets: wallets,
		logger:  util.GetLogger(),
	}
}

// Register routes ORDER_PAID events to the orchestrator.
func (so *SettlementOrchestrator) Register(handler *broker.EventHandler) {
	handler.OnOrderPaid(so.HandleOrderPaid)
}

// HandleOrderPaid credits the seller of the paid order. Redelivered events
// and events for an order credited by another path are no-ops.
func (so *SettlementOrchestrator) HandleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	ctx, span := util.StartSpan(ctx, "SettlementOrchestrator.HandleOrderPaid")
	defer span.End()

	processed, err := so.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	order, err := so.orders.GetOrderByID(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		if _, _, err := so.wallets.CreditForOrder(ctx, order); err != nil {
			util.RecordError(span, err)
			return err
		}
	} else {
		so.logger.Warn("Paid event for an order that is no longer paid",
			zap.String("order_id", order.ID),
			zap.String("payment_status", order.PaymentStatus))
	}

	if err := so.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		so.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// Reconcile credits every paid order that has not been credited yet. It
// covers events lost before they reached the broker.
func (so *SettlementOrchestrator) Reconcile(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "SettlementOrchestrator.Reconcile")
	defer span.End()

	credited := 0
	filter := models.OrderFilter{PaymentStatus: models.PaymentStatusPaid, Limit: 100}
	for filter.Page = 1; ; filter.Page++ {
		page, err := so.orders.ListOrders(ctx, filter)
		if err != nil {
			return credited, fmt.Errorf("failed to list paid orders: %w", err)
		}
		for i := range page.Items {
			_, applied, err := so.wallets.CreditForOrder(ctx, &page.Items[i])
			if err != nil {
				return credited, err
			}
			if applied {
				credited++
			}
		}
		if len(page.Items) < page.Limit || filter.Page*page.Limit >= page.Total {
			break
		}
	}

	so.logger.Info("Settlement reconciled", zap.Int("credited", credited))
	return credited, nil
}
