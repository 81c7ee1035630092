package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/cart"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/lifecycle"
	"marketplace-service/internal/models"
	"marketplace-service/internal/orderapi"
	"marketplace-service/internal/pricing"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService handles order business logic
type OrderService struct {
	orders         OrderRepository
	intents        IntentRepository
	gateway        gateway.Gateway
	coupons        *pricing.CouponBook
	eventPublisher *broker.EventPublisher
	currency       string
	manualCapture  bool
	logger         *zap.Logger
}

// OrderServiceOptions configures pricing and capture.
type OrderServiceOptions struct {
	Coupons       *pricing.CouponBook
	Currency      string
	ManualCapture bool
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderRepository,
	intents IntentRepository,
	gw gateway.Gateway,
	eventPublisher *broker.EventPublisher,
	opts OrderServiceOptions,
) *OrderService {
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	return &OrderService{
		orders:         orders,
		intents:        intents,
		gateway:        gw,
		coupons:        opts.Coupons,
		eventPublisher: eventPublisher,
		currency:       opts.Currency,
		manualCapture:  opts.ManualCapture,
		logger:         util.GetLogger(),
	}
}

// Quote prices a cart with an optional coupon.
func (s *OrderService) Quote(ctx context.Context, req *orderapi.QuoteRequest) (*pricing.Quote, error) {
	_, span := util.StartSpan(ctx, "OrderService.Quote")
	defer span.End()

	snap := cart.Snapshot{Lines: req.Lines}
	subtotal, err := snap.Subtotal()
	if err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	quote, err := s.coupons.NewQuote(subtotal, req.CouponCode, currency)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// CreateOrder creates one order per seller for an idempotency key. A key
// that already has orders returns those orders with IsDuplicate set and
// never creates a second set.
func (s *OrderService) CreateOrder(ctx context.Context, req *orderapi.CreateOrderRequest) (*orderapi.CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder",
		attribute.String("idempotency_key", req.IdempotencyKey))
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.orders.GetOrdersByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if len(existing) > 0 {
		return s.duplicate(req.IdempotencyKey, existing), nil
	}

	snap := cart.Snapshot{UserID: req.UserID, Lines: req.Lines}
	groups, err := cart.Split(snap, req.ShippingAddress, req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	subtotals := make([]int64, len(groups))
	var subtotal int64
	for i, g := range groups {
		subtotals[i] = g.Subtotal
		subtotal += g.Subtotal
	}
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	quote, err := s.coupons.NewQuote(subtotal, req.CouponCode, currency)
	if err != nil {
		return nil, err
	}

	if models.IsGatewayMethod(req.PaymentMethod) {
		if err := s.checkIntent(ctx, req, quote.Total); err != nil {
			return nil, err
		}
	}

	shares := pricing.Allocate(quote.Discount, subtotals)
	now := time.Now().UTC()
	orders := make([]*models.Order, len(groups))
	for i, g := range groups {
		id := uuid.New().String()
		items := make([]models.OrderItem, len(g.Items))
		for j, it := range g.Items {
			it.OrderID = id
			items[j] = it
		}
		orders[i] = &models.Order{
			ID:              id,
			SellerID:        g.SellerID,
			UserID:          req.UserID,
			IdempotencyKey:  req.IdempotencyKey,
			Position:        i,
			Status:          models.OrderStatusPending,
			PaymentStatus:   models.PaymentStatusPending,
			PaymentMethod:   req.PaymentMethod,
			Currency:        currency,
			Subtotal:        g.Subtotal,
			Discount:        shares[i],
			TotalPrice:      g.Subtotal - shares[i],
			CouponCode:      quote.CouponCode,
			GatewayOrderID:  req.GatewayOrderID,
			ShippingAddress: req.ShippingAddress,
			Items:           items,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	if err := s.orders.CreateOrders(ctx, orders); err != nil {
		if errors.Is(err, apperr.ErrDuplicateKey) {
			// A concurrent request with the same key won the insert.
			existing, getErr := s.orders.GetOrdersByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load orders for duplicate key: %w", getErr)
			}
			return s.duplicate(req.IdempotencyKey, existing), nil
		}
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create orders: %w", err)
	}

	util.OrdersCreatedTotal.Add(float64(len(orders)))
	result := &orderapi.CreateOrderResult{Orders: make([]models.Order, len(orders))}
	for i, o := range orders {
		result.Orders[i] = *o
	}
	ids := models.OrderIDs(result.Orders)

	s.logger.Info("Orders created",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Strings("order_ids", ids),
		zap.Int64("total", quote.Total))

	event := &models.OrdersCreatedEvent{
		BaseEvent:      broker.NewBase(models.EventTypeOrdersCreated),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		OrderIDs:       ids,
		GatewayOrderID: req.GatewayOrderID,
	}
	if err := s.eventPublisher.PublishOrdersCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrdersCreated event", zap.Error(err))
	}

	return result, nil
}

func (s *OrderService) duplicate(key string, orders []models.Order) *orderapi.CreateOrderResult {
	util.OrdersDuplicateTotal.Inc()
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.Int("orders", len(orders)))
	return &orderapi.CreateOrderResult{Orders: orders, IsDuplicate: true}
}

// checkIntent ties a gateway order to the intent created for the same key.
func (s *OrderService) checkIntent(ctx context.Context, req *orderapi.CreateOrderRequest, total int64) error {
	if req.GatewayOrderID == "" {
		return fmt.Errorf("%w: gateway payment requires a payment intent", apperr.ErrIntentFailed)
	}
	intent, err := s.intents.GetIntentByID(ctx, req.GatewayOrderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%w: unknown payment intent %s", apperr.ErrIntentFailed, req.GatewayOrderID)
		}
		return fmt.Errorf("failed to load payment intent: %w", err)
	}
	if intent.IdempotencyKey != req.IdempotencyKey {
		return fmt.Errorf("%w: intent %s belongs to another checkout", apperr.ErrIntentFailed, intent.ID)
	}
	if intent.Amount != total {
		return fmt.Errorf("%w: cart total %d, intent %d", apperr.ErrAmountMismatch, total, intent.Amount)
	}
	return nil
}

// CaptureAndMarkPaid verifies the confirmation again, captures the payment
// and marks every order of the intent paid in one update. Replaying the same
// confirmation is a no-op.
func (s *OrderService) CaptureAndMarkPaid(ctx context.Context, orderIDs []string, conf models.PaymentConfirmation) error {
	ctx, span := util.StartSpan(ctx, "OrderService.CaptureAndMarkPaid",
		attribute.String("gateway_order_id", conf.GatewayOrderID))
	defer span.End()

	if len(orderIDs) == 0 {
		return fmt.Errorf("%w: no orders to pay", apperr.ErrNotFound)
	}
	if !s.gateway.VerifySignature(conf.GatewayOrderID, conf.GatewayPaymentID, conf.Signature) {
		util.PaymentVerificationsTotal.WithLabelValues("rejected").Inc()
		return apperr.ErrVerificationFailed
	}

	intent, err := s.intents.GetIntentByID(ctx, conf.GatewayOrderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%w: unknown payment intent %s", apperr.ErrVerificationFailed, conf.GatewayOrderID)
		}
		return fmt.Errorf("failed to load payment intent: %w", err)
	}

	orders, err := s.orders.GetOrdersByIDs(ctx, orderIDs)
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	if len(orders) != len(orderIDs) {
		return fmt.Errorf("%w: %d of %d orders", apperr.ErrNotFound, len(orders), len(orderIDs))
	}
	var sum int64
	settled := true
	for _, o := range orders {
		if o.GatewayOrderID != intent.ID {
			return fmt.Errorf("%w: order %s is not part of intent %s", apperr.ErrAmountMismatch, o.ID, intent.ID)
		}
		sum += o.TotalPrice
		if o.PaymentStatus != models.PaymentStatusPaid || o.GatewayPaymentID != conf.GatewayPaymentID {
			settled = false
		}
	}
	if sum != intent.Amount {
		return fmt.Errorf("%w: orders %d, intent %d", apperr.ErrAmountMismatch, sum, intent.Amount)
	}
	if settled {
		s.logger.Info("Payment already applied", zap.String("gateway_payment_id", conf.GatewayPaymentID))
		return nil
	}
	// Every order must accept the payment before any money is captured.
	for _, o := range orders {
		trial := o
		if _, err := lifecycle.MarkPaid(&trial, intent.ID, conf.GatewayPaymentID); err != nil {
			util.RecordError(span, err)
			return fmt.Errorf("order %s: %w", o.ID, err)
		}
	}

	if s.manualCapture {
		start := time.Now()
		err := s.gateway.Capture(ctx, conf.GatewayPaymentID, intent.Amount, intent.Currency)
		util.GatewayLatency.WithLabelValues("capture").Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, gateway.ErrAlreadyCaptured) {
			util.RecordError(span, err)
			return fmt.Errorf("%w: %v", apperr.ErrCaptureFailed, err)
		}
	}

	var paid []models.Order
	updated, err := s.orders.UpdateOrders(ctx, orderIDs, func(orders []*models.Order) error {
		for _, o := range orders {
			changed, err := lifecycle.MarkPaid(o, intent.ID, conf.GatewayPaymentID)
			if err != nil {
				return fmt.Errorf("order %s: %w", o.ID, err)
			}
			if changed {
				paid = append(paid, *o)
			}
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("%w: %v", apperr.ErrCaptureFailed, err)
	}

	util.OrdersPaidTotal.Add(float64(len(paid)))
	s.logger.Info("Orders paid",
		zap.String("gateway_order_id", intent.ID),
		zap.String("gateway_payment_id", conf.GatewayPaymentID),
		zap.Int("orders", len(updated)))

	for _, o := range paid {
		s.publishPaid(ctx, o)
	}
	return nil
}

func (s *OrderService) publishPaid(ctx context.Context, o models.Order) {
	event := &models.OrderPaidEvent{
		BaseEvent:        broker.NewBase(models.EventTypeOrderPaid),
		OrderID:          o.ID,
		SellerID:         o.SellerID,
		Amount:           o.TotalPrice,
		GatewayPaymentID: o.GatewayPaymentID,
	}
	if err := s.eventPublisher.PublishOrderPaid(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPaid event",
			zap.String("order_id", o.ID),
			zap.Error(err))
	}
}

// MarkPaymentFailed records a failed or abandoned payment on unpaid orders.
// Paid orders are left alone.
func (s *OrderService) MarkPaymentFailed(ctx context.Context, orderIDs []string, reason string) error {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkPaymentFailed")
	defer span.End()

	var gatewayOrderID string
	_, err := s.orders.UpdateOrders(ctx, orderIDs, func(orders []*models.Order) error {
		for _, o := range orders {
			gatewayOrderID = o.GatewayOrderID
			if o.PaymentStatus == models.PaymentStatusPaid || o.PaymentStatus == models.PaymentStatusRefunded {
				continue
			}
			if err := lifecycle.MarkPaymentFailed(o); err != nil {
				return fmt.Errorf("order %s: %w", o.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}

	s.logger.Warn("Payment failed",
		zap.Strings("order_ids", orderIDs),
		zap.String("reason", reason))

	event := &models.PaymentFailedEvent{
		BaseEvent:      broker.NewBase(models.EventTypePaymentFailed),
		OrderIDs:       orderIDs,
		GatewayOrderID: gatewayOrderID,
		Reason:         reason,
	}
	if err := s.eventPublisher.PublishPaymentFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	return nil
}

// CancelOrder cancels a not yet shipped order. A reason is mandatory.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder", attribute.String("order_id", orderID))
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		util.OrderTransitionsRejected.WithLabelValues("reason_required").Inc()
		return nil, apperr.ErrReasonRequired
	}

	order, err := s.updateOne(ctx, orderID, func(o *models.Order) error {
		// Orders sharing a live gateway intent are paid together; the attempt
		// must fail or be cancelled before one of them can go.
		if models.IsGatewayMethod(o.PaymentMethod) && o.GatewayOrderID != "" && o.PaymentStatus == models.PaymentStatusPending {
			return fmt.Errorf("order %s: %w", o.ID, apperr.ErrPaymentPending)
		}
		return lifecycle.Cancel(o, reason)
	})
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.Inc()
	event := &models.OrderCancelledEvent{
		BaseEvent: broker.NewBase(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		Reason:    order.CancelReason,
	}
	if err := s.eventPublisher.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}
	return order, nil
}

// AdvanceStatus moves an order one step along its fulfilment path. A cash on
// delivery order becomes paid when it is delivered.
func (s *OrderService) AdvanceStatus(ctx context.Context, orderID, to string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AdvanceStatus",
		attribute.String("order_id", orderID),
		attribute.String("to", to))
	defer span.End()

	var from string
	var collected bool
	order, err := s.updateOne(ctx, orderID, func(o *models.Order) error {
		from = o.Status
		if err := lifecycle.Advance(o, to); err != nil {
			return err
		}
		if to == models.OrderStatusDelivered && !models.IsGatewayMethod(o.PaymentMethod) && o.PaymentStatus != models.PaymentStatusPaid {
			changed, err := lifecycle.MarkPaid(o, "", "cod_"+o.ID)
			if err != nil {
				return err
			}
			collected = changed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("from", from),
		zap.String("to", order.Status))

	event := &models.OrderStatusChangedEvent{
		BaseEvent: broker.NewBase(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		From:      from,
		To:        order.Status,
	}
	if err := s.eventPublisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
	if collected {
		util.OrdersPaidTotal.Inc()
		s.publishPaid(ctx, *order)
	}
	return order, nil
}

// Refund moves an order to refunded.
func (s *OrderService) Refund(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Refund", attribute.String("order_id", orderID))
	defer span.End()

	var from string
	order, err := s.updateOne(ctx, orderID, func(o *models.Order) error {
		from = o.Status
		return lifecycle.Refund(o)
	})
	if err != nil {
		return nil, err
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent: broker.NewBase(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		From:      from,
		To:        order.Status,
	}
	if err := s.eventPublisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
	return order, nil
}

// Reorder returns the lines of a finished order as a new cart.
func (s *OrderService) Reorder(ctx context.Context, orderID string) ([]cart.Line, error) {
	order, err := s.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.CanReorder(order); err != nil {
		return nil, err
	}
	return cart.FromOrder(*order), nil
}

// GetOrderByID retrieves an order with its items.
func (s *OrderService) GetOrderByID(ctx context.Context, orderID string) (*models.Order, error) {
	return s.orders.GetOrderByID(ctx, orderID)
}

// GetOrders lists orders matching filter.
func (s *OrderService) GetOrders(ctx context.Context, filter models.OrderFilter) (*models.Page[models.Order], error) {
	filter.Page, filter.Limit = models.Normalize(filter.Page, filter.Limit)
	return s.orders.ListOrders(ctx, filter)
}

func (s *OrderService) updateOne(ctx context.Context, orderID string, fn func(*models.Order) error) (*models.Order, error) {
	updated, err := s.orders.UpdateOrders(ctx, []string{orderID}, func(orders []*models.Order) error {
		return fn(orders[0])
	})
	if err != nil {
		if apperr.Kind(err) != "internal" {
			util.OrderTransitionsRejected.WithLabelValues(apperr.Kind(err)).Inc()
		}
		return nil, err
	}
	return &updated[0], nil
}
