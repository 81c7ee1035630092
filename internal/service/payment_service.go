package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
	"marketplace-service/internal/orderapi"
	"marketplace-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// receiptLimit is the longest receipt the gateway accepts.
const receiptLimit = 40

// PaymentService fronts the payment gateway for checkout.
type PaymentService struct {
	intents  IntentRepository
	gateway  gateway.Gateway
	currency string
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(intents IntentRepository, gw gateway.Gateway, currency string) *PaymentService {
	if currency == "" {
		currency = "INR"
	}
	return &PaymentService{
		intents:  intents,
		gateway:  gw,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// GetGatewayKey returns the public key the collection UI is opened with.
func (ps *PaymentService) GetGatewayKey(ctx context.Context) (string, error) {
	key := ps.gateway.KeyID()
	if key == "" {
		return "", fmt.Errorf("%w: gateway key is not configured", apperr.ErrIntentFailed)
	}
	return key, nil
}

// CreateGatewayIntent returns the intent for an idempotency key, creating it
// at the gateway on first use.
func (ps *PaymentService) CreateGatewayIntent(ctx context.Context, req *orderapi.IntentRequest) (*models.PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateGatewayIntent",
		attribute.String("idempotency_key", req.IdempotencyKey),
		attribute.Int64("amount", req.Amount))
	defer span.End()

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: intent amount must be positive", apperr.ErrInvalidAmount)
	}

	existing, err := ps.intents.GetIntentByKey(ctx, req.IdempotencyKey)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up payment intent: %w", err)
	}
	if existing != nil {
		if existing.Amount != req.Amount {
			return nil, fmt.Errorf("%w: key already has an intent for %d", apperr.ErrAmountMismatch, existing.Amount)
		}
		util.GatewayIntentsTotal.WithLabelValues("reused").Inc()
		return existing, nil
	}

	currency := req.Currency
	if currency == "" {
		currency = ps.currency
	}
	receipt := req.IdempotencyKey
	if len(receipt) > receiptLimit {
		receipt = receipt[len(receipt)-receiptLimit:]
	}

	start := time.Now()
	in, err := ps.gateway.CreateOrder(ctx, req.Amount, currency, receipt, req.Notes)
	util.GatewayLatency.WithLabelValues("create_order").Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewayIntentsTotal.WithLabelValues("failed").Inc()
		util.RecordError(span, err)
		ps.logger.Warn("Gateway intent creation failed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", apperr.ErrIntentFailed, err)
	}

	saved, err := ps.intents.SaveIntent(ctx, &models.PaymentIntent{
		ID:             in.ID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Notes:          models.Notes(req.Notes),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save payment intent: %w", err)
	}

	util.GatewayIntentsTotal.WithLabelValues("created").Inc()
	ps.logger.Info("Payment intent created",
		zap.String("intent_id", saved.ID),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int64("amount", saved.Amount))
	return saved, nil
}

// VerifyPayment checks a payment confirmation signature.
func (ps *PaymentService) VerifyPayment(ctx context.Context, intentID, paymentID, signature string) (bool, error) {
	_, span := util.StartSpan(ctx, "PaymentService.VerifyPayment", attribute.String("intent_id", intentID))
	defer span.End()

	ok := ps.gateway.VerifySignature(intentID, paymentID, signature)
	if ok {
		util.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	} else {
		util.PaymentVerificationsTotal.WithLabelValues("rejected").Inc()
		ps.logger.Warn("Payment signature rejected",
			zap.String("intent_id", intentID),
			zap.String("payment_id", paymentID))
	}
	return ok, nil
}

// Backend serves the checkout contract from the in-process services.
type Backend struct {
	*OrderService
	*PaymentService
}

var _ orderapi.API = (*Backend)(nil)

// NewBackend combines the order and payment services.
func NewBackend(orders *OrderService, payments *PaymentService) *Backend {
	return &Backend{OrderService: orders, PaymentService: payments}
}
