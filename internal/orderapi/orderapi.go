// Package orderapi is the contract between the storefront checkout and the
// order service: order creation keyed by an idempotency token, the gateway
// handshake endpoints and payment capture.
package orderapi

import (
	"context"

	"marketplace-service/internal/cart"
	"marketplace-service/internal/models"
	"marketplace-service/internal/pricing"
)

// QuoteRequest asks the order service to price a cart.
type QuoteRequest struct {
	Lines      []cart.Line `json:"lines" binding:"required,min=1,dive"`
	CouponCode string      `json:"coupon_code,omitempty"`
	Currency   string      `json:"currency,omitempty"`
}

// CreateOrderRequest creates one order per seller for a checkout attempt.
type CreateOrderRequest struct {
	UserID          string                 `json:"user_id" binding:"required"`
	Lines           []cart.Line            `json:"lines" binding:"required,min=1,dive"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method"`
	CouponCode      string                 `json:"coupon_code,omitempty"`
	Currency        string                 `json:"currency,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
	GatewayOrderID  string                 `json:"gateway_order_id,omitempty"`
}

// CreateOrderResult carries the orders of the attempt. IsDuplicate is set
// when the idempotency key had been seen before; the orders are then the
// ones created the first time.
type CreateOrderResult struct {
	Orders      []models.Order `json:"orders"`
	IsDuplicate bool           `json:"is_duplicate"`
}

// IntentRequest asks for a gateway payment intent for a checkout attempt.
type IntentRequest struct {
	IdempotencyKey string            `json:"idempotency_key" binding:"required"`
	Amount         int64             `json:"amount" binding:"required,gt=0"`
	Currency       string            `json:"currency,omitempty"`
	Notes          map[string]string `json:"notes,omitempty"`
}

// VerifyRequest is the body of a signature verification call.
type VerifyRequest struct {
	IntentID  string `json:"razorpay_order_id" binding:"required"`
	PaymentID string `json:"razorpay_payment_id" binding:"required"`
	Signature string `json:"razorpay_signature" binding:"required"`
}

// CaptureRequest marks every order of an attempt paid.
type CaptureRequest struct {
	OrderIDs     []string                   `json:"order_ids" binding:"required,min=1"`
	Confirmation models.PaymentConfirmation `json:"confirmation"`
}

// API is the order service as seen by checkout.
type API interface {
	Quote(ctx context.Context, req *QuoteRequest) (*pricing.Quote, error)
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResult, error)
	GetGatewayKey(ctx context.Context) (string, error)
	CreateGatewayIntent(ctx context.Context, req *IntentRequest) (*models.PaymentIntent, error)
	VerifyPayment(ctx context.Context, intentID, paymentID, signature string) (bool, error)
	CaptureAndMarkPaid(ctx context.Context, orderIDs []string, conf models.PaymentConfirmation) error
	MarkPaymentFailed(ctx context.Context, orderIDs []string, reason string) error
}
