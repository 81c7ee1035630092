package models

import "time"

// Event types
const (
	EventTypeOrdersCreated       = "ORDERS_CREATED"
	EventTypeOrderPaid           = "ORDER_PAID"
	EventTypeOrderCancelled      = "ORDER_CANCELLED"
	EventTypeOrderStatusChanged  = "ORDER_STATUS_CHANGED"
	EventTypePaymentFailed       = "PAYMENT_FAILED"
	EventTypeWalletCredited      = "WALLET_CREDITED"
	EventTypeWithdrawalFiled     = "WITHDRAWAL_FILED"
	EventTypeWithdrawalProcessed = "WITHDRAWAL_PROCESSED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrdersCreatedEvent published once per checkout attempt
type OrdersCreatedEvent struct {
	BaseEvent
	IdempotencyKey string   `json:"idempotency_key"`
	UserID         string   `json:"user_id"`
	OrderIDs       []string `json:"order_ids"`
	GatewayOrderID string   `json:"gateway_order_id,omitempty"`
}

// OrderPaidEvent published for each order that reaches paymentStatus=paid
type OrderPaidEvent struct {
	BaseEvent
	OrderID          string `json:"order_id"`
	SellerID         string `json:"seller_id"`
	Amount           int64  `json:"amount"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
}

// OrderCancelledEvent published when a buyer or seller cancels
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderStatusChangedEvent published on fulfilment progress
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// PaymentFailedEvent published when verification or capture fails
type PaymentFailedEvent struct {
	BaseEvent
	OrderIDs       []string `json:"order_ids"`
	GatewayOrderID string   `json:"gateway_order_id"`
	Reason         string   `json:"reason"`
}

// WalletCreditedEvent published after a settlement credit
type WalletCreditedEvent struct {
	BaseEvent
	SellerID      string `json:"seller_id"`
	OrderID       string `json:"order_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

// WithdrawalEvent published on filing and on payout
type WithdrawalEvent struct {
	BaseEvent
	WithdrawalID  string `json:"withdrawal_id"`
	SellerID      string `json:"seller_id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
}
