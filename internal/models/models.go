package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

// Payment statuses
const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

// Payment methods
const (
	PaymentMethodRazorpay = "razorpay"
	PaymentMethodCOD      = "cod"
)

// Wallet transaction types
const (
	TransactionTypeCredit = "credit"
	TransactionTypeDebit  = "debit"
)

// Withdrawal statuses
const (
	WithdrawalStatusPending   = "pending"
	WithdrawalStatusApproved  = "approved"
	WithdrawalStatusRejected  = "rejected"
	WithdrawalStatusProcessed = "processed"
)

// Withdrawal payout methods
const (
	PayoutMethodBank   = "bank"
	PayoutMethodUPI    = "upi"
	PayoutMethodWallet = "wallet"
)

// IsGatewayMethod reports whether payment is collected through the gateway
// handshake before fulfilment.
func IsGatewayMethod(method string) bool {
	return method != "" && method != PaymentMethodCOD
}

// ShippingAddress is stored with every order of an attempt.
type ShippingAddress struct {
	Name       string `json:"name" validate:"required"`
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state" validate:"required"`
	PostalCode string `json:"postal_code" validate:"required"`
	Phone      string `json:"phone" validate:"required"`
	Country    string `json:"country,omitempty"`
	Email      string `json:"email,omitempty"`
}

func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *ShippingAddress) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// Order is the per-seller order created for one checkout attempt.
type Order struct {
	ID               string          `db:"id" json:"id"`
	SellerID         string          `db:"seller_id" json:"seller_id"`
	UserID           string          `db:"user_id" json:"user_id"`
	IdempotencyKey   string          `db:"idempotency_key" json:"idempotency_key"`
	Position         int             `db:"position" json:"position"`
	Status           string          `db:"status" json:"status"`
	PaymentStatus    string          `db:"payment_status" json:"payment_status"`
	PaymentMethod    string          `db:"payment_method" json:"payment_method"`
	Currency         string          `db:"currency" json:"currency"`
	Subtotal         int64           `db:"subtotal" json:"subtotal"`
	Discount         int64           `db:"discount" json:"discount"`
	TotalPrice       int64           `db:"total_price" json:"total_price"`
	CouponCode       string          `db:"coupon_code" json:"coupon_code,omitempty"`
	GatewayOrderID   string          `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	GatewayPaymentID string          `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	CancelReason     string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	ShippingAddress  ShippingAddress `db:"shipping_address" json:"shipping_address"`
	Items            []OrderItem     `db:"-" json:"items"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is one cart line frozen into an order.
type OrderItem struct {
	ID              int64  `db:"id" json:"id"`
	OrderID         string `db:"order_id" json:"order_id"`
	ProductID       string `db:"product_id" json:"product_id"`
	SellerListingID string `db:"seller_listing_id" json:"seller_listing_id"`
	Quantity        int    `db:"quantity" json:"quantity"`
	UnitPrice       int64  `db:"unit_price" json:"unit_price"`
}

// OrderIDs returns the ids of orders in their given order.
func OrderIDs(orders []Order) []string {
	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	return ids
}

// OrderFilter narrows GetOrders.
type OrderFilter struct {
	UserID        string
	SellerID      string
	Status        string
	PaymentStatus string
	Page          int
	Limit         int
}

// PaymentIntent is the gateway's record of an expected charge.
type PaymentIntent struct {
	ID             string    `db:"id" json:"intent_id"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	Amount         int64     `db:"amount" json:"amount"`
	Currency       string    `db:"currency" json:"currency"`
	Notes          Notes     `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Notes are free-form gateway notes.
type Notes map[string]string

func (n Notes) Value() (driver.Value, error) {
	if n == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(n)
}

func (n *Notes) Scan(src interface{}) error {
	return scanJSON(src, n)
}

// PaymentConfirmation is produced by the gateway's client callback and must
// be verified before it is trusted.
type PaymentConfirmation struct {
	GatewayOrderID   string `json:"razorpay_order_id" binding:"required"`
	GatewayPaymentID string `json:"razorpay_payment_id" binding:"required"`
	Signature        string `json:"razorpay_signature" binding:"required"`
}

// WalletAccount is a seller's running balance.
type WalletAccount struct {
	ID             string    `db:"id" json:"id"`
	SellerID       string    `db:"seller_id" json:"seller_id"`
	Balance        int64     `db:"balance" json:"balance"`
	TotalEarnings  int64     `db:"total_earnings" json:"total_earnings"`
	TotalWithdrawn int64     `db:"total_withdrawn" json:"total_withdrawn"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// WalletTransaction is one append-only ledger entry.
type WalletTransaction struct {
	ID               string    `db:"id" json:"id"`
	WalletID         string    `db:"wallet_id" json:"wallet_id"`
	Type             string    `db:"type" json:"type"`
	Amount           int64     `db:"amount" json:"amount"`
	ResultingBalance int64     `db:"resulting_balance" json:"resulting_balance"`
	Reference        string    `db:"reference" json:"reference"`
	Description      string    `db:"description" json:"description"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	// Seq orders entries within a wallet by insertion.
	Seq int64 `db:"seq" json:"-"`
}

// WalletOverview aggregates all seller wallets for administrators.
type WalletOverview struct {
	Wallets            int   `db:"wallets" json:"wallets"`
	TotalBalance       int64 `db:"total_balance" json:"total_balance"`
	TotalEarnings      int64 `db:"total_earnings" json:"total_earnings"`
	TotalWithdrawn     int64 `db:"total_withdrawn" json:"total_withdrawn"`
	PendingWithdrawals int64 `db:"pending_withdrawals" json:"pending_withdrawals"`
	PendingAmount      int64 `db:"pending_amount" json:"pending_amount"`
}

// PaymentDetails carries the payout destination of a withdrawal.
type PaymentDetails struct {
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	HolderName    string `json:"holder_name,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	UPIID         string `json:"upi_id,omitempty"`
	WalletNumber  string `json:"wallet_number,omitempty"`
}

func (d PaymentDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *PaymentDetails) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// WithdrawalRequest is a seller's payout request moderated by an admin.
type WithdrawalRequest struct {
	ID              string         `db:"id" json:"id"`
	SellerID        string         `db:"seller_id" json:"seller_id"`
	SellerName      string         `db:"seller_name" json:"seller_name"`
	SellerEmail     string         `db:"seller_email" json:"seller_email"`
	Amount          int64          `db:"amount" json:"amount"`
	PaymentMethod   string         `db:"payment_method" json:"payment_method"`
	PaymentDetails  PaymentDetails `db:"payment_details" json:"payment_details"`
	Status          string         `db:"status" json:"status"`
	AdminNotes      string         `db:"admin_notes" json:"admin_notes,omitempty"`
	RejectionReason string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	TransactionID   string         `db:"transaction_id" json:"transaction_id,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Page is a paginated slice of results.
type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// Normalize clamps page and limit to sane values.
func Normalize(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
