package service

import (
	"context"

	"marketplace-service/internal/models"
	"marketplace-service/internal/wallet"
)

// OrderRepository persists orders. CreateOrders is all-or-nothing and fails
// with apperr.ErrDuplicateKey when the idempotency key already has orders.
// UpdateOrders locks the rows, applies fn and writes them back atomically; an
// error from fn aborts the whole update.
type OrderRepository interface {
	CreateOrders(ctx context.Context, orders []*models.Order) error
	GetOrdersByIdempotencyKey(ctx context.Context, key string) ([]models.Order, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrdersByIDs(ctx context.Context, ids []string) ([]models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) (*models.Page[models.Order], error)
	UpdateOrders(ctx context.Context, ids []string, fn func([]*models.Order) error) ([]models.Order, error)
}

// IntentRepository persists gateway intents. SaveIntent returns the stored
// intent, which is the earlier one if the key was already used.
type IntentRepository interface {
	SaveIntent(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error)
	GetIntentByKey(ctx context.Context, key string) (*models.PaymentIntent, error)
	GetIntentByID(ctx context.Context, id string) (*models.PaymentIntent, error)
}

// WalletRepository persists seller wallets. ApplyEntry locks the wallet,
// creating it on first use, and appends e unless an entry with the same type
// and reference exists; applied reports whether it was appended.
type WalletRepository interface {
	GetWallet(ctx context.Context, sellerID string) (*models.WalletAccount, error)
	ApplyEntry(ctx context.Context, sellerID string, e wallet.Entry) (tx *models.WalletTransaction, applied bool, err error)
	ListTransactions(ctx context.Context, sellerID string, page, limit int) (*models.Page[models.WalletTransaction], error)
	Ledger(ctx context.Context, sellerID string) ([]models.WalletTransaction, error)
	ListWallets(ctx context.Context, page, limit int) (*models.Page[models.WalletAccount], error)
	WalletOverview(ctx context.Context) (*models.WalletOverview, error)
}

// WithdrawalRepository persists withdrawal requests. CompleteWithdrawal
// debits the wallet and marks the request processed in one unit of work.
type WithdrawalRepository interface {
	CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, id string, fn func(*models.WithdrawalRequest) error) (*models.WithdrawalRequest, error)
	CompleteWithdrawal(ctx context.Context, id, transactionID string) (*models.WithdrawalRequest, *models.WalletTransaction, error)
	ListWithdrawals(ctx context.Context, status string, page, limit int) (*models.Page[models.WithdrawalRequest], error)
}

// EventRepository records handled events.
type EventRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Repository is everything the services persist. store.Store and
// memstore.Store implement it.
type Repository interface {
	OrderRepository
	IntentRepository
	WalletRepository
	WithdrawalRepository
	EventRepository
}
