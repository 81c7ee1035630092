package service

import (
	"context"
	"errors"
	"fmt"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/models"
	"marketplace-service/internal/util"
	"marketplace-service/internal/wallet"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// WalletService keeps the seller ledger.
type WalletService struct {
	wallets        WalletRepository
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

// NewWalletService creates a new wallet service
func NewWalletService(wallets WalletRepository, eventPublisher *broker.EventPublisher) *WalletService {
	return &WalletService{
		wallets:        wallets,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// CreditForOrder credits the seller of a paid order with its total. An order
// is credited at most once; later calls return applied=false.
func (ws *WalletService) CreditForOrder(ctx context.Context, order *models.Order) (*models.WalletTransaction, bool, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.CreditForOrder", attribute.String("order_id", order.ID))
	defer span.End()

	if order.PaymentStatus != models.PaymentStatusPaid {
		return nil, false, fmt.Errorf("%w: order %s payment is %s", apperr.ErrIllegalTransition, order.ID, order.PaymentStatus)
	}
	// The buyer of a cancelled order is owed a refund, so the seller earns
	// nothing. A credit applied before the cancellation stands.
	if order.Status == models.OrderStatusCancelled {
		ws.logger.Warn("Cancelled order not credited",
			zap.String("order_id", order.ID),
			zap.String("seller_id", order.SellerID))
		return nil, false, nil
	}
	if order.TotalPrice <= 0 {
		ws.logger.Info("Nothing to credit", zap.String("order_id", order.ID))
		return nil, false, nil
	}

	entry := wallet.Credit(order.ID, order.TotalPrice, "Payment for order "+order.ID)
	tx, applied, err := ws.wallets.ApplyEntry(ctx, order.SellerID, entry)
	if err != nil {
		util.RecordError(span, err)
		return nil, false, fmt.Errorf("failed to credit wallet: %w", err)
	}
	if !applied {
		util.WalletCreditsSkipped.Inc()
		ws.logger.Info("Order already credited", zap.String("order_id", order.ID))
		return tx, false, nil
	}

	util.WalletEntriesTotal.WithLabelValues(models.TransactionTypeCredit).Inc()
	ws.logger.Info("Wallet credited",
		zap.String("seller_id", order.SellerID),
		zap.String("order_id", order.ID),
		zap.Int64("amount", tx.Amount),
		zap.Int64("balance", tx.ResultingBalance))

	event := &models.WalletCreditedEvent{
		BaseEvent:     broker.NewBase(models.EventTypeWalletCredited),
		SellerID:      order.SellerID,
		OrderID:       order.ID,
		Amount:        tx.Amount,
		TransactionID: tx.ID,
	}
	if err := ws.eventPublisher.PublishWalletCredited(ctx, event); err != nil {
		ws.logger.Error("Failed to publish WalletCredited event", zap.Error(err))
	}
	return tx, true, nil
}

// GetWallet returns the seller's wallet; a seller without one has an empty
// wallet.
func (ws *WalletService) GetWallet(ctx context.Context, sellerID string) (*models.WalletAccount, error) {
	acct, err := ws.wallets.GetWallet(ctx, sellerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &models.WalletAccount{SellerID: sellerID}, nil
	}
	return acct, err
}

// Transactions lists a seller's ledger, newest first.
func (ws *WalletService) Transactions(ctx context.Context, sellerID string, page, limit int) (*models.Page[models.WalletTransaction], error) {
	page, limit = models.Normalize(page, limit)
	return ws.wallets.ListTransactions(ctx, sellerID, page, limit)
}

// GetWalletOverview aggregates all wallets for administrators.
func (ws *WalletService) GetWalletOverview(ctx context.Context) (*models.WalletOverview, error) {
	return ws.wallets.WalletOverview(ctx)
}

// GetSellerEarnings lists seller wallets by total earnings.
func (ws *WalletService) GetSellerEarnings(ctx context.Context, page, limit int) (*models.Page[models.WalletAccount], error) {
	page, limit = models.Normalize(page, limit)
	return ws.wallets.ListWallets(ctx, page, limit)
}

// VerifyLedger replays a seller's ledger and checks it against the stored
// totals.
func (ws *WalletService) VerifyLedger(ctx context.Context, sellerID string) error {
	acct, err := ws.wallets.GetWallet(ctx, sellerID)
	if err != nil {
		return err
	}
	txs, err := ws.wallets.Ledger(ctx, sellerID)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	return wallet.Verify(*acct, txs)
}
