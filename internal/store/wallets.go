package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/wallet"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// GetWallet returns a seller's wallet.
func (s *Store) GetWallet(ctx context.Context, sellerID string) (*models.WalletAccount, error) {
	var w models.WalletAccount
	err := s.db.GetContext(ctx, &w, "SELECT * FROM wallets WHERE seller_id = $1", sellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet of %s: %w", sellerID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ApplyEntry appends e to the seller's ledger under a row lock.
func (s *Store) ApplyEntry(ctx context.Context, sellerID string, e wallet.Entry) (*models.WalletTransaction, bool, error) {
	var (
		out     *models.WalletTransaction
		applied bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, applied, err = applyEntryTx(ctx, tx, sellerID, e)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// applyEntryTx locks the wallet (creating it on first use), skips entries
// already in the ledger and otherwise appends e and updates the totals.
func applyEntryTx(ctx context.Context, tx *sqlx.Tx, sellerID string, e wallet.Entry) (*models.WalletTransaction, bool, error) {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, seller_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (seller_id) DO NOTHING`, uuid.New().String(), sellerID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create wallet: %w", err)
	}

	var acct models.WalletAccount
	if err := tx.GetContext(ctx, &acct, "SELECT * FROM wallets WHERE seller_id = $1 FOR UPDATE", sellerID); err != nil {
		return nil, false, fmt.Errorf("failed to lock wallet: %w", err)
	}

	var existing models.WalletTransaction
	err = tx.GetContext(ctx, &existing,
		"SELECT * FROM wallet_transactions WHERE wallet_id = $1 AND type = $2 AND reference = $3",
		acct.ID, e.Type, e.Reference)
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check ledger: %w", err)
	}

	entry, err := wallet.Apply(&acct, e)
	if err != nil {
		return nil, false, err
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, resulting_balance, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		entry.ID, entry.WalletID, entry.Type, entry.Amount, entry.ResultingBalance,
		entry.Reference, entry.Description, entry.CreatedAt).Scan(&entry.Seq)
	if err != nil {
		return nil, false, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE wallets SET balance = :balance, total_earnings = :total_earnings,
			total_withdrawn = :total_withdrawn, updated_at = :updated_at
		WHERE id = :id`, &acct)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update wallet: %w", err)
	}
	return entry, true, nil
}

// Ledger returns a seller's transactions, oldest first.
func (s *Store) Ledger(ctx context.Context, sellerID string) ([]models.WalletTransaction, error) {
	var txs []models.WalletTransaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT t.* FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.seller_id = $1
		ORDER BY t.seq`, sellerID)
	return txs, err
}

// ListTransactions pages a seller's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, sellerID string, page, limit int) (*models.Page[models.WalletTransaction], error) {
	page, limit = models.Normalize(page, limit)

	var total int
	err := s.db.GetContext(ctx, &total, `
		SELECT COUNT(*) FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.seller_id = $1`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	txs := []models.WalletTransaction{}
	err = s.db.SelectContext(ctx, &txs, `
		SELECT t.* FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.seller_id = $1
		ORDER BY t.seq DESC
		LIMIT $2 OFFSET $3`, sellerID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return &models.Page[models.WalletTransaction]{Items: txs, Page: page, Limit: limit, Total: total}, nil
}

// ListWallets pages wallets by total earnings.
func (s *Store) ListWallets(ctx context.Context, page, limit int) (*models.Page[models.WalletAccount], error) {
	page, limit = models.Normalize(page, limit)

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM wallets"); err != nil {
		return nil, fmt.Errorf("failed to count wallets: %w", err)
	}
	wallets := []models.WalletAccount{}
	err := s.db.SelectContext(ctx, &wallets,
		"SELECT * FROM wallets ORDER BY total_earnings DESC, seller_id LIMIT $1 OFFSET $2",
		limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return &models.Page[models.WalletAccount]{Items: wallets, Page: page, Limit: limit, Total: total}, nil
}

// WalletOverview aggregates wallets and pending withdrawals.
func (s *Store) WalletOverview(ctx context.Context) (*models.WalletOverview, error) {
	var ov models.WalletOverview
	err := s.db.GetContext(ctx, &ov, `
		SELECT COUNT(*) AS wallets,
			COALESCE(SUM(balance), 0) AS total_balance,
			COALESCE(SUM(total_earnings), 0) AS total_earnings,
			COALESCE(SUM(total_withdrawn), 0) AS total_withdrawn,
			(SELECT COUNT(*) FROM withdrawal_requests WHERE status = 'pending') AS pending_withdrawals,
			(SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests WHERE status = 'pending') AS pending_amount
		FROM wallets`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate wallets: %w", err)
	}
	return &ov, nil
}
