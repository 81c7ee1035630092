package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/wallet"

	"github.com/jmoiron/sqlx"
)

// CreateWithdrawal inserts a new request.
func (s *Store) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO withdrawal_requests (id, seller_id, seller_name, seller_email, amount, payment_method,
			payment_details, status, admin_notes, rejection_reason, transaction_id, created_at, updated_at)
		VALUES (:id, :seller_id, :seller_name, :seller_email, :amount, :payment_method,
			:payment_details, :status, :admin_notes, :rejection_reason, :transaction_id, :created_at, :updated_at)`, w)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

// GetWithdrawal returns a request by id.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return getWithdrawal(ctx, s.db, id, false)
}

type getter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func getWithdrawal(ctx context.Context, q getter, id string, lock bool) (*models.WithdrawalRequest, error) {
	query := "SELECT * FROM withdrawal_requests WHERE id = $1"
	if lock {
		query += " FOR UPDATE"
	}
	var w models.WithdrawalRequest
	err := q.GetContext(ctx, &w, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func saveWithdrawal(ctx context.Context, tx *sqlx.Tx, w *models.WithdrawalRequest) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE withdrawal_requests SET status = :status, admin_notes = :admin_notes,
			rejection_reason = :rejection_reason, transaction_id = :transaction_id, updated_at = :updated_at
		WHERE id = :id`, w)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWithdrawal locks a request, applies fn and saves it.
func (s *Store) UpdateWithdrawal(ctx context.Context, id string, fn func(*models.WithdrawalRequest) error) (*models.WithdrawalRequest, error) {
	var out *models.WithdrawalRequest
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		w, err := getWithdrawal(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		out = w
		return saveWithdrawal(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteWithdrawal debits the seller's wallet and marks the request
// processed in one transaction. A failed debit leaves the request approved.
func (s *Store) CompleteWithdrawal(ctx context.Context, id, transactionID string) (*models.WithdrawalRequest, *models.WalletTransaction, error) {
	var (
		out   *models.WithdrawalRequest
		entry *models.WalletTransaction
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		w, err := getWithdrawal(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := wallet.CheckProcess(w, transactionID); err != nil {
			return err
		}
		entry, _, err = applyEntryTx(ctx, tx, w.SellerID, wallet.PayoutEntry(w, transactionID))
		if err != nil {
			return err
		}
		if err := wallet.Process(w, transactionID); err != nil {
			return err
		}
		out = w
		return saveWithdrawal(ctx, tx, w)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, entry, nil
}

// ListWithdrawals pages requests, newest first, optionally by status.
func (s *Store) ListWithdrawals(ctx context.Context, status string, page, limit int) (*models.Page[models.WithdrawalRequest], error) {
	page, limit = models.Normalize(page, limit)

	where, args := "", []interface{}{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM withdrawal_requests"+where, args...); err != nil {
		return nil, fmt.Errorf("failed to count withdrawals: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf("SELECT * FROM withdrawal_requests%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))
	items := []models.WithdrawalRequest{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return &models.Page[models.WithdrawalRequest]{Items: items, Page: page, Limit: limit, Total: total}, nil
}
