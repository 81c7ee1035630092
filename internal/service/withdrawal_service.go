package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/export"
	"marketplace-service/internal/models"
	"marketplace-service/internal/util"
	"marketplace-service/internal/wallet"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FileWithdrawalRequest is a seller's payout request.
type FileWithdrawalRequest struct {
	SellerID       string                `json:"-"`
	SellerName     string                `json:"seller_name"`
	SellerEmail    string                `json:"seller_email"`
	Amount         int64                 `json:"amount" binding:"required"`
	PaymentMethod  string                `json:"payment_method" binding:"required,oneof=bank upi wallet"`
	PaymentDetails models.PaymentDetails `json:"payment_details"`
}

// BulkResult is the outcome of one request in a bulk action.
type BulkResult struct {
	ID      string `json:"id"`
	Status  string `json:"status,omitempty"`
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// WithdrawalService moderates seller payouts.
type WithdrawalService struct {
	withdrawals     WithdrawalRepository
	wallets         WalletRepository
	eventPublisher  *broker.EventPublisher
	bulkConcurrency int
	logger          *zap.Logger
}

// NewWithdrawalService creates a new withdrawal service
func NewWithdrawalService(withdrawals WithdrawalRepository, wallets WalletRepository, eventPublisher *broker.EventPublisher, bulkConcurrency int) *WithdrawalService {
	if bulkConcurrency < 1 {
		bulkConcurrency = 4
	}
	return &WithdrawalService{
		withdrawals:     withdrawals,
		wallets:         wallets,
		eventPublisher:  eventPublisher,
		bulkConcurrency: bulkConcurrency,
		logger:          util.GetLogger(),
	}
}

// File records a pending withdrawal. The amount must not exceed the balance
// at filing time.
func (s *WithdrawalService) File(ctx context.Context, req *FileWithdrawalRequest) (*models.WithdrawalRequest, error) {
	ctx, span := util.StartSpan(ctx, "WithdrawalService.File", attribute.String("seller_id", req.SellerID))
	defer span.End()

	var balance int64
	acct, err := s.wallets.GetWallet(ctx, req.SellerID)
	switch {
	case err == nil:
		balance = acct.Balance
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	now := time.Now().UTC()
	w := &models.WithdrawalRequest{
		ID:             uuid.New().String(),
		SellerID:       req.SellerID,
		SellerName:     strings.TrimSpace(req.SellerName),
		SellerEmail:    strings.TrimSpace(req.SellerEmail),
		Amount:         req.Amount,
		PaymentMethod:  req.PaymentMethod,
		PaymentDetails: req.PaymentDetails,
		Status:         models.WithdrawalStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := wallet.ValidateFiling(w, balance); err != nil {
		util.WithdrawalTransitionsTotal.WithLabelValues(models.WithdrawalStatusPending, apperr.Kind(err)).Inc()
		return nil, err
	}

	if err := s.withdrawals.CreateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create withdrawal: %w", err)
	}

	util.WithdrawalTransitionsTotal.WithLabelValues(models.WithdrawalStatusPending, "ok").Inc()
	s.logger.Info("Withdrawal filed",
		zap.String("withdrawal_id", w.ID),
		zap.String("seller_id", w.SellerID),
		zap.Int64("amount", w.Amount))
	s.publish(ctx, models.EventTypeWithdrawalFiled, w)
	return w, nil
}

// Approve moves a pending request to approved.
func (s *WithdrawalService) Approve(ctx context.Context, id, notes string) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, models.WithdrawalStatusApproved, func(w *models.WithdrawalRequest) error {
		return wallet.Approve(w, notes)
	})
}

// Reject moves a pending request to rejected with a reason.
func (s *WithdrawalService) Reject(ctx context.Context, id, reason string) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, models.WithdrawalStatusRejected, func(w *models.WithdrawalRequest) error {
		return wallet.Reject(w, reason)
	})
}

func (s *WithdrawalService) transition(ctx context.Context, id, to string, fn func(*models.WithdrawalRequest) error) (*models.WithdrawalRequest, error) {
	ctx, span := util.StartSpan(ctx, "WithdrawalService.Transition",
		attribute.String("withdrawal_id", id),
		attribute.String("to", to))
	defer span.End()

	w, err := s.withdrawals.UpdateWithdrawal(ctx, id, fn)
	if err != nil {
		util.WithdrawalTransitionsTotal.WithLabelValues(to, apperr.Kind(err)).Inc()
		return nil, err
	}
	util.WithdrawalTransitionsTotal.WithLabelValues(to, "ok").Inc()
	s.logger.Info("Withdrawal updated",
		zap.String("withdrawal_id", w.ID),
		zap.String("status", w.Status))
	return w, nil
}

// Process debits the wallet and marks an approved request processed in one
// unit of work. If the debit fails the request stays approved.
func (s *WithdrawalService) Process(ctx context.Context, id, transactionID string) (*models.WithdrawalRequest, error) {
	ctx, span := util.StartSpan(ctx, "WithdrawalService.Process", attribute.String("withdrawal_id", id))
	defer span.End()

	if strings.TrimSpace(transactionID) == "" {
		util.WithdrawalTransitionsTotal.WithLabelValues(models.WithdrawalStatusProcessed, "transaction_id_required").Inc()
		return nil, apperr.ErrTransactionIDRequired
	}

	w, tx, err := s.withdrawals.CompleteWithdrawal(ctx, id, transactionID)
	if err != nil {
		util.RecordError(span, err)
		util.WithdrawalTransitionsTotal.WithLabelValues(models.WithdrawalStatusProcessed, apperr.Kind(err)).Inc()
		s.logger.Warn("Withdrawal not processed",
			zap.String("withdrawal_id", id),
			zap.Error(err))
		return nil, err
	}

	util.WithdrawalTransitionsTotal.WithLabelValues(models.WithdrawalStatusProcessed, "ok").Inc()
	util.WalletEntriesTotal.WithLabelValues(models.TransactionTypeDebit).Inc()
	s.logger.Info("Withdrawal processed",
		zap.String("withdrawal_id", w.ID),
		zap.String("seller_id", w.SellerID),
		zap.Int64("amount", tx.Amount),
		zap.Int64("balance", tx.ResultingBalance))
	s.publish(ctx, models.EventTypeWithdrawalProcessed, w)
	return w, nil
}

// BulkApprove approves every pending request in ids. Requests that are not
// pending are skipped.
func (s *WithdrawalService) BulkApprove(ctx context.Context, ids []string, notes string) ([]BulkResult, error) {
	return s.bulk(ctx, ids, func(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
		return s.Approve(ctx, id, notes)
	})
}

// BulkReject rejects every pending request in ids with one reason.
func (s *WithdrawalService) BulkReject(ctx context.Context, ids []string, reason string) ([]BulkResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.ErrReasonRequired
	}
	return s.bulk(ctx, ids, func(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
		return s.Reject(ctx, id, reason)
	})
}

func (s *WithdrawalService) bulk(ctx context.Context, ids []string, action func(context.Context, string) (*models.WithdrawalRequest, error)) ([]BulkResult, error) {
	results := make([]BulkResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkConcurrency)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i].ID = id
			w, err := s.withdrawals.GetWithdrawal(gctx, id)
			if err != nil {
				results[i].Error = apperr.Message(err)
				return nil
			}
			if w.Status != models.WithdrawalStatusPending {
				results[i].Status = w.Status
				results[i].Skipped = true
				return nil
			}
			w, err = action(gctx, id)
			if err != nil {
				if apperr.Kind(err) == "illegal_transition" {
					// Moved by someone else since it was read.
					results[i].Skipped = true
				}
				results[i].Error = apperr.Message(err)
				return nil
			}
			results[i].Status = w.Status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetWithdrawals lists requests, optionally by status.
func (s *WithdrawalService) GetWithdrawals(ctx context.Context, status string, page, limit int) (*models.Page[models.WithdrawalRequest], error) {
	page, limit = models.Normalize(page, limit)
	return s.withdrawals.ListWithdrawals(ctx, status, page, limit)
}

// ExportCSV writes every request with status (all when empty) as CSV.
func (s *WithdrawalService) ExportCSV(ctx context.Context, status string, out io.Writer) error {
	var all []models.WithdrawalRequest
	for page := 1; ; page++ {
		p, err := s.withdrawals.ListWithdrawals(ctx, status, page, 100)
		if err != nil {
			return fmt.Errorf("failed to list withdrawals: %w", err)
		}
		all = append(all, p.Items...)
		if len(p.Items) < p.Limit || len(all) >= p.Total {
			break
		}
	}
	return export.WriteWithdrawals(out, all)
}

func (s *WithdrawalService) publish(ctx context.Context, eventType string, w *models.WithdrawalRequest) {
	event := &models.WithdrawalEvent{
		BaseEvent:     broker.NewBase(eventType),
		WithdrawalID:  w.ID,
		SellerID:      w.SellerID,
		Amount:        w.Amount,
		Status:        w.Status,
		TransactionID: w.TransactionID,
	}
	if err := s.eventPublisher.PublishWithdrawal(ctx, event); err != nil {
		s.logger.Error("Failed to publish withdrawal event", zap.Error(err))
	}
}
