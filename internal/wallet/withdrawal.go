package wallet

import (
	"fmt"
	"strings"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
)

// ValidateFiling checks a new withdrawal against the balance at filing time.
// The balance is checked again, authoritatively, when the payout is debited.
func ValidateFiling(w *models.WithdrawalRequest, balance int64) error {
	if w.Amount <= 0 {
		return fmt.Errorf("%w: withdrawal amount must be positive", apperr.ErrInvalidAmount)
	}
	if w.Amount > balance {
		return fmt.Errorf("%w: balance %d, requested %d", apperr.ErrInsufficientBalance, balance, w.Amount)
	}

	d := w.PaymentDetails
	var missing []string
	switch w.PaymentMethod {
	case models.PayoutMethodBank:
		if d.AccountNumber == "" {
			missing = append(missing, "account_number")
		}
		if d.IFSC == "" {
			missing = append(missing, "ifsc")
		}
		if d.HolderName == "" {
			missing = append(missing, "holder_name")
		}
	case models.PayoutMethodUPI:
		if d.UPIID == "" {
			missing = append(missing, "upi_id")
		}
	case models.PayoutMethodWallet:
		if d.WalletNumber == "" {
			missing = append(missing, "wallet_number")
		}
	default:
		return fmt.Errorf("%w: unknown payout method %q", apperr.ErrNoPaymentMethod, w.PaymentMethod)
	}
	if len(missing) > 0 {
		return &apperr.MissingFieldsError{Fields: missing, Err: apperr.ErrIncompletePayoutInfo}
	}
	return nil
}

// Approve moves a pending request to approved. No money moves.
func Approve(w *models.WithdrawalRequest, notes string) error {
	if w.Status != models.WithdrawalStatusPending {
		return &apperr.TransitionError{Entity: "withdrawal", From: w.Status, To: models.WithdrawalStatusApproved}
	}
	w.Status = models.WithdrawalStatusApproved
	w.AdminNotes = strings.TrimSpace(notes)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// Reject moves a pending request to rejected. A reason is mandatory.
func Reject(w *models.WithdrawalRequest, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperr.ErrReasonRequired
	}
	if w.Status != models.WithdrawalStatusPending {
		return &apperr.TransitionError{Entity: "withdrawal", From: w.Status, To: models.WithdrawalStatusRejected}
	}
	w.Status = models.WithdrawalStatusRejected
	w.RejectionReason = reason
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// CheckProcess validates approved -> processed without mutating w, so the
// caller can debit first and only then call Process.
func CheckProcess(w *models.WithdrawalRequest, transactionID string) error {
	if strings.TrimSpace(transactionID) == "" {
		return apperr.ErrTransactionIDRequired
	}
	if w.Status != models.WithdrawalStatusApproved {
		return &apperr.TransitionError{Entity: "withdrawal", From: w.Status, To: models.WithdrawalStatusProcessed}
	}
	return nil
}

// Process marks an approved request processed. Callers must have debited the
// wallet in the same unit of work.
func Process(w *models.WithdrawalRequest, transactionID string) error {
	if err := CheckProcess(w, transactionID); err != nil {
		return err
	}
	w.Status = models.WithdrawalStatusProcessed
	w.TransactionID = strings.TrimSpace(transactionID)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// PayoutEntry is the ledger debit that pays out w.
func PayoutEntry(w *models.WithdrawalRequest, transactionID string) Entry {
	return Debit(w.ID, w.Amount, fmt.Sprintf("Withdrawal %s via %s (ref %s)", w.ID, w.PaymentMethod, strings.TrimSpace(transactionID)))
}
