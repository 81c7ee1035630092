// Package wallet holds the seller ledger rules and the withdrawal state
// machine. Persistence layers lock the wallet row and call into this package;
// nothing here does I/O.
package wallet

import (
	"fmt"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"

	"github.com/google/uuid"
)

// Entry is a ledger operation waiting to be applied. Reference is the order
// id for credits and the withdrawal id for debits.
type Entry struct {
	Type        string
	Amount      int64
	Reference   string
	Description string
}

// Credit builds a settlement credit for an order.
func Credit(orderID string, amount int64, description string) Entry {
	return Entry{Type: models.TransactionTypeCredit, Amount: amount, Reference: orderID, Description: description}
}

// Debit builds a payout debit for a withdrawal request.
func Debit(withdrawalID string, amount int64, description string) Entry {
	return Entry{Type: models.TransactionTypeDebit, Amount: amount, Reference: withdrawalID, Description: description}
}

// Apply mutates acct by e and returns the transaction to append. On error
// acct is left unchanged.
func Apply(acct *models.WalletAccount, e Entry) (*models.WalletTransaction, error) {
	if e.Amount <= 0 {
		return nil, fmt.Errorf("%w: ledger amount must be positive, got %d", apperr.ErrInvalidAmount, e.Amount)
	}

	switch e.Type {
	case models.TransactionTypeCredit:
		acct.TotalEarnings += e.Amount
		acct.Balance += e.Amount
	case models.TransactionTypeDebit:
		if e.Amount > acct.Balance {
			return nil, fmt.Errorf("%w: balance %d, requested %d", apperr.ErrInsufficientBalance, acct.Balance, e.Amount)
		}
		acct.TotalWithdrawn += e.Amount
		acct.Balance -= e.Amount
	default:
		return nil, fmt.Errorf("unknown ledger entry type %q", e.Type)
	}

	now := time.Now().UTC()
	acct.UpdatedAt = now
	return &models.WalletTransaction{
		ID:               uuid.NewString(),
		WalletID:         acct.ID,
		Type:             e.Type,
		Amount:           e.Amount,
		ResultingBalance: acct.Balance,
		Reference:        e.Reference,
		Description:      e.Description,
		CreatedAt:        now,
	}, nil
}

// Replay folds a transaction log into a fresh account.
func Replay(walletID, sellerID string, txs []models.WalletTransaction) (*models.WalletAccount, error) {
	acct := &models.WalletAccount{ID: walletID, SellerID: sellerID}
	for i, tx := range txs {
		if _, err := Apply(acct, Entry{Type: tx.Type, Amount: tx.Amount, Reference: tx.Reference}); err != nil {
			return nil, fmt.Errorf("replay entry %d (%s): %w", i, tx.ID, err)
		}
		if acct.Balance != tx.ResultingBalance {
			return nil, fmt.Errorf("replay entry %d (%s): resulting balance %d, recorded %d", i, tx.ID, acct.Balance, tx.ResultingBalance)
		}
	}
	return acct, nil
}

// Verify checks the account invariants and that the stored totals match the
// log.
func Verify(acct models.WalletAccount, txs []models.WalletTransaction) error {
	if acct.Balance < 0 {
		return fmt.Errorf("wallet %s: negative balance %d", acct.ID, acct.Balance)
	}
	if acct.Balance != acct.TotalEarnings-acct.TotalWithdrawn {
		return fmt.Errorf("wallet %s: balance %d != earnings %d - withdrawn %d",
			acct.ID, acct.Balance, acct.TotalEarnings, acct.TotalWithdrawn)
	}
	replayed, err := Replay(acct.ID, acct.SellerID, txs)
	if err != nil {
		return err
	}
	if replayed.Balance != acct.Balance || replayed.TotalEarnings != acct.TotalEarnings || replayed.TotalWithdrawn != acct.TotalWithdrawn {
		return fmt.Errorf("wallet %s: stored totals diverge from ledger", acct.ID)
	}
	return nil
}
