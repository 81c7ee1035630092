package wallet

import (
	"testing"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var withdrawalStatuses = []string{
	models.WithdrawalStatusPending,
	models.WithdrawalStatusApproved,
	models.WithdrawalStatusRejected,
	models.WithdrawalStatusProcessed,
}

func TestWithdrawalTransitions(t *testing.T) {
	actions := map[string]func(*models.WithdrawalRequest) error{
		models.WithdrawalStatusApproved:  func(w *models.WithdrawalRequest) error { return Approve(w, "ok") },
		models.WithdrawalStatusRejected:  func(w *models.WithdrawalRequest) error { return Reject(w, "bad details") },
		models.WithdrawalStatusProcessed: func(w *models.WithdrawalRequest) error { return Process(w, "UTR123") },
	}
	legal := map[[2]string]bool{
		{models.WithdrawalStatusPending, models.WithdrawalStatusApproved}:   true,
		{models.WithdrawalStatusPending, models.WithdrawalStatusRejected}:   true,
		{models.WithdrawalStatusApproved, models.WithdrawalStatusProcessed}: true,
	}

	for _, from := range withdrawalStatuses {
		for to, act := range actions {
			from, to, act := from, to, act
			t.Run(from+"->"+to, func(t *testing.T) {
				w := &models.WithdrawalRequest{ID: "wd1", Status: from}
				err := act(w)
				if legal[[2]string{from, to}] {
					require.NoError(t, err)
					assert.Equal(t, to, w.Status)
					return
				}
				assert.ErrorIs(t, err, apperr.ErrIllegalTransition)
				assert.Equal(t, from, w.Status)
			})
		}
	}
}

func TestRejectRequiresReason(t *testing.T) {
	w := &models.WithdrawalRequest{Status: models.WithdrawalStatusPending}
	assert.ErrorIs(t, Reject(w, ""), apperr.ErrReasonRequired)
	assert.Equal(t, models.WithdrawalStatusPending, w.Status)
}

func TestProcessRequiresTransactionID(t *testing.T) {
	w := &models.WithdrawalRequest{Status: models.WithdrawalStatusApproved}
	assert.ErrorIs(t, Process(w, "  "), apperr.ErrTransactionIDRequired)
	assert.Equal(t, models.WithdrawalStatusApproved, w.Status)

	require.NoError(t, Process(w, " UTR9 "))
	assert.Equal(t, "UTR9", w.TransactionID)
}

func TestValidateFiling(t *testing.T) {
	bank := models.PaymentDetails{AccountNumber: "001", IFSC: "HDFC0001", HolderName: "S"}

	tests := []struct {
		name    string
		w       models.WithdrawalRequest
		balance int64
		wantErr error
	}{
		{"ok bank", models.WithdrawalRequest{Amount: 500, PaymentMethod: "bank", PaymentDetails: bank}, 500, nil},
		{"ok upi", models.WithdrawalRequest{Amount: 1, PaymentMethod: "upi", PaymentDetails: models.PaymentDetails{UPIID: "s@upi"}}, 10, nil},
		{"over balance", models.WithdrawalRequest{Amount: 501, PaymentMethod: "bank", PaymentDetails: bank}, 500, apperr.ErrInsufficientBalance},
		{"zero", models.WithdrawalRequest{Amount: 0, PaymentMethod: "bank", PaymentDetails: bank}, 500, apperr.ErrInvalidAmount},
		{"missing ifsc", models.WithdrawalRequest{Amount: 5, PaymentMethod: "bank", PaymentDetails: models.PaymentDetails{AccountNumber: "1", HolderName: "S"}}, 500, apperr.ErrIncompletePayoutInfo},
		{"unknown method", models.WithdrawalRequest{Amount: 5, PaymentMethod: "cheque"}, 500, apperr.ErrNoPaymentMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.w
			err := ValidateFiling(&w, tt.balance)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
