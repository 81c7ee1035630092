package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"marketplace-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteWithdrawals(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	reqs := []models.WithdrawalRequest{
		{
			ID:            "w1",
			SellerName:    `Asha "Handlooms", Jaipur`,
			SellerEmail:   "asha@example.com",
			Amount:        150050,
			PaymentMethod: models.PayoutMethodBank,
			Status:        models.WithdrawalStatusApproved,
			CreatedAt:     created,
			PaymentDetails: models.PaymentDetails{
				AccountNumber: "001234567890",
				IFSC:          "HDFC0000123",
				HolderName:    "Asha Devi",
				BankName:      "HDFC",
			},
		},
		{
			ID:             "w2",
			SellerName:     "Ravi",
			SellerEmail:    "ravi@example.com",
			Amount:         2500,
			PaymentMethod:  models.PayoutMethodUPI,
			Status:         models.WithdrawalStatusPending,
			CreatedAt:      created,
			PaymentDetails: models.PaymentDetails{UPIID: "ravi@upi"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteWithdrawals(&buf, reqs))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "Seller,Email,Amount,Method,Status,Created At,Account Number,IFSC,Holder Name,Bank Name,UPI,Wallet Number", string(lines[0]))
	assert.Contains(t, string(lines[1]), `"Asha ""Handlooms"", Jaipur"`)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, `Asha "Handlooms", Jaipur`, records[1][0])
	assert.Equal(t, "1500.50", records[1][2])
	assert.Equal(t, "2024-03-01 09:30:00", records[1][5])
	assert.Equal(t, "ravi@upi", records[2][10])
	assert.Equal(t, "25.00", records[2][2])
}

func TestWriteWithdrawalsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteWithdrawals(&buf, nil))
	assert.Equal(t, "Seller,Email,Amount,Method,Status,Created At,Account Number,IFSC,Holder Name,Bank Name,UPI,Wallet Number\n", buf.String())
}
