// Package export renders withdrawal requests for offline payout processing.
package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"marketplace-service/internal/models"
	"marketplace-service/internal/pricing"
)

// Header is the first row of a withdrawal export.
var Header = []string{
	"Seller", "Email", "Amount", "Method", "Status", "Created At",
	"Account Number", "IFSC", "Holder Name", "Bank Name", "UPI", "Wallet Number",
}

// Row renders one withdrawal. Amounts are major units.
func Row(w models.WithdrawalRequest) []string {
	d := w.PaymentDetails
	return []string{
		w.SellerName,
		w.SellerEmail,
		pricing.FromMinor(w.Amount).StringFixed(pricing.MinorExponent),
		w.PaymentMethod,
		w.Status,
		w.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		d.AccountNumber,
		d.IFSC,
		d.HolderName,
		d.BankName,
		d.UPIID,
		d.WalletNumber,
	}
}

// WriteWithdrawals writes the header and one row per request. Fields with
// commas, quotes or line breaks are quoted and embedded quotes doubled.
func WriteWithdrawals(out io.Writer, requests []models.WithdrawalRequest) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range requests {
		if err := cw.Write(Row(r)); err != nil {
			return fmt.Errorf("failed to write withdrawal %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
