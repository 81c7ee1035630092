// Package cart holds the immutable cart snapshot used by checkout and the
// partition of a cart into one order request per seller.
package cart

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/pricing"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Line is one cart entry. UnitPrice is the seller listing price in major
// units, never the catalog base price.
type Line struct {
	ProductID       string          `json:"product_id" binding:"required"`
	SellerID        string          `json:"seller_id"`
	SellerListingID string          `json:"seller_listing_id"`
	Quantity        int             `json:"quantity" binding:"required,min=1"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
}

// Snapshot is the cart as it was when the user pressed submit.
type Snapshot struct {
	UserID     string    `json:"user_id"`
	Lines      []Line    `json:"lines"`
	Currency   string    `json:"currency"`
	CapturedAt time.Time `json:"captured_at"`
}

// Subtotal sums quantity × unit price in minor units.
func (s Snapshot) Subtotal() (int64, error) {
	var total int64
	for _, l := range s.Lines {
		price, err := pricing.ToMinor(l.UnitPrice)
		if err != nil {
			return 0, fmt.Errorf("product %s: %w", l.ProductID, err)
		}
		total += price * int64(l.Quantity)
	}
	return total, nil
}

// SellerGroup is the slice of a cart that becomes one order.
type SellerGroup struct {
	SellerID string             `json:"seller_id"`
	Items    []models.OrderItem `json:"items"`
	Subtotal int64              `json:"subtotal"`
}

var (
	validateOnce sync.Once
	validate     *validatorv10.Validate
)

func addressValidator() *validatorv10.Validate {
	validateOnce.Do(func() {
		validate = validatorv10.New()
		validate.RegisterTagNameFunc(jsonName)
	})
	return validate
}

// ValidateAddress reports every missing required shipping field.
func ValidateAddress(a models.ShippingAddress) error {
	trimmed := models.ShippingAddress{
		Name:       strings.TrimSpace(a.Name),
		Street:     strings.TrimSpace(a.Street),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Phone:      strings.TrimSpace(a.Phone),
	}
	err := addressValidator().Struct(trimmed)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate address: %w", err)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fe.Field())
	}
	return &apperr.MissingFieldsError{Fields: fields}
}

// Split validates the submission and partitions its lines by seller in order
// of first appearance. It performs no I/O.
func Split(snap Snapshot, addr models.ShippingAddress, paymentMethod string) ([]SellerGroup, error) {
	if len(snap.Lines) == 0 {
		return nil, apperr.ErrEmptyCart
	}

	var unlisted []string
	for _, l := range snap.Lines {
		if strings.TrimSpace(l.SellerID) == "" || strings.TrimSpace(l.SellerListingID) == "" {
			unlisted = append(unlisted, l.ProductID)
		}
	}
	if len(unlisted) > 0 {
		return nil, &apperr.UnlistedItemError{ProductIDs: unlisted}
	}

	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}

	if strings.TrimSpace(paymentMethod) == "" {
		return nil, apperr.ErrNoPaymentMethod
	}

	index := make(map[string]int)
	var groups []SellerGroup
	for _, l := range snap.Lines {
		if l.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %s has quantity %d", apperr.ErrInvalidAmount, l.ProductID, l.Quantity)
		}
		price, err := pricing.ToMinor(l.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", l.ProductID, err)
		}

		i, ok := index[l.SellerID]
		if !ok {
			i = len(groups)
			index[l.SellerID] = i
			groups = append(groups, SellerGroup{SellerID: l.SellerID})
		}
		groups[i].Items = append(groups[i].Items, models.OrderItem{
			ProductID:       l.ProductID,
			SellerListingID: l.SellerListingID,
			Quantity:        l.Quantity,
			UnitPrice:       price,
		})
		groups[i].Subtotal += price * int64(l.Quantity)
	}
	return groups, nil
}

// FromOrder rebuilds cart lines from a finished order for reordering.
func FromOrder(o models.Order) []Line {
	lines := make([]Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, Line{
			ProductID:       it.ProductID,
			SellerID:        o.SellerID,
			SellerListingID: it.SellerListingID,
			Quantity:        it.Quantity,
			UnitPrice:       pricing.FromMinor(it.UnitPrice),
		})
	}
	return lines
}
