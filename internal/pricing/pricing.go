// Package pricing converts storefront prices to minor currency units and
// computes the server-confirmed payable amount of a checkout.
package pricing

import (
	"fmt"
	"sort"
	"strings"

	"marketplace-service/internal/apperr"

	"github.com/shopspring/decimal"
)

// MinorExponent is the number of minor-unit digits (paise, cents).
const MinorExponent = 2

// ToMinor converts a major-unit amount to integer minor units. Amounts with
// sub-minor precision or negative values are rejected rather than rounded.
func ToMinor(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", apperr.ErrInvalidAmount, amount)
	}
	scaled := amount.Shift(MinorExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", apperr.ErrInvalidAmount, amount, MinorExponent)
	}
	return scaled.IntPart(), nil
}

// FromMinor renders minor units back to a major-unit decimal.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorExponent)
}

// Rule is a coupon discount rule.
type Rule struct {
	Code    string
	Percent decimal.Decimal
	Flat    int64
}

// Discount returns the discount for subtotal, never more than subtotal.
func (r Rule) Discount(subtotal int64) int64 {
	var d int64
	if r.Percent.IsPositive() {
		d = decimal.NewFromInt(subtotal).Mul(r.Percent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	} else {
		d = r.Flat
	}
	if d > subtotal {
		d = subtotal
	}
	if d < 0 {
		d = 0
	}
	return d
}

// CouponBook resolves coupon codes case-insensitively.
type CouponBook struct {
	rules map[string]Rule
}

// ParseCoupons parses "CODE:10%,FLAT50:50" into a CouponBook. Flat amounts are
// major units.
func ParseCoupons(rules string) (*CouponBook, error) {
	book := &CouponBook{rules: make(map[string]Rule)}
	for _, part := range strings.Split(rules, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, raw, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(code) == "" {
			return nil, fmt.Errorf("invalid coupon rule %q", part)
		}
		code = strings.ToUpper(strings.TrimSpace(code))
		raw = strings.TrimSpace(raw)

		rule := Rule{Code: code}
		if strings.HasSuffix(raw, "%") {
			pct, err := decimal.NewFromString(strings.TrimSuffix(raw, "%"))
			if err != nil || !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
				return nil, fmt.Errorf("invalid coupon percentage %q", raw)
			}
			rule.Percent = pct
		} else {
			amt, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid coupon amount %q: %w", raw, err)
			}
			flat, err := ToMinor(amt)
			if err != nil {
				return nil, err
			}
			rule.Flat = flat
		}
		book.rules[code] = rule
	}
	return book, nil
}

// Lookup returns the rule for code.
func (b *CouponBook) Lookup(code string) (Rule, bool) {
	if b == nil {
		return Rule{}, false
	}
	r, ok := b.rules[strings.ToUpper(strings.TrimSpace(code))]
	return r, ok
}

// Quote is the server-confirmed price of a checkout, in minor units.
type Quote struct {
	Subtotal   int64  `json:"subtotal"`
	Discount   int64  `json:"discount"`
	Total      int64  `json:"total"`
	CouponCode string `json:"coupon_code,omitempty"`
	Currency   string `json:"currency"`
}

// NewQuote prices subtotal with an optional coupon. An unknown coupon is an
// error; an empty code means no discount.
func (b *CouponBook) NewQuote(subtotal int64, couponCode, currency string) (Quote, error) {
	q := Quote{Subtotal: subtotal, Total: subtotal, Currency: currency}
	if strings.TrimSpace(couponCode) == "" {
		return q, nil
	}
	rule, ok := b.Lookup(couponCode)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", apperr.ErrInvalidCoupon, couponCode)
	}
	q.CouponCode = rule.Code
	q.Discount = rule.Discount(subtotal)
	q.Total = subtotal - q.Discount
	return q, nil
}

// Allocate splits discount across seller subtotals proportionally, giving
// leftover minor units to the largest remainders (ties by position), so the
// shares always sum to discount and no share exceeds its subtotal.
func Allocate(discount int64, subtotals []int64) []int64 {
	shares := make([]int64, len(subtotals))
	var total int64
	for _, s := range subtotals {
		total += s
	}
	if discount <= 0 || total <= 0 {
		return shares
	}
	if discount > total {
		discount = total
	}

	type rem struct {
		idx int
		r   decimal.Decimal
	}
	rems := make([]rem, len(subtotals))
	var assigned int64
	d := decimal.NewFromInt(discount)
	tot := decimal.NewFromInt(total)
	for i, s := range subtotals {
		exact := d.Mul(decimal.NewFromInt(s)).Div(tot)
		floor := exact.Floor()
		shares[i] = floor.IntPart()
		assigned += shares[i]
		rems[i] = rem{idx: i, r: exact.Sub(floor)}
	}

	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].r.GreaterThan(rems[b].r)
	})
	for i := 0; assigned < discount; i = (i + 1) % len(rems) {
		idx := rems[i].idx
		if shares[idx] < subtotals[idx] {
			shares[idx]++
			assigned++
		}
	}
	return shares
}
