package pricing

import (
	"testing"

	"marketplace-service/internal/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1500", 150000, false},
		{"749.99", 74999, false},
		{"0.1", 10, false},
		{"0", 0, false},
		{"10.005", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToMinor(decimal.RequireFromString(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuoteWithIndia10(t *testing.T) {
	book, err := ParseCoupons("INDIA10:10%,FLAT50:50")
	require.NoError(t, err)

	q, err := book.NewQuote(150000, "india10", "INR")
	require.NoError(t, err)
	assert.Equal(t, int64(15000), q.Discount)
	assert.Equal(t, int64(135000), q.Total)
	assert.Equal(t, "INDIA10", q.CouponCode)

	q, err = book.NewQuote(3000, "FLAT50", "INR")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), q.Discount, "flat discount is capped at the subtotal")
	assert.Equal(t, int64(0), q.Total)

	_, err = book.NewQuote(150000, "NOPE", "INR")
	assert.ErrorIs(t, err, apperr.ErrInvalidCoupon)

	q, err = book.NewQuote(150000, "", "INR")
	require.NoError(t, err)
	assert.Equal(t, int64(150000), q.Total)
}

func TestParseCouponsRejectsGarbage(t *testing.T) {
	_, err := ParseCoupons("BAD")
	assert.Error(t, err)
	_, err = ParseCoupons("X:150%")
	assert.Error(t, err)
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name      string
		discount  int64
		subtotals []int64
		want      []int64
	}{
		{"proportional", 15000, []int64{100000, 50000}, []int64{10000, 5000}},
		{"remainder", 100, []int64{1, 1, 1}, []int64{1, 1, 1}},
		{"uneven", 10, []int64{3333, 3333, 3334}, []int64{3, 3, 4}},
		{"none", 0, []int64{500, 500}, []int64{0, 0}},
		{"single", 7, []int64{90}, []int64{7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(tt.discount, tt.subtotals)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllocateSumsToDiscount(t *testing.T) {
	subtotals := []int64{12345, 678, 9, 100001}
	for _, discount := range []int64{1, 17, 999, 11303, 113033} {
		shares := Allocate(discount, subtotals)
		var sum int64
		for i, s := range shares {
			sum += s
			assert.LessOrEqual(t, s, subtotals[i])
		}
		assert.Equal(t, discount, sum)
	}
}
