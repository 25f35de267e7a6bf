package calc

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLineTotals(t *testing.T) {
	tests := []struct {
		name                       string
		price, qty, disc, tax      string
		subtotal, taxAmount, total string
	}{
		{
			name:  "discounted item",
			price: "100", qty: "3", disc: "10", tax: "10",
			subtotal: "270", taxAmount: "27", total: "297",
		},
		{
			name:  "no discount",
			price: "19.90", qty: "2", disc: "0", tax: "10",
			subtotal: "39.8", taxAmount: "3.98", total: "43.78",
		},
		{
			name:  "full discount",
			price: "50", qty: "1", disc: "100", tax: "10",
			subtotal: "0", taxAmount: "0", total: "0",
		},
		{
			name:  "half-up rounding",
			price: "0.125", qty: "1", disc: "0", tax: "0",
			subtotal: "0.13", taxAmount: "0", total: "0.13",
		},
		{
			name:  "fractional quantity",
			price: "12.34", qty: "1.5", disc: "5", tax: "10",
			subtotal: "17.58", taxAmount: "1.76", total: "19.34",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := LineTotals(d(tt.price), d(tt.qty), d(tt.disc), d(tt.tax))
			require.NoError(t, err)

			assert.True(t, d(tt.subtotal).Equal(l.Subtotal), "subtotal = %s, want %s", l.Subtotal, tt.subtotal)
			assert.True(t, d(tt.taxAmount).Equal(l.TaxAmount), "tax = %s, want %s", l.TaxAmount, tt.taxAmount)
			assert.True(t, d(tt.total).Equal(l.Total), "total = %s, want %s", l.Total, tt.total)
		})
	}
}

func TestLineTotals_RoundsOnceAtTotal(t *testing.T) {
	// 17.575 * 1.1 = 19.3325; округление subtotal до 17.58 перед налогом дало бы 19.338 -> 19.34,
	// а здесь важно, что total считается от неокруглённого значения.
	l, err := LineTotals(d("3.515"), d("5"), d("0"), d("10"))
	require.NoError(t, err)
	assert.Equal(t, "17.58", l.Subtotal.StringFixed(2))
	assert.Equal(t, "19.33", l.Total.StringFixed(2))
}

func TestLineTotals_InvalidInput(t *testing.T) {
	tests := []struct {
		name                  string
		price, qty, disc, tax string
	}{
		{name: "zero quantity", price: "10", qty: "0", disc: "0", tax: "10"},
		{name: "negative quantity", price: "10", qty: "-1", disc: "0", tax: "10"},
		{name: "negative discount", price: "10", qty: "1", disc: "-0.01", tax: "10"},
		{name: "discount above 100", price: "10", qty: "1", disc: "100.01", tax: "10"},
		{name: "negative price", price: "-10", qty: "1", disc: "0", tax: "10"},
		{name: "negative tax", price: "10", qty: "1", disc: "0", tax: "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LineTotals(d(tt.price), d(tt.qty), d(tt.disc), d(tt.tax))
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
		})
	}
}

func TestLineTotals_Bounds(t *testing.T) {
	prices := []string{"0", "0.01", "1.99", "100", "12345.678"}
	qtys := []string{"0.001", "1", "3", "7.5"}
	discounts := []string{"0", "0.5", "10", "33.333", "100"}

	for _, p := range prices {
		for _, q := range qtys {
			for _, disc := range discounts {
				l, err := LineTotals(d(p), d(q), d(disc), d("10"))
				require.NoError(t, err)

				gross := d(p).Mul(d(q)).Round(2)
				assert.True(t, l.Subtotal.LessThanOrEqual(gross), "subtotal %s > %s (p=%s q=%s d=%s)", l.Subtotal, gross, p, q, disc)
				assert.True(t, l.Total.GreaterThanOrEqual(l.Subtotal), "total %s < subtotal %s", l.Total, l.Subtotal)
				assert.False(t, l.Subtotal.IsNegative())
			}
		}
	}
}

func TestOrderTotals(t *testing.T) {
	l, err := LineTotals(d("100"), d("3"), d("10"), d("10"))
	require.NoError(t, err)

	totals, err := OrderTotals([]Line{l, l}, d("50"), d("0"))
	require.NoError(t, err)

	assert.Equal(t, "540.00", totals.Subtotal.StringFixed(2))
	assert.Equal(t, "54.00", totals.TaxTotal.StringFixed(2))
	assert.Equal(t, "644.00", totals.TotalAmount.StringFixed(2))
}

func TestOrderTotals_EmptyAndInvalid(t *testing.T) {
	totals, err := OrderTotals(nil, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, totals.Subtotal.IsZero())
	assert.True(t, totals.TaxTotal.IsZero())
	assert.True(t, totals.TotalAmount.IsZero())

	_, err = OrderTotals(nil, d("-1"), decimal.Zero)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))

	_, err = OrderTotals(nil, decimal.Zero, d("-0.01"))
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestOrderTotals_OrderIndependentAndStable(t *testing.T) {
	a, err := LineTotals(d("10.10"), d("3"), d("7"), d("10"))
	require.NoError(t, err)
	b, err := LineTotals(d("99.99"), d("1"), d("0"), d("10"))
	require.NoError(t, err)
	c, err := LineTotals(d("0.33"), d("9"), d("50"), d("10"))
	require.NoError(t, err)

	first, err := OrderTotals([]Line{a, b, c}, d("12.5"), d("3"))
	require.NoError(t, err)
	reversed, err := OrderTotals([]Line{c, b, a}, d("12.5"), d("3"))
	require.NoError(t, err)
	again, err := OrderTotals([]Line{a, b, c}, d("12.5"), d("3"))
	require.NoError(t, err)

	assert.True(t, first.TotalAmount.Equal(reversed.TotalAmount))
	assert.True(t, first.Subtotal.Equal(reversed.Subtotal))
	assert.True(t, first.TaxTotal.Equal(reversed.TaxTotal))
	assert.Equal(t, first.TotalAmount.String(), again.TotalAmount.String())
	assert.Equal(t, first.Subtotal.String(), again.Subtotal.String())
	assert.Equal(t, first.TaxTotal.String(), again.TaxTotal.String())
}

func TestApply(t *testing.T) {
	order := &model.Order{
		Items: []model.OrderItem{
			{ProductCode: "P-1", Quantity: d("3"), UnitPrice: d("100"), DiscountPercent: d("10"), TaxRate: d("10")},
			{ProductCode: "P-1", Quantity: d("3"), UnitPrice: d("100"), DiscountPercent: d("10"), TaxRate: d("10")},
		},
		ShippingCost: d("50"),
	}

	require.NoError(t, Apply(order))

	assert.Equal(t, "297.00", order.Items[0].Total.StringFixed(2))
	assert.Equal(t, "27.00", order.Items[1].TaxAmount.StringFixed(2))
	assert.Equal(t, "644.00", order.Totals.TotalAmount.StringFixed(2))
	assert.Equal(t, Digest(order.Items, order.ShippingCost, order.OtherCosts), order.TotalsDigest)
}

func TestDigest(t *testing.T) {
	items := []model.OrderItem{
		{ProductCode: "P-1", Quantity: d("3"), UnitPrice: d("100"), DiscountPercent: d("10"), TaxRate: d("10")},
	}
	base := Digest(items, d("50"), decimal.Zero)

	// Незначащие нули не меняют отпечаток.
	same := []model.OrderItem{
		{ProductCode: "P-1", Quantity: d("3.000"), UnitPrice: d("100.00"), DiscountPercent: d("10"), TaxRate: d("10.0")},
	}
	assert.Equal(t, base, Digest(same, d("50.00"), d("0.00")))

	changed := []model.OrderItem{
		{ProductCode: "P-1", Quantity: d("4"), UnitPrice: d("100"), DiscountPercent: d("10"), TaxRate: d("10")},
	}
	assert.NotEqual(t, base, Digest(changed, d("50"), decimal.Zero))
}
