// Package calc содержит расчёт сумм по позициям и заказу.
//
// Все функции чистые. Денежные значения округляются до копеек по правилу half-up
// один раз для каждого итогового значения, промежуточные результаты не округляются.
package calc

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/model"
)

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Line содержит рассчитанные суммы по одной позиции.
type Line struct {
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
}

// LineTotals рассчитывает сумму позиции до налога, налог и итог.
func LineTotals(unitPrice, quantity, discountPercent, taxRatePercent decimal.Decimal) (Line, error) {
	if !quantity.IsPositive() {
		return Line{}, apperr.New(apperr.InvalidInput, "quantity must be positive, got %s", quantity)
	}
	if unitPrice.IsNegative() {
		return Line{}, apperr.New(apperr.InvalidInput, "unit price must not be negative, got %s", unitPrice)
	}
	if discountPercent.IsNegative() || discountPercent.GreaterThan(hundred) {
		return Line{}, apperr.New(apperr.InvalidInput, "discount must be within 0..100, got %s", discountPercent)
	}
	if taxRatePercent.IsNegative() {
		return Line{}, apperr.New(apperr.InvalidInput, "tax rate must not be negative, got %s", taxRatePercent)
	}

	net := unitPrice.Mul(quantity).Mul(hundred.Sub(discountPercent)).Div(hundred)
	gross := net.Mul(hundred.Add(taxRatePercent)).Div(hundred)

	subtotal := roundMoney(net)
	total := roundMoney(gross)

	return Line{
		Subtotal:  subtotal,
		TaxAmount: total.Sub(subtotal),
		Total:     total,
	}, nil
}

// OrderTotals суммирует позиции и добавляет стоимость доставки и прочие расходы.
func OrderTotals(lines []Line, shippingCost, otherCosts decimal.Decimal) (model.Totals, error) {
	if shippingCost.IsNegative() {
		return model.Totals{}, apperr.New(apperr.InvalidInput, "shipping cost must not be negative, got %s", shippingCost)
	}
	if otherCosts.IsNegative() {
		return model.Totals{}, apperr.New(apperr.InvalidInput, "other costs must not be negative, got %s", otherCosts)
	}

	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Subtotal)
		taxTotal = taxTotal.Add(l.Total.Sub(l.Subtotal))
	}

	return model.Totals{
		Subtotal:    subtotal,
		TaxTotal:    taxTotal,
		TotalAmount: roundMoney(subtotal.Add(taxTotal).Add(shippingCost).Add(otherCosts)),
	}, nil
}

// Apply пересчитывает производные поля позиций и итоги заказа на месте.
func Apply(order *model.Order) error {
	lines := make([]Line, 0, len(order.Items))
	for i := range order.Items {
		it := &order.Items[i]
		l, err := LineTotals(it.UnitPrice, it.Quantity, it.DiscountPercent, it.TaxRate)
		if err != nil {
			return err
		}
		it.Subtotal = l.Subtotal
		it.TaxAmount = l.TaxAmount
		it.Total = l.Total
		lines = append(lines, l)
	}

	totals, err := OrderTotals(lines, order.ShippingCost, order.OtherCosts)
	if err != nil {
		return err
	}

	order.Totals = totals
	order.TotalsDigest = Digest(order.Items, order.ShippingCost, order.OtherCosts)
	return nil
}

// Digest возвращает отпечаток входных данных калькулятора.
func Digest(items []model.OrderItem, shippingCost, otherCosts decimal.Decimal) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.ProductCode)
		b.WriteByte('|')
		b.WriteString(it.Quantity.String())
		b.WriteByte('|')
		b.WriteString(it.UnitPrice.String())
		b.WriteByte('|')
		b.WriteString(it.DiscountPercent.String())
		b.WriteByte('|')
		b.WriteString(it.TaxRate.String())
		b.WriteByte('\n')
	}
	b.WriteString(shippingCost.String())
	b.WriteByte('|')
	b.WriteString(otherCosts.String())

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func roundMoney(v decimal.Decimal) decimal.Decimal {
	// Round в decimal округляет половину от нуля, для неотрицательных сумм это half-up.
	return v.Round(moneyPlaces)
}
