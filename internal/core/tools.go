package core

import (
	"github.com/shopspring/decimal"
)

// TruncateToStep floors amount to a multiple of step. Sizing never rounds up
// past the computed risk cap, so truncation is the only rounding mode used
// for order amounts.
func TruncateToStep(amount, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || step.IsNegative() {
		return amount
	}
	return amount.Div(step).Floor().Mul(step)
}

// Notional returns amount × price in quote currency.
func Notional(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price)
}

// PercentOf returns part/whole × 100, or zero when whole is zero.
func PercentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}
