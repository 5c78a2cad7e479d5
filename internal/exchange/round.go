// =================================
// File: internal/exchange/round.go
// =================================
package exchange

import "github.com/shopspring/decimal"

// FloorToStep rounds v down to the nearest multiple of step. A zero or
// negative step returns v unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// FormatPrice rounds price down to the instrument tick size and renders it
// the way the venue expects.
func (i InstrumentInfo) FormatPrice(price decimal.Decimal) string {
	return FloorToStep(price, i.TickSize).String()
}

// FormatQty rounds qty down to the instrument quantity step and renders it.
func (i InstrumentInfo) FormatQty(qty decimal.Decimal) string {
	return FloorToStep(qty, i.QtyStep).String()
}
