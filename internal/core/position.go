package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplyOpeningFill grows the position by qty at price and recomputes the
// average entry as the size-weighted mean over all lots.
func (p *Position) ApplyOpeningFill(qty, price, fee decimal.Decimal) {
	if qty.IsZero() {
		return
	}
	p.Lots = append(p.Lots, Lot{Qty: qty, Price: price})
	newSize := p.CurrentSize.Add(qty)
	weighted := p.AverageEntry.Mul(p.CurrentSize).Add(price.Mul(qty))
	p.AverageEntry = weighted.Div(newSize)
	p.CurrentSize = newSize
	p.TotalFees = p.TotalFees.Add(fee)
	if p.EntryPrice.IsZero() {
		p.EntryPrice = price
	}
}

// ApplyReducingFill shrinks the position by qty at price using FIFO lot
// accounting and returns the realized P&L of the reduction. Long positions
// realize (exit − entry) × qty per consumed lot; shorts the negation. When
// the position reaches zero size it is closed at closedAt.
func (p *Position) ApplyReducingFill(qty, price, fee decimal.Decimal, closedAt time.Time) decimal.Decimal {
	realized := decimal.Zero
	remaining := qty
	for remaining.IsPositive() && len(p.Lots) > 0 {
		lot := &p.Lots[0]
		take := decimal.Min(lot.Qty, remaining)
		diff := price.Sub(lot.Price)
		if p.Side == PositionShort {
			diff = diff.Neg()
		}
		realized = realized.Add(diff.Mul(take))
		lot.Qty = lot.Qty.Sub(take)
		remaining = remaining.Sub(take)
		if lot.Qty.IsZero() {
			p.Lots = p.Lots[1:]
		}
	}
	p.CurrentSize = p.CurrentSize.Sub(qty)
	if p.CurrentSize.IsNegative() {
		p.CurrentSize = decimal.Zero
	}
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.TotalFees = p.TotalFees.Add(fee)
	if p.CurrentSize.IsZero() {
		p.Open = false
		t := closedAt
		p.ClosedAt = &t
		p.UnrealizedPnL = decimal.Zero
	}
	return realized
}

// MarkPrice refreshes the unrealized P&L against the latest price.
func (p *Position) MarkPrice(price decimal.Decimal) {
	if !p.Open || p.CurrentSize.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	diff := price.Sub(p.AverageEntry)
	if p.Side == PositionShort {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.CurrentSize)
}
