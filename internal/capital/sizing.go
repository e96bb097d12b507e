package capital

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

var one = decimal.NewFromInt(1)
var hundred = decimal.NewFromInt(100)

// defaultSymbolInfo stands in when the connector cannot be asked for trading
// constraints, e.g. in tests or while the exchange is unreachable. The lot
// step is one satoshi so truncation stays harmless.
func defaultSymbolInfo(symbol string) core.SymbolInfo {
	return core.SymbolInfo{
		Symbol:      symbol,
		LotStep:     decimal.New(1, -8),
		MinAmount:   decimal.New(1, -8),
		MinNotional: decimal.Zero,
		PriceStep:   decimal.New(1, -8),
	}
}

// sizeResult is the outcome of fixed-fractional sizing for a buy.
type sizeResult struct {
	amount     decimal.Decimal // base units, truncated to the lot step
	notional   decimal.Decimal // amount × signal price
	stopLoss   decimal.Decimal // the stop the risk math used
	riskAmount decimal.Decimal // quote currency lost if the stop is hit
}

// sizeBuy computes the order amount for an entry using fixed-fractional
// sizing: risk a fixed fraction of total capital per trade, divided by the
// stop distance. Amounts only ever shrink from the risk-derived figure: the
// max-USD bound and the lot step truncate downward, and a result below the
// minimum bounds is a denial, never a round-up.
func sizeBuy(total decimal.Decimal, p core.Proposal, l limits, info core.SymbolInfo) (sizeResult, *denial) {
	signal := p.SignalPrice
	if !signal.IsPositive() {
		return sizeResult{}, deny(apperrors.ReasonRiskLimitExceeded, "signal_price_not_positive")
	}

	stop := p.StopLossPrice
	if !stop.IsPositive() || stop.GreaterThanOrEqual(signal) {
		// No usable stop from the strategy: fall back to the configured
		// default stop distance below the signal.
		stop = signal.Mul(one.Sub(l.stopLossPct.Div(hundred)))
	}
	dist := signal.Sub(stop)
	if !dist.IsPositive() {
		return sizeResult{}, deny(apperrors.ReasonRiskLimitExceeded, "zero_stop_distance")
	}

	riskAmount := total.Mul(l.riskFraction)
	amount := riskAmount.Div(dist)

	if core.Notional(amount, signal).GreaterThan(l.maxPositionUSD) {
		amount = l.maxPositionUSD.Div(signal)
	}
	amount = core.TruncateToStep(amount, info.LotStep)
	notional := core.Notional(amount, signal)

	switch {
	case !amount.IsPositive(), amount.LessThan(info.MinAmount):
		return sizeResult{}, deny(apperrors.ReasonRiskLimitExceeded, "below_exchange_minimum")
	case notional.LessThan(info.MinNotional):
		return sizeResult{}, deny(apperrors.ReasonRiskLimitExceeded, "below_exchange_minimum")
	case notional.LessThan(l.minPositionUSD):
		return sizeResult{}, deny(apperrors.ReasonRiskLimitExceeded, "below_min_position_size")
	}

	return sizeResult{
		amount:     amount,
		notional:   notional,
		stopLoss:   stop,
		riskAmount: amount.Mul(dist),
	}, nil
}

// reservationFor returns the capital held for a buy: the notional plus the
// fee buffer, so the later fill plus exchange fee cannot overdraw the
// portfolio.
func reservationFor(notional decimal.Decimal, l limits) decimal.Decimal {
	return notional.Mul(one.Add(l.feeBuffer))
}

// riskLevel grades how close the new position sits to the concentration cap.
func riskLevel(positionPct, capPct decimal.Decimal) string {
	if !capPct.IsPositive() {
		return core.RiskHigh
	}
	ratio := positionPct.Div(capPct)
	switch {
	case ratio.LessThanOrEqual(decimal.NewFromFloat(1.0 / 3.0)):
		return core.RiskLow
	case ratio.LessThanOrEqual(decimal.NewFromFloat(2.0 / 3.0)):
		return core.RiskMedium
	default:
		return core.RiskHigh
	}
}
