package capital

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// proposalFreshness is how old an allocation request may be, measured from
// the strategy's emitted_at, before it is denied as stale. Signals act on
// the market that existed when the bar closed; two seconds later that market
// is gone.
const proposalFreshness = 2 * time.Second

// denial is one failed validation. The canonical wire reason comes first in
// the response's reasons list, followed by the specific check that tripped.
type denial struct {
	reason apperrors.Reason
	detail string
}

func deny(reason apperrors.Reason, detail string) *denial {
	return &denial{reason: reason, detail: detail}
}

func (d *denial) response() core.AllocationResponse {
	reasons := []string{string(d.reason)}
	if d.detail != "" {
		reasons = append(reasons, d.detail)
	}
	return core.AllocationResponse{
		Result:    core.AllocationDenied,
		RiskLevel: core.RiskHigh,
		Reasons:   reasons,
	}
}

// snapshot is the portfolio picture one proposal is judged against, loaded
// once inside the serialization domain so every check sees the same state.
type snapshot struct {
	portfolio core.Portfolio
	strategy  core.Strategy
	limits    limits
	positions []core.Position // all open positions in the portfolio
	pending   []core.Trade    // non-terminal trades in the portfolio
	realized  decimal.Decimal // realized P&L since midnight UTC
	info      core.SymbolInfo
	now       time.Time
}

// checkEligibility runs the validations that need no sizing: both sides of
// the book must be active, the symbol tradable, and the signal fresh.
// Ordering is fixed; the first failure wins.
func checkEligibility(req core.AllocationRequest, s snapshot) *denial {
	if !s.portfolio.Active {
		return deny(apperrors.ReasonRiskLimitExceeded, "portfolio_inactive")
	}
	if !s.strategy.Active {
		return deny(apperrors.ReasonRiskLimitExceeded, "strategy_inactive")
	}
	if s.limits.blacklisted(req.Symbol) {
		return deny(apperrors.ReasonRiskLimitExceeded, "symbol_blacklisted")
	}
	if s.now.Sub(req.EmittedAt) > proposalFreshness {
		return deny(apperrors.ReasonStaleProposal, "")
	}
	return nil
}

// checkCapitalFloor enforces the optional min_available_capital rule before
// and after the reservation: the portfolio must not be drained below the
// floor by this trade.
func checkCapitalFloor(s snapshot, reserved decimal.Decimal) *denial {
	if !s.limits.minAvailable.IsPositive() {
		return nil
	}
	if s.portfolio.AvailableCapital.Sub(reserved).LessThan(s.limits.minAvailable) {
		return deny(apperrors.ReasonInsufficientCapital, "below_min_available_capital")
	}
	return nil
}

// checkConcentration caps a single position's notional as a percent of total
// capital.
func checkConcentration(s snapshot, notional decimal.Decimal) *denial {
	pct := core.PercentOf(notional, s.portfolio.TotalCapital)
	if pct.GreaterThan(s.limits.maxPositionSizePct) {
		return deny(apperrors.ReasonRiskLimitExceeded, "max_position_size")
	}
	return nil
}

// checkDailyLoss projects the proposal's worst case onto today's realized
// P&L. Losses count; profitable days leave the full budget available.
func checkDailyLoss(s snapshot, riskAmount decimal.Decimal) *denial {
	lossToday := decimal.Zero
	if s.realized.IsNegative() {
		lossToday = s.realized.Neg()
	}
	budget := s.portfolio.TotalCapital.Mul(s.limits.maxDailyLossPct).Div(hundred)
	if lossToday.Add(riskAmount).GreaterThan(budget) {
		return deny(apperrors.ReasonRiskLimitExceeded, "max_daily_loss")
	}
	return nil
}

// checkExposure caps the sum of open notional, counting in-flight buy
// reservations that have not yet shown up as positions.
func checkExposure(s snapshot, notional decimal.Decimal) *denial {
	exposure := openExposure(s).Add(notional)
	pct := core.PercentOf(exposure, s.portfolio.TotalCapital)
	if pct.GreaterThan(s.limits.maxExposurePct) {
		return deny(apperrors.ReasonRiskLimitExceeded, "max_portfolio_exposure")
	}
	return nil
}

// checkSymbolCount limits how many positions the portfolio may hold on one
// symbol across all its strategies. Unfilled buy orders count; they become
// positions on the next fill.
func checkSymbolCount(s snapshot, symbol string) *denial {
	count := 0
	for _, p := range s.positions {
		if p.Symbol == symbol {
			count++
		}
	}
	for _, t := range s.pending {
		if t.Symbol == symbol && t.Side == core.SideBuy && t.Status == core.TradePending {
			count++
		}
	}
	if count >= s.limits.maxPerSymbol {
		return deny(apperrors.ReasonRiskLimitExceeded, "max_positions_per_symbol")
	}
	return nil
}

// openExposure sums the notional of open positions plus pending buy orders
// at their signal price.
func openExposure(s snapshot) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.positions {
		total = total.Add(p.CurrentSize.Mul(p.AverageEntry))
	}
	for _, t := range s.pending {
		if t.Side == core.SideBuy && t.Status == core.TradePending {
			total = total.Add(t.Amount.Mul(t.Price))
		}
	}
	return total
}

// openPositionFor returns the strategy's open position on symbol, or nil.
func openPositionFor(s snapshot, strategyID, symbol string) *core.Position {
	for i := range s.positions {
		p := &s.positions[i]
		if p.StrategyID == strategyID && p.Symbol == symbol {
			return p
		}
	}
	return nil
}
