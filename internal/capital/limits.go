package capital

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/internal/core"
)

// limits is the resolved set of sizing and risk knobs one proposal is
// validated against. Resolution order is global trading config, then
// portfolio rules, then the strategy's own sizing overrides.
type limits struct {
	maxPositionSizePct decimal.Decimal // whole percent of total capital
	maxDailyLossPct    decimal.Decimal // whole percent of total capital
	maxExposurePct     decimal.Decimal // whole percent of total capital
	stopLossPct        decimal.Decimal // whole percent, default stop distance
	riskFraction       decimal.Decimal // capital fraction risked per trade
	feeBuffer          decimal.Decimal // notional fraction added to reservations
	minPositionUSD     decimal.Decimal
	maxPositionUSD     decimal.Decimal
	minAvailable       decimal.Decimal // floor under available capital, zero when unset
	maxPerSymbol       int
	blacklist          map[string]struct{}
}

func resolveLimits(t config.TradingConfig, strat core.Strategy, rules []core.PortfolioRule, logger core.ILogger) limits {
	l := limits{
		maxPositionSizePct: t.MaxPositionSizePercent.Decimal,
		maxDailyLossPct:    t.MaxDailyLossPercent.Decimal,
		maxExposurePct:     t.MaxPortfolioExposurePercent.Decimal,
		stopLossPct:        t.StopLossPercent.Decimal,
		riskFraction:       t.DefaultRiskPercent.Decimal,
		feeBuffer:          t.FeeBuffer.Decimal,
		minPositionUSD:     t.MinPositionSizeUSD.Decimal,
		maxPositionUSD:     t.MaxPositionSizeUSD.Decimal,
		maxPerSymbol:       t.MaxPositionsPerSymbol,
		blacklist:          map[string]struct{}{},
	}

	for _, r := range rules {
		if err := l.applyRule(r); err != nil {
			// A malformed rule must not block trading; skip it loudly.
			logger.Warn("Skipping malformed portfolio rule",
				"rule_id", r.ID, "kind", string(r.Kind), "value", r.Value, "error", err)
		}
	}

	// Strategy sizing overrides are the most specific and win last.
	if strat.Sizing.RiskPercent.IsPositive() {
		l.riskFraction = strat.Sizing.RiskPercent
	}
	if strat.Sizing.StopLossPercent.IsPositive() {
		l.stopLossPct = strat.Sizing.StopLossPercent
	}
	if strat.Sizing.MinPositionUSD.IsPositive() {
		l.minPositionUSD = strat.Sizing.MinPositionUSD
	}
	if strat.Sizing.MaxPositionUSD.IsPositive() {
		l.maxPositionUSD = strat.Sizing.MaxPositionUSD
	}

	return l
}

func (l *limits) applyRule(r core.PortfolioRule) error {
	switch r.Kind {
	case core.RuleSymbolBlacklist:
		for _, sym := range strings.Split(r.Value, ",") {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym != "" {
				l.blacklist[sym] = struct{}{}
			}
		}
		return nil
	case core.RuleMaxPositionsPerSymbol:
		n, err := strconv.Atoi(strings.TrimSpace(r.Value))
		if err != nil {
			return err
		}
		l.maxPerSymbol = n
		return nil
	}

	v, err := r.DecimalValue()
	if err != nil {
		return err
	}
	switch r.Kind {
	case core.RuleMinAvailableCapital:
		l.minAvailable = v
	case core.RuleMaxPositionSizePercent:
		l.maxPositionSizePct = v
	case core.RuleMaxDailyLossPercent:
		l.maxDailyLossPct = v
	case core.RuleMaxPortfolioExposurePct:
		l.maxExposurePct = v
	case core.RuleMinPositionSizeUSD:
		l.minPositionUSD = v
	case core.RuleMaxPositionSizeUSD:
		l.maxPositionUSD = v
	}
	return nil
}

func (l limits) blacklisted(symbol string) bool {
	_, ok := l.blacklist[strings.ToUpper(symbol)]
	return ok
}
