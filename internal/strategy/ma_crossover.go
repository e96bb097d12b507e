package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
)

// Series names computed by the crossover strategy.
const (
	seriesFastMA = "fast_ma"
	seriesSlowMA = "slow_ma"
)

// Intent tags stamped on crossover proposals.
const (
	IntentGoldenCross = "golden_cross"
	IntentDeathCross  = "death_cross"
)

// MACrossover trades simple moving-average crossovers: a buy when the fast
// average crosses above the slow one, a sell when it crosses back below.
//
// Params: fast_period (default 10), slow_period (default 30), and optional
// stop_loss_pct / take_profit_pct as fractions of the signal price.
type MACrossover struct {
	cfg     core.Strategy
	fast    int
	slow    int
	stopPct decimal.Decimal
	takePct decimal.Decimal
	logger  core.ILogger
}

var _ Strategy = (*MACrossover)(nil)

// NewMACrossover builds the strategy from its persisted configuration.
func NewMACrossover(cfg core.Strategy, logger core.ILogger) (*MACrossover, error) {
	fast := paramInt(cfg.Params, "fast_period", 10)
	slow := paramInt(cfg.Params, "slow_period", 30)
	if fast < 1 || slow <= fast {
		return nil, fmt.Errorf("ma_crossover %s: need 0 < fast_period(%d) < slow_period(%d)", cfg.ID, fast, slow)
	}
	return &MACrossover{
		cfg:     cfg,
		fast:    fast,
		slow:    slow,
		stopPct: paramDecimal(cfg.Params, "stop_loss_pct", decimal.Zero),
		takePct: paramDecimal(cfg.Params, "take_profit_pct", decimal.Zero),
		logger:  logger.WithField("strategy", cfg.ID),
	}, nil
}

func (s *MACrossover) RequiredSubscriptions() []string {
	return []string{core.MarketDataKey(s.cfg.ExchangeID, s.cfg.Symbol)}
}

// WarmupBars needs one bar beyond the slow window so a previous crossover
// state exists to compare against.
func (s *MACrossover) WarmupBars() int { return s.slow + 1 }

func (s *MACrossover) PopulateIndicators(f *Frame) (*Frame, error) {
	closes := f.Closes()
	return f.WithSeries(seriesFastMA, SMA(closes, s.fast)).
		WithSeries(seriesSlowMA, SMA(closes, s.slow)), nil
}

func (s *MACrossover) OnData(bar core.Bar, f *Frame) (*core.Proposal, error) {
	if f.Len() < s.WarmupBars() {
		return nil, nil
	}
	fast, ok := f.Series(seriesFastMA)
	if !ok {
		return nil, fmt.Errorf("ma_crossover %s: frame missing %s series", s.cfg.ID, seriesFastMA)
	}
	slow, ok := f.Series(seriesSlowMA)
	if !ok {
		return nil, fmt.Errorf("ma_crossover %s: frame missing %s series", s.cfg.ID, seriesSlowMA)
	}

	n := f.Len() - 1
	prev := fast[n-1].Sub(slow[n-1])
	curr := fast[n].Sub(slow[n])
	switch {
	case !prev.IsPositive() && curr.IsPositive():
		return s.proposal(core.SideBuy, IntentGoldenCross, bar.Close), nil
	case !prev.IsNegative() && curr.IsNegative():
		return s.proposal(core.SideSell, IntentDeathCross, bar.Close), nil
	}
	return nil, nil
}

func (s *MACrossover) OnStart(ctx context.Context, cfg core.Strategy) error { return nil }
func (s *MACrossover) OnStop(ctx context.Context) error                     { return nil }

func (s *MACrossover) proposal(side core.Side, intent string, price decimal.Decimal) *core.Proposal {
	p := &core.Proposal{
		Side:        side,
		SignalPrice: price,
		IntentTag:   intent,
		StrategyParams: map[string]interface{}{
			"fast_period": s.fast,
			"slow_period": s.slow,
		},
	}
	one := decimal.NewFromInt(1)
	if s.stopPct.IsPositive() && side == core.SideBuy {
		p.StopLossPrice = price.Mul(one.Sub(s.stopPct))
	}
	if s.takePct.IsPositive() && side == core.SideBuy {
		p.TakeProfitPrice = price.Mul(one.Add(s.takePct))
	}
	return p
}
