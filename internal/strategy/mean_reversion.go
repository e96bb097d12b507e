package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
)

// Series names computed by the mean-reversion strategy.
const (
	seriesMean = "mean"
	seriesStd  = "std"
)

// Intent tags stamped on mean-reversion proposals.
const (
	IntentReversionEntry = "reversion_entry"
	IntentReversionExit  = "reversion_exit"
)

// MeanReversion buys when the close stretches entry_z standard deviations
// below its rolling mean and sells once the z-score recovers past exit_z.
//
// Params: period (default 20), entry_z (default 2.0), exit_z (default 0.0),
// and optional stop_loss_pct / take_profit_pct as fractions of the signal
// price.
type MeanReversion struct {
	cfg     core.Strategy
	period  int
	entryZ  decimal.Decimal
	exitZ   decimal.Decimal
	stopPct decimal.Decimal
	takePct decimal.Decimal
	logger  core.ILogger
}

var _ Strategy = (*MeanReversion)(nil)

// NewMeanReversion builds the strategy from its persisted configuration.
func NewMeanReversion(cfg core.Strategy, logger core.ILogger) (*MeanReversion, error) {
	period := paramInt(cfg.Params, "period", 20)
	if period < 2 {
		return nil, fmt.Errorf("mean_reversion %s: period %d must be at least 2", cfg.ID, period)
	}
	entryZ := paramDecimal(cfg.Params, "entry_z", decimal.NewFromFloat(2.0))
	if !entryZ.IsPositive() {
		return nil, fmt.Errorf("mean_reversion %s: entry_z must be positive", cfg.ID)
	}
	exitZ := paramDecimal(cfg.Params, "exit_z", decimal.Zero)
	if exitZ.GreaterThanOrEqual(entryZ) {
		return nil, fmt.Errorf("mean_reversion %s: exit_z %s must be below entry_z %s", cfg.ID, exitZ, entryZ)
	}
	return &MeanReversion{
		cfg:     cfg,
		period:  period,
		entryZ:  entryZ,
		exitZ:   exitZ,
		stopPct: paramDecimal(cfg.Params, "stop_loss_pct", decimal.Zero),
		takePct: paramDecimal(cfg.Params, "take_profit_pct", decimal.Zero),
		logger:  logger.WithField("strategy", cfg.ID),
	}, nil
}

func (s *MeanReversion) RequiredSubscriptions() []string {
	return []string{core.MarketDataKey(s.cfg.ExchangeID, s.cfg.Symbol)}
}

func (s *MeanReversion) WarmupBars() int { return s.period }

func (s *MeanReversion) PopulateIndicators(f *Frame) (*Frame, error) {
	closes := f.Closes()
	return f.WithSeries(seriesMean, SMA(closes, s.period)).
		WithSeries(seriesStd, RollingStd(closes, s.period)), nil
}

func (s *MeanReversion) OnData(bar core.Bar, f *Frame) (*core.Proposal, error) {
	if f.Len() < s.WarmupBars() {
		return nil, nil
	}
	mean, ok := f.Series(seriesMean)
	if !ok {
		return nil, fmt.Errorf("mean_reversion %s: frame missing %s series", s.cfg.ID, seriesMean)
	}
	std, ok := f.Series(seriesStd)
	if !ok {
		return nil, fmt.Errorf("mean_reversion %s: frame missing %s series", s.cfg.ID, seriesStd)
	}

	n := f.Len() - 1
	if std[n].IsZero() {
		// Flat window; the z-score is undefined.
		return nil, nil
	}
	z := bar.Close.Sub(mean[n]).Div(std[n])
	switch {
	case z.LessThanOrEqual(s.entryZ.Neg()):
		return s.proposal(core.SideBuy, IntentReversionEntry, bar.Close, z), nil
	case z.GreaterThanOrEqual(s.exitZ):
		return s.proposal(core.SideSell, IntentReversionExit, bar.Close, z), nil
	}
	return nil, nil
}

func (s *MeanReversion) OnStart(ctx context.Context, cfg core.Strategy) error { return nil }
func (s *MeanReversion) OnStop(ctx context.Context) error                     { return nil }

func (s *MeanReversion) proposal(side core.Side, intent string, price, z decimal.Decimal) *core.Proposal {
	p := &core.Proposal{
		Side:        side,
		SignalPrice: price,
		IntentTag:   intent,
		StrategyParams: map[string]interface{}{
			"period": s.period,
			"zscore": z.String(),
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
