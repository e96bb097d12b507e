// Package strategy hosts the worker that drives one trading strategy against
// a live bar stream, the rolling OHLCV frame it feeds the strategy, and the
// built-in strategy kinds.
package strategy

import (
	"context"
	"fmt"

	"tradecore/internal/core"
)

// Built-in strategy kinds, matched against core.Strategy.Type.
const (
	TypeMACrossover   = "ma_crossover"
	TypeMeanReversion = "mean_reversion"
)

// Strategy is the contract a worker drives. PopulateIndicators and OnData
// must be pure: the same frame and bar in yields the same result out, which
// lets the worker skip recomputation on replays. OnStart and OnStop bracket
// the worker lifecycle.
type Strategy interface {
	// RequiredSubscriptions returns the market-data routing keys the worker
	// binds its queue to. Called once at startup.
	RequiredSubscriptions() []string

	// WarmupBars is the minimum frame length before OnData can signal.
	WarmupBars() int

	// PopulateIndicators derives indicator series from the frame without
	// mutating it.
	PopulateIndicators(f *Frame) (*Frame, error)

	// OnData inspects the latest bar against the enriched frame and returns
	// a proposal, or nil when there is no signal.
	OnData(bar core.Bar, f *Frame) (*core.Proposal, error)

	OnStart(ctx context.Context, cfg core.Strategy) error
	OnStop(ctx context.Context) error
}

// Factory builds a strategy instance from its persisted configuration row.
type Factory func(cfg core.Strategy, logger core.ILogger) (Strategy, error)

// New instantiates one of the built-in strategy kinds.
func New(cfg core.Strategy, logger core.ILogger) (Strategy, error) {
	switch cfg.Type {
	case TypeMACrossover:
		return NewMACrossover(cfg, logger)
	case TypeMeanReversion:
		return NewMeanReversion(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
}
