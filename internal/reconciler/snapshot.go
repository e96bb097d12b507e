package reconciler

import (
	"context"
	"fmt"
	"time"

	"tradecore/internal/core"
)

// venueState is one exchange's reported view. A fetch error poisons the
// whole venue: its trades and positions are skipped for the run, because
// absence of evidence from an unreachable exchange is not evidence of an
// orphan.
type venueState struct {
	orders    []core.ExchangeOrder
	positions []core.ExchangePosition
	err       error
}

// ownedTrade tags a trade with the portfolio its strategy belongs to.
type ownedTrade struct {
	core.Trade
	portfolioID string
}

// ownedPosition tags a position with its portfolio and exchange, resolved
// through the owning strategy.
type ownedPosition struct {
	core.Position
	portfolioID string
	exchange    string
}

type snapshot struct {
	takenAt    time.Time
	portfolios []core.Portfolio
	strategies map[string]core.Strategy
	trades     []ownedTrade
	venues     map[string]venueState
}

// takeSnapshot reads the database side across all active portfolios and
// fetches every adapter's open orders and positions.
func (r *Reconciler) takeSnapshot(ctx context.Context) (*snapshot, error) {
	portfolios, err := r.store.ListActivePortfolios(ctx)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	active, err := r.store.ListActiveStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}

	snap := &snapshot{
		takenAt:    r.now(),
		portfolios: portfolios,
		strategies: make(map[string]core.Strategy, len(active)),
		venues:     make(map[string]venueState, len(r.adapters)),
	}
	for _, s := range active {
		snap.strategies[s.ID] = s
	}

	for _, pf := range portfolios {
		trades, err := r.store.ListOpenTrades(ctx, pf.ID)
		if err != nil {
			return nil, fmt.Errorf("open trades for %s: %w", pf.ID, err)
		}
		for _, tr := range trades {
			snap.trades = append(snap.trades, ownedTrade{Trade: tr, portfolioID: pf.ID})
		}
	}

	for name, adapter := range r.adapters {
		snap.venues[name] = r.fetchVenue(ctx, name, adapter)
	}
	return snap, nil
}

func (r *Reconciler) fetchVenue(ctx context.Context, name string, adapter core.IExchangeAdapter) venueState {
	orders, err := adapter.GetOpenOrders(ctx, "")
	if err != nil {
		r.logger.Warn("Venue open orders unavailable, skipping exchange this run",
			"exchange", name, "error", err)
		return venueState{err: err}
	}
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		r.logger.Warn("Venue positions unavailable, skipping exchange this run",
			"exchange", name, "error", err)
		return venueState{err: err}
	}
	return venueState{orders: orders, positions: positions}
}

// positionSnapshot re-reads open positions after the order-state repairs so
// the size comparison already reflects the fills those repairs applied.
func (r *Reconciler) positionSnapshot(ctx context.Context, snap *snapshot) ([]ownedPosition, error) {
	var out []ownedPosition
	for _, pf := range snap.portfolios {
		rows, err := r.store.ListOpenPositions(ctx, pf.ID)
		if err != nil {
			return nil, fmt.Errorf("open positions for %s: %w", pf.ID, err)
		}
		for _, p := range rows {
			exch, ok := r.exchangeOf(ctx, snap, p.StrategyID)
			if !ok {
				continue
			}
			out = append(out, ownedPosition{Position: p, portfolioID: pf.ID, exchange: exch})
		}
	}
	return out, nil
}

// exchangeOf resolves a strategy's exchange, falling back to a store read
// for strategies that were deactivated while their position stayed open.
func (r *Reconciler) exchangeOf(ctx context.Context, snap *snapshot, strategyID string) (string, bool) {
	if s, ok := snap.strategies[strategyID]; ok {
		return s.ExchangeID, true
	}
	s, err := r.store.GetStrategy(ctx, strategyID)
	if err != nil {
		r.logger.Warn("Position with unresolvable strategy skipped",
			"strategy_id", strategyID, "error", err)
		return "", false
	}
	snap.strategies[s.ID] = s
	return s.ExchangeID, true
}
