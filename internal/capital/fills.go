package capital

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

// ApplyFill applies one exchange-observed order update to the books: the
// trade's status and fill figures, the strategy's position lots, and the
// portfolio balance. Updates carry cumulative fill figures, so replays and
// out-of-order deliveries degrade to no-ops instead of double counting.
func (m *Manager) ApplyFill(ctx context.Context, update core.OrderUpdate) (core.Trade, *core.Position, error) {
	if update.ClientOrderID == "" {
		return core.Trade{}, nil, fmt.Errorf("%w: order update without client order id", apperrors.ErrSchemaViolation)
	}
	trade, err := m.store.GetTradeByCorrelationID(ctx, update.ClientOrderID)
	if err != nil {
		return core.Trade{}, nil, fmt.Errorf("order update %s: %w", update.ClientOrderID, err)
	}
	strat, err := m.store.GetStrategy(ctx, trade.StrategyID)
	if err != nil {
		return core.Trade{}, nil, fmt.Errorf("strategy %s for trade %s: %w", trade.StrategyID, trade.ID, err)
	}

	var (
		out core.Trade
		pos *core.Position
	)
	err = m.domain.RunSerialized(ctx, strat.PortfolioID, func(ctx context.Context) error {
		var ferr error
		out, pos, ferr = m.applyLocked(ctx, strat.PortfolioID, update)
		return ferr
	})
	return out, pos, err
}

func (m *Manager) applyLocked(ctx context.Context, portfolioID string, update core.OrderUpdate) (core.Trade, *core.Position, error) {
	// Re-read inside the lock; the pre-image drives all delta math.
	trade, err := m.store.GetTradeByCorrelationID(ctx, update.ClientOrderID)
	if err != nil {
		return core.Trade{}, nil, err
	}

	if trade.Status.IsTerminal() {
		// Replay after settlement: answer with the current books unchanged.
		m.logger.Debug("Ignoring order update for settled trade",
			"trade_id", trade.ID, "status", string(trade.Status), "update_status", string(update.Status))
		return trade, m.lookupPosition(ctx, portfolioID, trade), nil
	}
	if !core.CanTransition(trade.Status, update.Status) {
		return core.Trade{}, nil, fmt.Errorf("%w: trade %s cannot move %s -> %s",
			apperrors.ErrConflict, trade.ID, trade.Status, update.Status)
	}

	// Cumulative-to-delta conversion. While pending nothing has been applied;
	// once open, the trade row carries the cumulative figures applied so far.
	appliedQty, appliedAvg := decimal.Zero, decimal.Zero
	if trade.Status == core.TradeOpen {
		appliedQty, appliedAvg = trade.Amount, trade.Price
	}
	fillQty := update.FilledAmount.Sub(appliedQty)
	if fillQty.IsNegative() {
		fillQty = decimal.Zero
	}
	feeDelta := update.Fee.Sub(trade.Fee)
	if feeDelta.IsNegative() {
		feeDelta = decimal.Zero
	}
	var fillPrice decimal.Decimal
	if fillQty.IsPositive() {
		fillPrice = update.FilledAmount.Mul(update.AvgFillPrice).
			Sub(appliedQty.Mul(appliedAvg)).Div(fillQty)
	}

	res := m.bookEntry(trade)

	now := time.Now().UTC()
	realized := decimal.Zero
	var pos *core.Position
	if fillQty.IsPositive() {
		pos = m.lookupPosition(ctx, portfolioID, trade)
		if trade.Side == core.SideBuy {
			if pos == nil {
				pos = &core.Position{
					ID:         uuid.NewString(),
					StrategyID: trade.StrategyID,
					Symbol:     trade.Symbol,
					Side:       core.PositionLong,
					Open:       true,
					OpenedAt:   now,
					StopLoss:   res.stopLoss,
				}
			}
			pos.ApplyOpeningFill(fillQty, fillPrice, feeDelta)
			pos.MarkPrice(fillPrice)

			// Return the pro-rata slice of the hold and spend the actual
			// cost, in one adjustment.
			hold := decimal.Zero
			if res.reserved.IsPositive() && res.orderedQty.IsPositive() {
				hold = res.reserved.Mul(fillQty).Div(res.orderedQty)
				if remaining := res.reserved.Sub(res.released); hold.GreaterThan(remaining) {
					hold = remaining
				}
			}
			spent := fillQty.Mul(fillPrice).Add(feeDelta)
			if err := m.adjustCapital(ctx, portfolioID, hold.Sub(spent)); err != nil {
				return core.Trade{}, nil, err
			}
			res.released = res.released.Add(hold)
		} else {
			if pos != nil {
				realized = pos.ApplyReducingFill(fillQty, fillPrice, feeDelta, now)
			} else {
				m.logger.Warn("Sell fill without an open position",
					"trade_id", trade.ID, "symbol", trade.Symbol)
			}
			// Proceeds come back to available capital while the realized
			// delta moves the book total, so a profitable close lands above
			// the old total instead of being clipped by the reserve bound.
			proceeds := fillQty.Mul(fillPrice).Sub(feeDelta)
			if err := m.settleRealized(ctx, portfolioID, proceeds, realized); err != nil {
				return core.Trade{}, nil, err
			}
		}
		if pos != nil {
			if err := m.store.SavePosition(ctx, *pos); err != nil {
				return core.Trade{}, nil, fmt.Errorf("save position %s: %w", pos.ID, err)
			}
		}
	}
	if pos == nil && update.Status.IsTerminal() {
		// A terminal update carrying no new fill (a cancel landing after a
		// partial) still answers with the surviving position, if any.
		pos = m.lookupPosition(ctx, portfolioID, trade)
	}

	if update.Status.IsTerminal() {
		// Whatever is still held comes back: the unused fee buffer on a full
		// fill, or the whole remainder on a cancel. Released before the
		// status write so a redelivery after a crash finds nothing left.
		if leftover := res.reserved.Sub(res.released); leftover.IsPositive() {
			if err := m.adjustCapital(ctx, portfolioID, leftover); err != nil {
				return core.Trade{}, nil, err
			}
			res.released = res.released.Add(leftover)
		}
	}

	var fill *core.FillDetails
	if update.FilledAmount.IsPositive() || update.OrderID != "" {
		fill = &core.FillDetails{
			ExchangeOrderID: update.OrderID,
			FilledAmount:    update.FilledAmount,
			AvgFillPrice:    update.AvgFillPrice,
			Fee:             update.Fee,
			RealizedPnL:     trade.RealizedPnL.Add(realized),
		}
	}
	if err := m.store.UpdateTradeStatus(ctx, trade.ID, update.Status, fill); err != nil {
		return core.Trade{}, nil, fmt.Errorf("update trade %s: %w", trade.ID, err)
	}

	if update.Status.IsTerminal() {
		m.dropBookEntry(trade.CorrelationID, res.fingerprint)
		m.daily.Invalidate(portfolioID)
	} else {
		m.mu.Lock()
		m.book[trade.CorrelationID] = res
		m.mu.Unlock()
	}

	out, err := m.store.GetTrade(ctx, trade.ID)
	if err != nil {
		return core.Trade{}, nil, err
	}
	m.refreshPositionGauge(ctx, portfolioID)

	m.logger.Info("Fill applied",
		"trade_id", out.ID,
		"symbol", out.Symbol,
		"side", string(out.Side),
		"status", string(out.Status),
		"filled", update.FilledAmount.String(),
		"realized", realized.String())
	return out, pos, nil
}

// bookEntry returns the reservation tracked for the trade, reconstructing it
// from the pending pre-image after a restart. A trade that was already
// partially filled when the book was lost keeps only its remaining figures;
// the reconciliation audit covers the gap.
func (m *Manager) bookEntry(trade core.Trade) *reservation {
	m.mu.Lock()
	res, ok := m.book[trade.CorrelationID]
	m.mu.Unlock()
	if ok {
		return res
	}

	res = &reservation{
		orderedQty:  trade.Amount,
		signalPrice: trade.Price,
	}
	if trade.Side == core.SideBuy {
		switch {
		case trade.Status == core.TradePending:
			// The pending row still carries the full reservation in cost.
			res.reserved = trade.Cost
		case trade.Status == core.TradeOpen && trade.Amount.IsZero():
			// Accepted but unfilled: cost still carries the whole hold.
			res.reserved = trade.Cost
		default:
			m.logger.Warn("Reservation book missing entry for open trade",
				"trade_id", trade.ID, "correlation_id", trade.CorrelationID)
		}
	}
	return res
}

func (m *Manager) dropBookEntry(correlationID, fingerprint string) {
	m.mu.Lock()
	delete(m.book, correlationID)
	if fingerprint != "" {
		if cur, ok := m.inflight[fingerprint]; ok && cur == correlationID {
			delete(m.inflight, fingerprint)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) lookupPosition(ctx context.Context, portfolioID string, trade core.Trade) *core.Position {
	positions, err := m.store.ListOpenPositionsBySymbol(ctx, portfolioID, trade.Symbol)
	if err != nil {
		m.logger.Warn("Position lookup failed",
			"portfolio_id", portfolioID, "symbol", trade.Symbol, "error", err)
		return nil
	}
	for i := range positions {
		if positions[i].StrategyID == trade.StrategyID {
			p := positions[i]
			return &p
		}
	}
	return nil
}

// adjustCapital applies delta to the portfolio balance and refreshes the
// gauge. Failures surface to the caller: a release or spend that cannot be
// booked fails the whole fill application, leaving the books untouched for
// the redelivery.
func (m *Manager) adjustCapital(ctx context.Context, portfolioID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	pf, err := m.store.AdjustAvailableCapital(ctx, portfolioID, delta)
	if err != nil {
		return fmt.Errorf("adjust capital for %s: %w", portfolioID, err)
	}
	telemetry.GetGlobalMetrics().SetAvailableCapital(pf.ID, pf.AvailableCapital.InexactFloat64())
	return nil
}

// settleRealized books a reducing fill: sale proceeds return to available
// capital and the realized delta moves the portfolio total in the same
// transaction.
func (m *Manager) settleRealized(ctx context.Context, portfolioID string, cashDelta, realized decimal.Decimal) error {
	if cashDelta.IsZero() && realized.IsZero() {
		return nil
	}
	pf, err := m.store.SettleRealized(ctx, portfolioID, cashDelta, realized)
	if err != nil {
		return fmt.Errorf("settle realized pnl for %s: %w", portfolioID, err)
	}
	telemetry.GetGlobalMetrics().SetAvailableCapital(pf.ID, pf.AvailableCapital.InexactFloat64())
	return nil
}

func (m *Manager) refreshPositionGauge(ctx context.Context, portfolioID string) {
	positions, err := m.store.ListOpenPositions(ctx, portfolioID)
	if err != nil {
		return
	}
	telemetry.GetGlobalMetrics().SetOpenPositions(portfolioID, int64(len(positions)))
}
