package connector

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// runPump keeps the adapter's bar stream alive, republishing every closed
// bar onto the market_data exchange and refreshing the price cache.
func (c *Connector) runPump(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		c.logger.Info("No active symbols on this exchange, market pump idle")
		return
	}
	wait := streamRetryMin
	for {
		started := time.Now()
		err := c.adapter.Stream(ctx, symbols, func(bar core.Bar) { c.onBar(ctx, bar) })
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			wait = streamRetryMin
		}
		c.logger.Warn("Market stream ended, restarting", "error", err, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > streamRetryMax {
			wait = streamRetryMax
		}
	}
}

func (c *Connector) onBar(ctx context.Context, bar core.Bar) {
	if bar.Exchange == "" {
		bar.Exchange = c.name
	}
	c.prices.Put(bar.Symbol, bar.Close)

	env, err := core.NewEnvelope(core.SourceExchangeConnector, "", bar)
	if err != nil {
		c.logger.Error("Bar envelope failed", "symbol", bar.Symbol, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, core.ExchangeMarketData, core.MarketDataKey(c.name, bar.Symbol), env); err != nil {
		c.logger.Warn("Bar publish failed", "symbol", bar.Symbol, "error", err)
		return
	}
	c.ticks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", c.name),
		attribute.String("symbol", bar.Symbol)))
}

// runFillStream keeps the adapter's order-update stream alive. Updates apply
// in callback order, which preserves each order's cumulative sequence.
func (c *Connector) runFillStream(ctx context.Context) {
	wait := streamRetryMin
	for {
		started := time.Now()
		err := c.adapter.StreamOrderUpdates(ctx, func(u core.OrderUpdate) { c.applyUpdate(ctx, u) })
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			wait = streamRetryMin
		}
		c.logger.Warn("Order update stream ended, restarting", "error", err, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > streamRetryMax {
			wait = streamRetryMax
		}
	}
}

// applyUpdate maps one exchange order event onto the authoritative record
// and publishes the post-image. Unknown and stale updates are logged and
// dropped; the reconciler owns whatever the stream cannot settle.
func (c *Connector) applyUpdate(ctx context.Context, update core.OrderUpdate) {
	if update.ClientOrderID == "" {
		c.logger.Warn("Order update without client order id dropped",
			"order_id", update.OrderID, "symbol", update.Symbol)
		return
	}
	if update.FilledAmount.IsPositive() {
		c.checkSlippage(update)
	}

	trade, pos, err := c.applier.ApplyFill(ctx, update)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNotFound):
		c.logger.Warn("Order update for unknown trade, reconciliation will record it",
			"client_order_id", update.ClientOrderID, "order_id", update.OrderID)
		return
	case errors.Is(err, apperrors.ErrConflict):
		c.logger.Debug("Stale order update ignored",
			"client_order_id", update.ClientOrderID, "status", string(update.Status))
		return
	default:
		c.logger.Error("Fill application failed",
			"client_order_id", update.ClientOrderID, "error", err)
		return
	}

	if update.FilledAmount.IsPositive() {
		c.fills.Add(ctx, 1, metric.WithAttributes(
			attribute.String("exchange", c.name),
			attribute.String("symbol", update.Symbol)))
	}
	c.publishTradeExecuted(ctx, trade, pos)
}

// checkSlippage warns when a fill lands beyond the configured tolerance from
// the freshest cached price. Observational only.
func (c *Connector) checkSlippage(update core.OrderUpdate) {
	if !c.slippage.IsPositive() || !update.AvgFillPrice.IsPositive() {
		return
	}
	ref, ok := c.prices.Get(update.Symbol)
	if !ok || !ref.IsPositive() {
		return
	}
	dev := update.AvgFillPrice.Sub(ref).Abs().Div(ref)
	if dev.GreaterThan(c.slippage) {
		c.logger.Warn("Fill slippage beyond tolerance",
			"symbol", update.Symbol,
			"fill_price", update.AvgFillPrice.String(),
			"reference", ref.String(),
			"deviation", dev.String())
	}
}

func (c *Connector) publishTradeExecuted(ctx context.Context, trade core.Trade, pos *core.Position) {
	evt := core.TradeExecutedEvent{Trade: trade, Position: pos}
	env, err := core.NewEnvelope(core.SourceExchangeConnector, trade.CorrelationID, evt)
	if err != nil {
		c.logger.Error("Trade event envelope failed", "trade_id", trade.ID, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, core.ExchangeEvents, core.KeyTradeExecuted, env); err != nil {
		c.logger.Warn("Trade event publish failed", "trade_id", trade.ID, "error", err)
	}
}
