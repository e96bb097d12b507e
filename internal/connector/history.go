package connector

import (
	"context"
	"fmt"
	"time"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// handleHistory serves request.market_data.history.<exchange>.<symbol> from
// the adapter's candle endpoint, so workers can warm their frames without a
// separate data service.
func (c *Connector) handleHistory(ctx context.Context, d core.Delivery) error {
	var req core.HistoryRequest
	if err := d.Envelope.DecodePayload(&req); err != nil {
		return err
	}
	cid := d.Envelope.CorrelationID
	if cid == "" {
		return fmt.Errorf("%w: history request %s without correlation id", apperrors.ErrSchemaViolation, d.Envelope.MessageID)
	}
	if d.Envelope.Expired(time.Now().UTC()) {
		c.logger.Debug("History request expired before serving", "correlation_id", cid)
		return nil
	}

	limit := req.Limit
	if limit <= 0 || limit > historyMaxBars {
		limit = historyMaxBars
	}

	reqCtx := ctx
	if d.Envelope.Deadline != nil {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithDeadline(ctx, *d.Envelope.Deadline)
		defer cancel()
	}
	if err := c.limits.WaitRequest(reqCtx); err != nil {
		return err
	}
	bars, err := c.adapter.GetMarketData(reqCtx, req.Symbol, req.Timeframe, limit)
	if err != nil {
		return fmt.Errorf("fetch history %s %s: %w", req.Symbol, req.Timeframe, err)
	}

	resp := core.HistoryResponse{Bars: clipWindow(bars, req.From, req.To), Complete: true}
	env, err := core.NewEnvelope(core.SourceExchangeConnector, cid, resp)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, core.ExchangeResponses, core.HistoryResponseKey(cid), env)
}

// clipWindow keeps bars inside [from, to], passing the slice through when no
// bounds are set.
func clipWindow(bars []core.Bar, from time.Time, to *time.Time) []core.Bar {
	if from.IsZero() && to == nil {
		return bars
	}
	var out []core.Bar
	for _, b := range bars {
		if !from.IsZero() && b.Timestamp.Before(from) {
			continue
		}
		if to != nil && b.Timestamp.After(*to) {
			continue
		}
		out = append(out, b)
	}
	return out
}
