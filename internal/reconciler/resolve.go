package reconciler

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

type outcome string

const (
	outcomeRepaired outcome = "repaired"
	outcomeAlerted  outcome = "alerted"
	outcomeSkipped  outcome = "skipped"
	outcomeFailed   outcome = "failed"
)

func (r *Reconciler) resolve(ctx context.Context, t trigger, d *discrepancy) outcome {
	switch d.class {
	case classStalePending:
		return r.expirePending(ctx, t, d)
	case classOrphanDBOpen:
		return r.finalizeOrphanOpen(ctx, t, d)
	case classStatusDrift, classFillDrift:
		return r.repairDrift(ctx, t, d)
	case classOrphanVenue:
		return r.adoptVenueOrder(ctx, t, d)
	case classSizeMismatch:
		return r.adjustPosition(ctx, t, d)
	}
	return outcomeSkipped
}

// expirePending fails a pending trade the exchange never acknowledged. The
// fill applier releases the capital reservation with the terminal write.
func (r *Reconciler) expirePending(ctx context.Context, t trigger, d *discrepancy) outcome {
	if !t.covers(d.trade.portfolioID) {
		return outcomeSkipped
	}
	trade := d.trade.Trade
	update := core.OrderUpdate{
		ClientOrderID: trade.CorrelationID,
		Symbol:        trade.Symbol,
		Side:          trade.Side,
		Status:        core.TradeFailed,
		Timestamp:     r.now(),
	}
	applied, out := r.applyAndPublish(ctx, update)
	if out != outcomeRepaired {
		return out
	}
	r.logger.Warn("Stale pending trade failed, reservation released",
		"trade_id", applied.ID,
		"correlation_id", applied.CorrelationID,
		"symbol", applied.Symbol,
		"age", r.now().Sub(trade.UpdatedAt).String())
	r.publishReconciled(ctx, applied.CorrelationID, "pending_expired", map[string]interface{}{
		"trade_id": applied.ID,
		"symbol":   applied.Symbol,
		"exchange": applied.ExchangeID,
	})
	return outcomeRepaired
}

// finalizeOrphanOpen settles an open trade whose order the exchange no
// longer lists. The row's fill figures are the last exchange-observed state,
// so they decide the terminal status: any fills mean closed, none means the
// order died without executing and the trade is canceled.
func (r *Reconciler) finalizeOrphanOpen(ctx context.Context, t trigger, d *discrepancy) outcome {
	if !t.covers(d.trade.portfolioID) {
		return outcomeSkipped
	}
	trade := d.trade.Trade
	status := core.TradeCanceled
	if trade.Amount.IsPositive() {
		status = core.TradeClosed
	}
	update := core.OrderUpdate{
		OrderID:       trade.ExchangeOrderID,
		ClientOrderID: trade.CorrelationID,
		Symbol:        trade.Symbol,
		Side:          trade.Side,
		Status:        status,
		FilledAmount:  trade.Amount,
		AvgFillPrice:  trade.Price,
		Fee:           trade.Fee,
		Timestamp:     r.now(),
	}
	applied, out := r.applyAndPublish(ctx, update)
	if out != outcomeRepaired {
		return out
	}
	r.logger.Warn("Open trade absent from exchange, finalized from last known fills",
		"trade_id", applied.ID,
		"correlation_id", applied.CorrelationID,
		"symbol", applied.Symbol,
		"final_status", string(status),
		"filled", trade.Amount.String())
	r.publishReconciled(ctx, applied.CorrelationID, "open_order_finalized", map[string]interface{}{
		"trade_id":     applied.ID,
		"symbol":       applied.Symbol,
		"exchange":     applied.ExchangeID,
		"final_status": string(status),
	})
	return outcomeRepaired
}

// repairDrift applies the exchange's view of a matched order: a lost ack
// (DB pending, exchange open), fills the stream missed, or a terminal state
// the DB never saw.
func (r *Reconciler) repairDrift(ctx context.Context, t trigger, d *discrepancy) outcome {
	if !t.covers(d.trade.portfolioID) {
		return outcomeSkipped
	}
	trade, order := d.trade.Trade, *d.order

	status := order.Status
	if status == "" {
		status = core.TradeOpen
	}
	if !core.CanTransition(trade.Status, status) {
		// The venue vocabulary does not map onto the row's machine (e.g.
		// rejected after open); fall back on what the fills imply.
		if order.Filled.IsPositive() {
			status = core.TradeClosed
		} else {
			status = core.TradeCanceled
		}
	}
	update := core.OrderUpdate{
		OrderID:       order.OrderID,
		ClientOrderID: trade.CorrelationID,
		Symbol:        trade.Symbol,
		Side:          trade.Side,
		Status:        status,
		FilledAmount:  order.Filled,
		AvgFillPrice:  driftFillPrice(order, trade),
		Fee:           trade.Fee,
		Timestamp:     r.now(),
	}
	applied, out := r.applyAndPublish(ctx, update)
	if out != outcomeRepaired {
		return out
	}
	if status.IsTerminal() {
		r.logger.Warn("Trade settled from exchange state",
			"trade_id", applied.ID, "symbol", applied.Symbol,
			"from", string(trade.Status), "to", string(status),
			"filled", order.Filled.String())
		r.publishReconciled(ctx, applied.CorrelationID, "status_drift_settled", map[string]interface{}{
			"trade_id":     applied.ID,
			"symbol":       applied.Symbol,
			"exchange":     applied.ExchangeID,
			"final_status": string(status),
		})
	} else {
		r.logger.Info("Trade fill figures refreshed from exchange",
			"trade_id", applied.ID, "symbol", applied.Symbol,
			"filled", order.Filled.String())
	}
	return outcomeRepaired
}

// adoptVenueOrder records an exchange order the books know nothing about.
// Intent attribution is conservative: exactly one active strategy on the
// order's exchange and symbol adopts it; anything else is an alert.
func (r *Reconciler) adoptVenueOrder(ctx context.Context, t trigger, d *discrepancy) outcome {
	order := *d.order

	// The snapshot can trail the stream; re-check before inserting.
	if order.ClientOrderID != "" {
		known, err := r.store.GetTradeByCorrelationID(ctx, order.ClientOrderID)
		switch {
		case err == nil && known.Status.IsTerminal():
			r.publishAlert(ctx, known.CorrelationID, "settled trade still open on exchange", map[string]interface{}{
				"exchange": d.exchange,
				"symbol":   d.symbol,
				"order_id": order.OrderID,
				"trade_id": known.ID,
				"status":   string(known.Status),
			})
			return outcomeAlerted
		case err == nil:
			return outcomeSkipped
		case !errors.Is(err, apperrors.ErrNotFound):
			r.logger.Error("Orphan lookup failed",
				"client_order_id", order.ClientOrderID, "error", err)
			return outcomeFailed
		}
	}

	if len(d.owners) != 1 {
		r.maybeAutoCancel(ctx, d, "")
		r.publishAlert(ctx, "", "unattributable exchange order", map[string]interface{}{
			"exchange":             d.exchange,
			"symbol":               d.symbol,
			"order_id":             order.OrderID,
			"client_order_id":      order.ClientOrderID,
			"candidate_strategies": len(d.owners),
		})
		return outcomeAlerted
	}
	owner := d.owners[0]
	if !t.covers(owner.PortfolioID) {
		return outcomeSkipped
	}

	now := r.now()
	created := order.CreatedAt
	if created.IsZero() {
		created = now
	}
	cid := "recon-" + uuid.NewString()
	// Cost stays zero: no reservation backs this order, so its terminal
	// release must not move portfolio capital.
	tr := core.Trade{
		ID:              uuid.NewString(),
		StrategyID:      owner.ID,
		ExchangeID:      d.exchange,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Type:            core.OrderTypeLimit,
		Amount:          order.Filled,
		Price:           order.Price,
		Status:          core.TradeOpen,
		ExchangeOrderID: order.OrderID,
		CorrelationID:   cid,
		Reconciled:      true,
		CreatedAt:       created,
		UpdatedAt:       now,
	}
	err := r.domain.RunSerialized(ctx, owner.PortfolioID, func(ctx context.Context) error {
		return r.store.InsertTrade(ctx, tr)
	})
	if err != nil {
		r.logger.Error("Orphan adoption failed",
			"exchange", d.exchange, "order_id", order.OrderID, "error", err)
		return outcomeFailed
	}
	r.logger.Warn("Adopted exchange order unknown to the books",
		"exchange", d.exchange,
		"symbol", order.Symbol,
		"order_id", order.OrderID,
		"strategy_id", owner.ID,
		"correlation_id", cid,
		"filled", order.Filled.String())
	r.publishReconciled(ctx, cid, "venue_order_adopted", map[string]interface{}{
		"trade_id":    tr.ID,
		"symbol":      tr.Symbol,
		"exchange":    tr.ExchangeID,
		"order_id":    order.OrderID,
		"strategy_id": owner.ID,
	})
	r.maybeAutoCancel(ctx, d, cid)
	return outcomeRepaired
}

// maybeAutoCancel requests cancellation of an orphan exchange order when the
// operator opted in and the order outlived the grace period. Orders without
// a creation time are never auto-canceled.
func (r *Reconciler) maybeAutoCancel(ctx context.Context, d *discrepancy, correlationID string) {
	if !r.cfg.OrphanAutoCancel {
		return
	}
	order := *d.order
	if order.Status.IsTerminal() {
		return
	}
	if order.CreatedAt.IsZero() || r.now().Sub(order.CreatedAt) <= r.cfg.OrphanGrace() {
		return
	}
	cmd := core.CancelCommand{
		Exchange:      d.exchange,
		Symbol:        order.Symbol,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
	}
	env, err := core.NewEnvelope(core.SourceReconciler, correlationID, cmd)
	if err != nil {
		r.logger.Error("Cancel command envelope failed", "order_id", order.OrderID, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, core.ExchangeCommands, core.KeyCancelOrder, env); err != nil {
		r.logger.Warn("Orphan cancel publish failed", "order_id", order.OrderID, "error", err)
		return
	}
	r.logger.Warn("Auto-cancel requested for orphan exchange order",
		"exchange", d.exchange, "symbol", order.Symbol, "order_id", order.OrderID)
}

// adjustPosition trues one (exchange, symbol) bucket up to the exchange's
// size. Only an unambiguous single row is adjusted; everything else is an
// alert, leaving the state untouched.
func (r *Reconciler) adjustPosition(ctx context.Context, t trigger, d *discrepancy) outcome {
	details := map[string]interface{}{
		"exchange":      d.exchange,
		"symbol":        d.symbol,
		"db_size":       d.dbSize.String(),
		"exchange_size": d.venueSize.String(),
	}
	if len(d.positions) == 0 {
		r.publishAlert(ctx, "", "exchange position with no backing records", details)
		return outcomeAlerted
	}
	if len(d.positions) > 1 {
		details["rows"] = len(d.positions)
		r.publishAlert(ctx, "", "ambiguous position ownership", details)
		return outcomeAlerted
	}
	row := d.positions[0]
	if !t.covers(row.portfolioID) {
		return outcomeSkipped
	}
	if !d.venueSize.IsZero() && sideFlipped(row.Side, d.venueSize) {
		details["position_id"] = row.ID
		r.publishAlert(ctx, "", "position side flipped on exchange", details)
		return outcomeAlerted
	}

	p := row.Position
	oldSize := p.CurrentSize
	if d.venueSize.IsZero() {
		now := r.now()
		p.CurrentSize = decimal.Zero
		p.Lots = nil
		p.Open = false
		p.ClosedAt = &now
	} else {
		target := d.venueSize.Abs()
		p.Lots = resizeLots(p.Lots, target, adjustmentEntry(d, p))
		p.CurrentSize = target
	}
	err := r.domain.RunSerialized(ctx, row.portfolioID, func(ctx context.Context) error {
		return r.store.SavePosition(ctx, p)
	})
	if err != nil {
		r.logger.Error("Position adjustment failed", "position_id", p.ID, "error", err)
		return outcomeFailed
	}
	r.logger.Warn("Position size adjusted to exchange state",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"from", oldSize.String(),
		"to", p.CurrentSize.String())
	details["position_id"] = p.ID
	r.publishReconciled(ctx, "", "size_adjusted", details)
	return outcomeRepaired
}

// applyAndPublish routes one synthesized order update through the fill
// applier and publishes the post-image. Races with the live fill stream
// surface as conflicts and are skips, not errors.
func (r *Reconciler) applyAndPublish(ctx context.Context, update core.OrderUpdate) (core.Trade, outcome) {
	trade, pos, err := r.applier.ApplyFill(ctx, update)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrConflict):
		r.logger.Debug("Repair raced the fill stream, leaving trade as settled",
			"client_order_id", update.ClientOrderID)
		return core.Trade{}, outcomeSkipped
	case errors.Is(err, apperrors.ErrNotFound):
		r.logger.Debug("Trade vanished before repair",
			"client_order_id", update.ClientOrderID)
		return core.Trade{}, outcomeSkipped
	default:
		r.logger.Error("Reconciliation repair failed",
			"client_order_id", update.ClientOrderID, "error", err)
		return core.Trade{}, outcomeFailed
	}
	r.publishTradeExecuted(ctx, trade, pos)
	return trade, outcomeRepaired
}

func (r *Reconciler) publishTradeExecuted(ctx context.Context, trade core.Trade, pos *core.Position) {
	evt := core.TradeExecutedEvent{Trade: trade, Position: pos}
	env, err := core.NewEnvelope(core.SourceReconciler, trade.CorrelationID, evt)
	if err != nil {
		r.logger.Error("Trade event envelope failed", "trade_id", trade.ID, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, core.ExchangeEvents, core.KeyTradeExecuted, env); err != nil {
		r.logger.Warn("Trade event publish failed", "trade_id", trade.ID, "error", err)
	}
}

func (r *Reconciler) publishReconciled(ctx context.Context, correlationID, action string, details map[string]interface{}) {
	details["action"] = action
	r.publishSystemEvent(ctx, correlationID, core.SystemEvent{
		Type:      core.EventPositionReconciled,
		Component: componentName,
		Message:   "state reconciled: " + action,
		Details:   details,
	})
}

func (r *Reconciler) publishAlert(ctx context.Context, correlationID, message string, details map[string]interface{}) {
	r.logger.Error("Reconciliation alert: "+message, "details", details)
	r.publishSystemEvent(ctx, correlationID, core.SystemEvent{
		Type:      core.EventReconciliationAlert,
		Component: componentName,
		Message:   message,
		Details:   details,
	})
}

func (r *Reconciler) publishSystemEvent(ctx context.Context, correlationID string, evt core.SystemEvent) {
	env, err := core.NewEnvelope(core.SourceReconciler, correlationID, evt)
	if err != nil {
		r.logger.Error("System event envelope failed", "type", evt.Type, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, core.ExchangeEvents, core.SystemEventKey(evt.Type), env); err != nil {
		r.logger.Warn("System event publish failed", "type", evt.Type, "error", err)
	}
}

// driftFillPrice prefers the venue's price, falling back to the row's last
// known figure when the venue reports none.
func driftFillPrice(order core.ExchangeOrder, trade core.Trade) decimal.Decimal {
	if order.Price.IsPositive() {
		return order.Price
	}
	return trade.Price
}

func sideFlipped(side core.PositionSide, venueSigned decimal.Decimal) bool {
	if venueSigned.IsPositive() {
		return side == core.PositionShort
	}
	return side == core.PositionLong
}

func adjustmentEntry(d *discrepancy, p core.Position) decimal.Decimal {
	if d.venueEntry.IsPositive() {
		return d.venueEntry
	}
	if p.AverageEntry.IsPositive() {
		return p.AverageEntry
	}
	return p.EntryPrice
}

// resizeLots reshapes a position's FIFO lots to sum to target: shrinking
// consumes oldest lots first, mirroring how reducing fills consume them;
// growth appends one lot at the given entry.
func resizeLots(lots []core.Lot, target, entry decimal.Decimal) []core.Lot {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(l.Qty)
	}
	switch {
	case total.Equal(target):
		return lots
	case total.LessThan(target):
		out := make([]core.Lot, len(lots), len(lots)+1)
		copy(out, lots)
		return append(out, core.Lot{Qty: target.Sub(total), Price: entry})
	}
	excess := total.Sub(target)
	out := make([]core.Lot, 0, len(lots))
	for _, l := range lots {
		if excess.IsZero() {
			out = append(out, l)
			continue
		}
		if l.Qty.LessThanOrEqual(excess) {
			excess = excess.Sub(l.Qty)
			continue
		}
		out = append(out, core.Lot{Qty: l.Qty.Sub(excess), Price: l.Price})
		excess = decimal.Zero
	}
	return out
}
