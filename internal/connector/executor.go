package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// handleCommand dispatches the connector's command queue. Every connector
// instance consumes its own copy of the shared command topology, so commands
// addressed to other exchanges are acknowledged untouched.
func (c *Connector) handleCommand(ctx context.Context, d core.Delivery) error {
	switch d.RoutingKey {
	case core.KeyExecuteTrade:
		return c.handleExecute(ctx, d)
	case core.KeyCancelOrder:
		return c.handleCancel(ctx, d)
	default:
		return fmt.Errorf("%w: %s on connector command queue", apperrors.ErrUnknownRoutingKey, d.RoutingKey)
	}
}

// handleExecute places one approved trade command. The trade row is the
// idempotency ledger: a redelivery whose trade already recorded an exchange
// order id, or moved past pending, was placed before and is acknowledged
// without a second submission. The adapter's client-order-id idempotency
// covers the window between placement and the status write.
func (c *Connector) handleExecute(ctx context.Context, d core.Delivery) error {
	var cmd core.TradeCommand
	if err := d.Envelope.DecodePayload(&cmd); err != nil {
		return err
	}
	if cmd.Exchange != c.name {
		return nil
	}
	if cmd.ClientOrderID == "" || cmd.Symbol == "" {
		return fmt.Errorf("%w: execute command %s missing client_order_id or symbol", apperrors.ErrSchemaViolation, d.Envelope.MessageID)
	}
	log := c.logger.WithFields(map[string]interface{}{
		"client_order_id": cmd.ClientOrderID,
		"symbol":          cmd.Symbol,
		"side":            string(cmd.Side),
	})

	trade, err := c.store.GetTradeByCorrelationID(ctx, cmd.ClientOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// A command without its trade row has nothing to settle against;
			// placing it would orphan the fills. Dead-letter for the operator.
			return fmt.Errorf("%w: no trade recorded for command %s", apperrors.ErrSchemaViolation, cmd.ClientOrderID)
		}
		return err
	}
	if trade.Status != core.TradePending || trade.ExchangeOrderID != "" {
		log.Info("Trade already placed, acknowledging redelivery", "status", string(trade.Status))
		return nil
	}

	if d.Envelope.Expired(time.Now().UTC()) {
		log.Warn("Command deadline passed before placement, failing trade")
		c.countFailure(ctx, "deadline")
		c.resolveTradeFailure(ctx, cmd, apperrors.ReasonDeadlineExceeded)
		return nil
	}

	if !c.breaker.Allow() {
		log.Warn("Circuit open, failing command fast")
		c.countFailure(ctx, "circuit_open")
		c.resolveTradeFailure(ctx, cmd, apperrors.ReasonExchangeUnavailable)
		return nil
	}

	// Bound the token wait by the placement timeout: a budget that cannot
	// admit the order in time negative-acks into the retry ladder instead of
	// holding the queue hostage.
	waitCtx, cancelWait := context.WithTimeout(ctx, c.execution.OrderTimeout())
	err = c.limits.WaitOrder(waitCtx)
	cancelWait()
	if err != nil {
		return err
	}

	unlock := c.symbols.lock(cmd.Symbol)
	defer unlock()

	req := core.OrderRequest{
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Type:          cmd.Type,
		Amount:        cmd.Amount,
		Price:         cmd.Price,
		StopLoss:      cmd.StopLoss,
		TakeProfit:    cmd.TakeProfit,
		ClientOrderID: cmd.ClientOrderID,
	}

	placeCtx, cancelPlace := context.WithTimeout(ctx, c.execution.OrderTimeout())
	defer cancelPlace()
	start := time.Now()
	ack, err := c.adapter.PlaceOrder(placeCtx, req)
	c.placeLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("exchange", c.name)))

	switch {
	case err == nil:
		c.breaker.RecordSuccess()
		c.ordersPlaced.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", c.name)))
		log.Info("Order placed", "order_id", ack.OrderID, "status", string(ack.Status))
		c.applyUpdate(ctx, ackToUpdate(cmd, ack))
		return nil

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, apperrors.ErrExchangeTimeout):
		// The order may or may not have reached the exchange. No automatic
		// retry: the trade stays pending and reconciliation resolves it.
		c.breaker.RecordFailure()
		c.countFailure(ctx, "timeout")
		log.Warn("Order placement timed out, leaving trade for reconciliation",
			"timeout", c.execution.OrderTimeout().String())
		return nil

	case errors.Is(err, apperrors.ErrRateLimited):
		c.countFailure(ctx, "rate_limited")
		return fmt.Errorf("place order %s: %w", cmd.ClientOrderID, err)

	case errors.Is(err, apperrors.ErrOrderRejected) || errors.Is(err, apperrors.ErrInvalidSymbol):
		// Deterministic rejection: retrying cannot change the outcome, so
		// fail the trade and release its reservation now.
		c.countFailure(ctx, "rejected")
		log.Warn("Order rejected by exchange", "error", err)
		c.resolveTradeFailure(ctx, cmd, apperrors.ReasonOf(err))
		return nil

	default:
		c.breaker.RecordFailure()
		c.countFailure(ctx, "transport")
		return fmt.Errorf("place order %s: %w", cmd.ClientOrderID, err)
	}
}

// handleCancel forwards a cancel to the exchange. The canceled order's final
// figures come back through the update stream; the command only triggers it.
func (c *Connector) handleCancel(ctx context.Context, d core.Delivery) error {
	var cmd core.CancelCommand
	if err := d.Envelope.DecodePayload(&cmd); err != nil {
		return err
	}
	if cmd.Exchange != c.name {
		return nil
	}
	if cmd.Symbol == "" || (cmd.OrderID == "" && cmd.ClientOrderID == "") {
		return fmt.Errorf("%w: cancel command %s missing order identity", apperrors.ErrSchemaViolation, d.Envelope.MessageID)
	}

	orderID := cmd.OrderID
	if orderID == "" {
		trade, err := c.store.GetTradeByCorrelationID(ctx, cmd.ClientOrderID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				c.logger.Warn("Cancel for unknown trade", "client_order_id", cmd.ClientOrderID)
				return nil
			}
			return err
		}
		if trade.Status.IsTerminal() {
			return nil
		}
		orderID = trade.ExchangeOrderID
	}
	if orderID == "" {
		c.logger.Warn("Cancel without exchange order id, leaving to reconciliation",
			"client_order_id", cmd.ClientOrderID)
		return nil
	}

	if !c.breaker.Allow() {
		return fmt.Errorf("%w: circuit open for %s", apperrors.ErrExchangeUnavailable, c.name)
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, c.execution.OrderTimeout())
	err := c.limits.WaitRequest(waitCtx)
	cancelWait()
	if err != nil {
		return err
	}

	unlock := c.symbols.lock(cmd.Symbol)
	defer unlock()

	cancelCtx, cancel := context.WithTimeout(ctx, c.execution.OrderTimeout())
	defer cancel()
	ok, err := c.adapter.CancelOrder(cancelCtx, cmd.Symbol, orderID)
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
		if !ok {
			c.logger.Info("Cancel was a no-op, order already final", "order_id", orderID)
		}
		return nil
	case errors.Is(err, apperrors.ErrOrderNotFound):
		c.logger.Warn("Cancel target unknown to exchange, reconciliation will settle it", "order_id", orderID)
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, apperrors.ErrExchangeTimeout):
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: cancel %s: %v", apperrors.ErrExchangeTimeout, orderID, err)
	default:
		c.breaker.RecordFailure()
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
}

// resolveTradeFailure marks the trade failed through the fill applier so its
// reservation is released and the terminal post-image reaches the bus.
func (c *Connector) resolveTradeFailure(ctx context.Context, cmd core.TradeCommand, reason apperrors.Reason) {
	update := core.OrderUpdate{
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Status:        core.TradeFailed,
		Timestamp:     time.Now().UTC(),
	}
	trade, pos, err := c.applier.ApplyFill(ctx, update)
	if err != nil {
		c.logger.Error("Failed to mark trade failed",
			"client_order_id", cmd.ClientOrderID, "reason", string(reason), "error", err)
		return
	}
	c.publishTradeExecuted(ctx, trade, pos)
}

// ackToUpdate maps a placement ack onto the order-update shape shared with
// the stream path.
func ackToUpdate(cmd core.TradeCommand, ack core.OrderAck) core.OrderUpdate {
	status := ack.Status
	if status == "" {
		status = core.TradeOpen
	}
	ts := ack.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return core.OrderUpdate{
		OrderID:       ack.OrderID,
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Status:        status,
		FilledAmount:  ack.FilledAmount,
		AvgFillPrice:  ack.AvgFillPrice,
		Fee:           ack.Fee,
		Timestamp:     ts,
	}
}
