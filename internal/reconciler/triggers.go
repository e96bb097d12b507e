package reconciler

import (
	"context"
	"time"

	"tradecore/internal/core"
)

const (
	reasonPeriodic = "periodic"
	reasonWSGap    = "ws_gap"
	reasonOperator = "operator"
	reasonManual   = "manual"
)

// trigger names why a run happens and optionally narrows which portfolio's
// records may be repaired. The snapshot always spans every active portfolio
// so cross-portfolio orders are never misread as orphans.
type trigger struct {
	reason      string
	portfolioID string
}

// covers reports whether a repair touching portfolioID is in scope.
func (t trigger) covers(portfolioID string) bool {
	return t.portfolioID == "" || t.portfolioID == portfolioID
}

// handleReconcileCommand is the operator entry: commands.reconcile with an
// optional portfolio filter.
func (r *Reconciler) handleReconcileCommand(ctx context.Context, d core.Delivery) error {
	var cmd core.ReconcileCommand
	if err := d.Envelope.DecodePayload(&cmd); err != nil {
		return err
	}
	r.logger.Info("Operator reconcile command accepted",
		"portfolio_id", cmd.PortfolioID, "source", d.Envelope.Source)
	r.requestRun(trigger{reason: reasonOperator, portfolioID: cmd.PortfolioID})
	return nil
}

// handleReconnectEvent forces a run when a market-stream outage exceeded the
// reconcile interval: fills from the gap may never have reached the order
// stream.
func (r *Reconciler) handleReconnectEvent(ctx context.Context, d core.Delivery) error {
	var evt core.WSReconnectedEvent
	if err := d.Envelope.DecodePayload(&evt); err != nil {
		return err
	}
	gap := time.Duration(evt.GapMs) * time.Millisecond
	if gap <= r.cfg.Interval() {
		r.logger.Debug("Stream gap within reconcile interval, no forced run",
			"exchange", evt.Exchange, "gap_ms", evt.GapMs)
		return nil
	}
	r.logger.Warn("Stream gap beyond reconcile interval, forcing a run",
		"exchange", evt.Exchange, "gap_ms", evt.GapMs)
	r.requestRun(trigger{reason: reasonWSGap})
	return nil
}
