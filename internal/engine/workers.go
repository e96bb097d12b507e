package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/core"
	"tradecore/internal/strategy"
	apperrors "tradecore/pkg/errors"
)

// haltWriteTimeout bounds the store write and event publish that record a
// halt. Detached from the run context so a halt landing during shutdown is
// still persisted.
const haltWriteTimeout = 5 * time.Second

// spawnWorkers launches one supervised worker per active strategy.
func (e *Engine) spawnWorkers(ctx context.Context, g *errgroup.Group) error {
	strategies, err := e.store.ListActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("list active strategies: %w", err)
	}
	if len(strategies) == 0 {
		e.logger.Info("No active strategies, running without workers")
		return nil
	}

	for _, st := range strategies {
		cfg := st
		g.Go(func() error {
			e.superviseWorker(ctx, cfg)
			return nil
		})
	}
	e.logger.Info("Workers spawned", "count", len(strategies))
	return nil
}

// superviseWorker runs one strategy's worker and restarts it after crashes,
// spending the configured restart budget. A halt (consecutive-failure limit
// inside the worker) or an exhausted budget marks the strategy inactive and
// raises events.system.strategy_halted; either way this strategy stays down
// until an operator re-activates it. Other strategies are unaffected.
func (e *Engine) superviseWorker(ctx context.Context, cfg core.Strategy) {
	logger := e.logger.WithField("strategy", cfg.ID)
	restarts := 0

	for {
		strat, err := e.strategies(cfg, e.logger)
		if err != nil {
			logger.Error("Cannot build strategy, leaving it unserved", "type", cfg.Type, "error", err)
			return
		}

		worker := strategy.NewWorker(cfg, strat, strategy.Deps{
			Bus:       e.bus,
			Store:     e.store,
			Pool:      e.pool,
			Logger:    e.logger,
			Health:    e.health,
			Worker:    e.cfg.Worker,
			BusCfg:    e.cfg.Bus,
			ResyncGap: e.cfg.Reconcile.Interval(),
		})

		err = worker.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			logger.Info("Worker exited cleanly")
			return

		case errors.Is(err, apperrors.ErrStrategyHalted):
			e.haltStrategy(cfg, err.Error())
			return

		default:
			restarts++
			if restarts > e.cfg.Engine.WorkerMaxRestarts {
				logger.Error("Worker restart budget exhausted",
					"restarts", restarts-1, "error", err)
				e.haltStrategy(cfg, fmt.Sprintf("restart budget exhausted after %d restarts: %v",
					restarts-1, err))
				return
			}

			backoff := e.cfg.Engine.WorkerRestartBackoff()
			logger.Warn("Worker crashed, restarting",
				"restart", restarts, "of", e.cfg.Engine.WorkerMaxRestarts,
				"backoff", backoff.String(), "error", err)
			e.restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", cfg.ID)))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

// haltStrategy records that a strategy is no longer being traded: the active
// flag goes false so a process restart does not resurrect it, and the
// system event pages the operator.
func (e *Engine) haltStrategy(cfg core.Strategy, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), haltWriteTimeout)
	defer cancel()

	if err := e.store.SetStrategyActive(ctx, cfg.ID, false); err != nil {
		e.logger.Error("Failed to deactivate halted strategy", "strategy", cfg.ID, "error", err)
	}

	evt := core.SystemEvent{
		Type:      core.EventStrategyHalted,
		Component: componentName,
		Message:   fmt.Sprintf("strategy %s halted", cfg.ID),
		Details: map[string]interface{}{
			"strategy_id": cfg.ID,
			"exchange":    cfg.ExchangeID,
			"symbol":      cfg.Symbol,
			"reason":      reason,
		},
	}
	env, err := core.NewEnvelope(core.SourceCoreEngine, "", evt)
	if err != nil {
		return
	}
	key := core.SystemEventKey(core.EventStrategyHalted)
	if err := e.bus.Publish(ctx, core.ExchangeEvents, key, env); err != nil {
		e.logger.Warn("Failed to publish strategy_halted", "strategy", cfg.ID, "error", err)
	}
	e.logger.Error("Strategy halted", "strategy", cfg.ID, "reason", reason)
}
