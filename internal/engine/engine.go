// Package engine is the supervisor. It assembles the platform's components
// from configuration, starts them in dependency order, spawns one worker per
// active strategy with a restart budget, and drains everything on shutdown.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/alert"
	"tradecore/internal/capital"
	"tradecore/internal/config"
	"tradecore/internal/connector"
	"tradecore/internal/core"
	"tradecore/internal/exchange"
	"tradecore/internal/health"
	"tradecore/internal/reconciler"
	"tradecore/internal/strategy"
	"tradecore/pkg/concurrency"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

const componentName = "core_engine"

const heartbeatEvery = 10 * time.Second

// Component names accepted in engine.components. Each selects one platform
// component for this process; the default set runs all of them in a single
// binary.
const (
	ComponentCapital    = "capital"
	ComponentConnector  = "connector"
	ComponentReconciler = "reconciler"
	ComponentWorkers    = "workers"
	ComponentAlerts     = "alerts"
)

// Deps carries the process-scoped services the supervisor builds on. Bus
// must be connected and Store open before Run; the engine never closes
// either, their lifetime belongs to the caller.
type Deps struct {
	Cfg    *config.Config
	Bus    core.IBus
	Store  core.IStateStore
	Logger core.ILogger
}

// Engine owns the component lifecycle for one process.
type Engine struct {
	cfg    *config.Config
	bus    core.IBus
	store  core.IStateStore
	logger core.ILogger

	health     *health.Registry
	server     *telemetry.Server
	pool       *concurrency.WorkerPool
	connectors map[string]*connector.Connector
	capital    *capital.Manager
	reconciler *reconciler.Reconciler
	notifier   *alert.Notifier

	// strategies builds the Strategy implementation for a config row.
	// Overridable for tests.
	strategies strategy.Factory

	restarts metric.Int64Counter
}

// New assembles a supervisor. Component construction happens in Run so that
// configuration problems surface as Run errors, not panics.
func New(deps Deps) *Engine {
	meter := telemetry.GetMeter(componentName)
	restarts, _ := meter.Int64Counter(telemetry.MetricWorkerRestartsTotal,
		metric.WithDescription("Worker restarts by strategy"))

	logger := deps.Logger.WithField("component", componentName)
	return &Engine{
		cfg:        deps.Cfg,
		bus:        deps.Bus,
		store:      deps.Store,
		logger:     logger,
		health:     health.NewRegistry(logger),
		strategies: strategy.New,
		restarts:   restarts,
	}
}

// Run builds the selected components, starts them, and blocks until ctx is
// canceled. On cancellation it waits for the workers to drain up to the
// configured grace period before returning.
func (e *Engine) Run(ctx context.Context) error {
	selected, err := resolveComponents(e.cfg.Engine.Components)
	if err != nil {
		return err
	}

	e.health.Register(componentName)

	if err := e.assemble(ctx, selected); err != nil {
		return err
	}
	if err := e.startComponents(ctx, selected); err != nil {
		return err
	}
	e.startTelemetryServer(selected)

	g, gctx := errgroup.WithContext(ctx)
	if selected[ComponentWorkers] {
		if err := e.spawnWorkers(gctx, g); err != nil {
			return err
		}
	}
	go e.heartbeat(ctx)

	e.logger.Info("Core engine running",
		"components", strings.Join(e.cfg.Engine.Components, ","),
		"exchanges", len(e.connectors))

	<-ctx.Done()
	return e.drain(g)
}

// resolveComponents turns the configured component list into a set and
// enforces in-process dependencies: fill application is a direct call, so
// the connector and the reconciler cannot run without the capital manager
// beside them.
func resolveComponents(names []string) (map[string]bool, error) {
	selected := make(map[string]bool, len(names))
	for _, name := range names {
		switch name {
		case ComponentCapital, ComponentConnector, ComponentReconciler, ComponentWorkers, ComponentAlerts:
			selected[name] = true
		default:
			return nil, fmt.Errorf("unknown component %q", name)
		}
	}
	if selected[ComponentConnector] && !selected[ComponentCapital] {
		return nil, fmt.Errorf("component %s requires %s in the same process", ComponentConnector, ComponentCapital)
	}
	if selected[ComponentReconciler] && !selected[ComponentCapital] {
		return nil, fmt.Errorf("component %s requires %s in the same process", ComponentReconciler, ComponentCapital)
	}
	return selected, nil
}

// assemble constructs the selected components without starting anything.
// The capital manager's symbol-info lookup closes over the connector map,
// which is filled right after; no lookup runs before Start.
func (e *Engine) assemble(ctx context.Context, selected map[string]bool) error {
	if selected[ComponentCapital] {
		e.capital = capital.NewManager(capital.Deps{
			Bus:        e.bus,
			Store:      e.store,
			Logger:     e.logger,
			Health:     e.health,
			Trading:    e.cfg.Trading,
			BusCfg:     e.cfg.Bus,
			SymbolInfo: e.symbolInfoRouter(),
		})
	}

	needAdapters := selected[ComponentConnector] || selected[ComponentReconciler]
	adapters := make(map[string]core.IExchangeAdapter)
	if needAdapters {
		for name, exCfg := range e.cfg.Exchanges {
			adapter, err := exchange.NewAdapter(name, exCfg, e.logger)
			if err != nil {
				return fmt.Errorf("build adapter: %w", err)
			}
			adapters[strings.ToLower(name)] = adapter
		}
	}

	if selected[ComponentConnector] {
		e.connectors = make(map[string]*connector.Connector, len(adapters))
		for name, adapter := range adapters {
			e.connectors[name] = connector.New(connector.Deps{
				Bus:       e.bus,
				Store:     e.store,
				Logger:    e.logger,
				Health:    e.health,
				Applier:   e.capital,
				Adapter:   adapter,
				Exchange:  e.cfg.Exchanges[name],
				Execution: e.cfg.Execution,
			})
		}
	}

	if selected[ComponentReconciler] {
		e.reconciler = reconciler.New(reconciler.Deps{
			Bus:      e.bus,
			Store:    e.store,
			Logger:   e.logger,
			Health:   e.health,
			Domain:   e.capital,
			Applier:  e.capital,
			Adapters: adapters,
			Cfg:      e.cfg.Reconcile,
		})
		// Without connectors in-process nothing else connects the venues.
		if !selected[ComponentConnector] {
			for name, adapter := range adapters {
				if err := adapter.Connect(ctx); err != nil {
					return fmt.Errorf("connect %s adapter: %w", name, err)
				}
			}
		}
	}

	if selected[ComponentAlerts] && e.cfg.Alerts.Enabled {
		e.notifier = alert.New(alert.Deps{
			Bus:    e.bus,
			Logger: e.logger,
			Health: e.health,
			Cfg:    e.cfg.Alerts,
		})
	}

	if selected[ComponentWorkers] {
		e.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "strategy",
			MaxWorkers: e.cfg.Worker.PoolSize,
		}, e.logger)
	}
	return nil
}

// startComponents brings the assembled components up in dependency order:
// the capital manager before anything that routes fills or corrections into
// it, connectors before the reconciler so streams are live when the first
// periodic run snapshots the venues.
func (e *Engine) startComponents(ctx context.Context, selected map[string]bool) error {
	if e.capital != nil {
		if err := e.capital.Start(ctx); err != nil {
			return fmt.Errorf("start capital manager: %w", err)
		}
	}
	for _, name := range sortedKeys(e.connectors) {
		if err := e.connectors[name].Start(ctx); err != nil {
			return fmt.Errorf("start connector %s: %w", name, err)
		}
	}
	if e.reconciler != nil {
		if err := e.reconciler.Start(ctx); err != nil {
			return fmt.Errorf("start reconciler: %w", err)
		}
	}
	if e.notifier != nil {
		if err := e.notifier.Start(ctx); err != nil {
			return fmt.Errorf("start alert notifier: %w", err)
		}
	} else if selected[ComponentAlerts] {
		e.logger.Info("Alert notifier disabled by configuration")
	}
	return nil
}

// startTelemetryServer exposes /metrics plus the health surface on the
// telemetry listener. The manual reconcile endpoint is mounted only when a
// reconciler runs in this process.
func (e *Engine) startTelemetryServer(selected map[string]bool) {
	if !e.cfg.Telemetry.Enabled {
		return
	}
	e.server = telemetry.NewServer(e.cfg.Telemetry.Listen, e.logger)
	e.server.Handle("/healthz", e.health.Handler())
	if e.reconciler != nil {
		e.server.Handle("/reconcile", health.TriggerHandler(e.reconciler, e.logger))
	}
	e.server.Start()
}

// symbolInfoRouter resolves trading constraints through the connector that
// serves the exchange. The returned func reads the connector map lazily so
// it can be handed to the capital manager before the connectors exist.
func (e *Engine) symbolInfoRouter() core.SymbolInfoFunc {
	return func(ctx context.Context, exchangeID, symbol string) (core.SymbolInfo, error) {
		c, ok := e.connectors[strings.ToLower(exchangeID)]
		if !ok {
			return core.SymbolInfo{}, fmt.Errorf("%w: no connector for exchange %s", apperrors.ErrInvalidSymbol, exchangeID)
		}
		return c.SymbolInfo(ctx, exchangeID, symbol)
	}
}

func (e *Engine) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.health.Beat(componentName)
		}
	}
}

// drain waits for the worker supervisors to unwind, bounded by the shutdown
// grace period, then stops the telemetry listener and the pool.
func (e *Engine) drain(g *errgroup.Group) error {
	grace := e.cfg.Engine.ShutdownGrace()
	e.logger.Info("Shutting down, draining components", "grace", grace.String())

	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-drainCtx.Done():
		e.logger.Warn("Drain deadline exceeded, abandoning remaining workers")
	}

	if e.server != nil {
		if stopErr := e.server.Stop(drainCtx); stopErr != nil {
			e.logger.Warn("Telemetry server stop failed", "error", stopErr)
		}
	}
	if e.pool != nil {
		e.pool.Stop()
	}

	e.logger.Info("Core engine stopped")
	return err
}

// Health exposes the registry so callers (and tests) can inspect component
// state the same way /healthz does.
func (e *Engine) Health() *health.Registry { return e.health }

func sortedKeys(m map[string]*connector.Connector) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
