// Package connector is the platform's sole boundary to an exchange. One
// Connector runs per configured exchange: it executes approved trade
// commands against the adapter behind rate limits and a circuit breaker,
// pumps the adapter's market-data stream onto the bus, maps exchange order
// events back onto trades and positions, and serves history backfill.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

// componentPrefix names connector instances to the health registry, one per
// exchange: exchange_connector.paper, exchange_connector.gateway, ...
const componentPrefix = "exchange_connector"

const (
	heartbeatEvery = 10 * time.Second

	priceTTL      = 500 * time.Millisecond
	priceCapacity = 1024
	symbolInfoTTL = 10 * time.Minute

	streamRetryMin = time.Second
	streamRetryMax = 30 * time.Second

	historyMaxBars = 1000
)

// ReconnectNotifier is implemented by adapters whose market stream rides a
// reconnecting transport. The connector republishes each recovery as
// events.system.ws_reconnected so workers and the reconciler can decide on
// backfill.
type ReconnectNotifier interface {
	OnReconnected(fn func(gap time.Duration))
}

// Deps wires one connector instance.
type Deps struct {
	Bus       core.IBus
	Store     core.IStateStore
	Logger    core.ILogger
	Health    core.IHealthRegistry
	Applier   core.IFillApplier
	Adapter   core.IExchangeAdapter
	Exchange  config.ExchangeConfig
	Execution config.ExecutionConfig
}

// Connector owns one exchange adapter and everything around it.
type Connector struct {
	bus       core.IBus
	store     core.IStateStore
	logger    core.ILogger
	health    core.IHealthRegistry
	applier   core.IFillApplier
	adapter   core.IExchangeAdapter
	execution config.ExecutionConfig

	name      string // adapter name, also the exchange id in routing keys
	component string

	breaker  *breaker
	limits   *limiterSet
	prices   *priceCache
	info     *symbolInfoCache
	symbols  *symbolLocks
	slippage decimal.Decimal

	// set once in Start, read by the reconnect callback
	streamedSymbols []string

	ordersPlaced metric.Int64Counter
	ordersFailed metric.Int64Counter
	fills        metric.Int64Counter
	ticks        metric.Int64Counter
	placeLatency metric.Float64Histogram
}

// New assembles a connector around the given adapter.
func New(deps Deps) *Connector {
	name := deps.Adapter.Name()
	component := componentPrefix + "." + name
	logger := deps.Logger.WithField("component", component)

	meter := telemetry.GetMeter(componentPrefix)
	ordersPlaced, _ := meter.Int64Counter(telemetry.MetricOrdersPlacedTotal,
		metric.WithDescription("Orders accepted by the exchange"))
	ordersFailed, _ := meter.Int64Counter(telemetry.MetricOrdersFailedTotal,
		metric.WithDescription("Order placements that failed terminally"))
	fills, _ := meter.Int64Counter(telemetry.MetricFillsTotal,
		metric.WithDescription("Order fill events applied"))
	ticks, _ := meter.Int64Counter(telemetry.MetricMarketDataTicksTotal,
		metric.WithDescription("Market data bars published"))
	placeLatency, _ := meter.Float64Histogram(telemetry.MetricOrderPlaceLatency,
		metric.WithDescription("Latency of order placement"), metric.WithUnit("ms"))

	c := &Connector{
		bus:          deps.Bus,
		store:        deps.Store,
		logger:       logger,
		health:       deps.Health,
		applier:      deps.Applier,
		adapter:      deps.Adapter,
		execution:    deps.Execution,
		name:         name,
		component:    component,
		limits:       newLimiterSet(deps.Exchange),
		prices:       newPriceCache(priceTTL, priceCapacity),
		info:         newSymbolInfoCache(symbolInfoTTL),
		symbols:      newSymbolLocks(),
		slippage:     deps.Execution.SlippageTolerance.Decimal,
		ordersPlaced: ordersPlaced,
		ordersFailed: ordersFailed,
		fills:        fills,
		ticks:        ticks,
		placeLatency: placeLatency,
	}
	c.breaker = newBreaker(deps.Execution.CircuitBreakerThreshold, deps.Execution.CoolDown(), c.onCircuitTransition)
	return c
}

// Name identifies this connector instance to the supervisor.
func (c *Connector) Name() string { return c.component }

// LastPrice returns the freshest cached price for symbol, if any.
func (c *Connector) LastPrice(symbol string) (decimal.Decimal, bool) {
	return c.prices.Get(symbol)
}

// SymbolInfo resolves trading constraints through the long-lived cache. It
// satisfies core.SymbolInfoFunc for the capital manager.
func (c *Connector) SymbolInfo(ctx context.Context, exchange, symbol string) (core.SymbolInfo, error) {
	if !strings.EqualFold(exchange, c.name) {
		return core.SymbolInfo{}, fmt.Errorf("%w: exchange %s is not served by %s", apperrors.ErrInvalidSymbol, exchange, c.component)
	}
	if info, ok := c.info.Get(symbol); ok {
		return info, nil
	}
	if err := c.limits.WaitRequest(ctx); err != nil {
		return core.SymbolInfo{}, err
	}
	info, err := c.adapter.SymbolInfo(ctx, symbol)
	if err != nil {
		return core.SymbolInfo{}, err
	}
	c.info.Put(symbol, info)
	return info, nil
}

// Start connects the adapter, registers the bus consumers, and launches the
// stream pumps. It returns once consumers are live; the pumps run until ctx
// ends.
func (c *Connector) Start(ctx context.Context) error {
	if c.health != nil {
		c.health.Register(c.component)
	}

	if err := c.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s adapter: %w", c.name, err)
	}

	err := c.bus.Subscribe(ctx, core.Subscription{
		Queue:    fmt.Sprintf("connector.%s.commands", c.name),
		Exchange: core.ExchangeCommands,
		Bindings: []string{core.KeyExecuteTrade, core.KeyCancelOrder},
		Prefetch: 10,
		Handler:  c.handleCommand,
	})
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}

	err = c.bus.Subscribe(ctx, core.Subscription{
		Queue:    fmt.Sprintf("connector.%s.history", c.name),
		Exchange: core.ExchangeRequests,
		Bindings: []string{fmt.Sprintf("request.market_data.history.%s.*", strings.ToLower(c.name))},
		Prefetch: 10,
		Handler:  c.handleHistory,
	})
	if err != nil {
		return fmt.Errorf("subscribe history requests: %w", err)
	}

	symbols, err := c.streamSymbols(ctx)
	if err != nil {
		return fmt.Errorf("resolve stream symbols: %w", err)
	}
	c.streamedSymbols = symbols

	if rn, ok := c.adapter.(ReconnectNotifier); ok {
		rn.OnReconnected(func(gap time.Duration) { c.onStreamGap(ctx, gap) })
	}

	go c.runPump(ctx, symbols)
	go c.runFillStream(ctx)
	go c.heartbeat(ctx)

	c.logger.Info("Exchange connector started", "exchange", c.name, "symbols", len(symbols))
	return nil
}

// streamSymbols collects the symbols of every active strategy bound to this
// exchange. Membership changes are picked up on restart.
func (c *Connector) streamSymbols(ctx context.Context) ([]string, error) {
	strategies, err := c.store.ListActiveStrategies(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, s := range strategies {
		if !strings.EqualFold(s.ExchangeID, c.name) || seen[s.Symbol] {
			continue
		}
		seen[s.Symbol] = true
		symbols = append(symbols, s.Symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (c *Connector) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.health != nil {
				c.health.Beat(c.component)
			}
		}
	}
}

// onCircuitTransition publishes the breaker movement and mirrors it on the
// health registry and the open-state gauge.
func (c *Connector) onCircuitTransition(from, to circuitState) {
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(c.name, to == circuitOpen)
	if c.health != nil {
		switch to {
		case circuitOpen:
			c.health.SetStatus(c.component, apperrors.ErrExchangeUnavailable)
		case circuitClosed:
			c.health.SetStatus(c.component, nil)
		}
	}

	var eventType string
	switch to {
	case circuitOpen:
		eventType = core.EventExchangeCircuitOpen
	case circuitHalfOpen:
		eventType = core.EventExchangeCircuitHalfOpen
	default:
		eventType = core.EventExchangeCircuitClosed
	}
	c.logger.Warn("Exchange circuit state changed",
		"exchange", c.name, "from", from.String(), "to", to.String())

	evt := core.SystemEvent{
		Type:      eventType,
		Component: c.component,
		Message:   fmt.Sprintf("circuit %s -> %s", from, to),
		Details:   map[string]interface{}{"exchange": c.name},
	}
	env, err := core.NewEnvelope(core.SourceExchangeConnector, "", evt)
	if err != nil {
		return
	}
	// Background: transitions fire from command handlers whose context may
	// already be canceled, and the event must still get out.
	if err := c.bus.Publish(context.Background(), core.ExchangeEvents, core.SystemEventKey(eventType), env); err != nil {
		c.logger.Warn("Circuit event publish failed", "error", err)
	}
}

// onStreamGap republishes a transport recovery with the outage length so
// consumers past their own thresholds can request backfill.
func (c *Connector) onStreamGap(ctx context.Context, gap time.Duration) {
	evt := core.WSReconnectedEvent{
		Exchange: c.name,
		Symbols:  c.streamedSymbols,
		GapMs:    gap.Milliseconds(),
		Since:    time.Now().UTC().Add(-gap),
	}
	env, err := core.NewEnvelope(core.SourceExchangeConnector, "", evt)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, core.ExchangeEvents, core.SystemEventKey(core.EventWSReconnected), env); err != nil {
		c.logger.Warn("Reconnect event publish failed", "error", err)
	}
	c.logger.Warn("Market stream reconnected", "exchange", c.name, "gap", gap.String())
}

func (c *Connector) countFailure(ctx context.Context, reason string) {
	c.ordersFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", c.name),
		attribute.String("reason", reason)))
}
