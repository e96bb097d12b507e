package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricBusPublishedTotal      = "tradecore_bus_published_total"
	MetricBusConsumedTotal       = "tradecore_bus_consumed_total"
	MetricBusRetriesTotal        = "tradecore_bus_retries_total"
	MetricBusDLQTotal            = "tradecore_bus_dlq_total"
	MetricBusBufferDepth         = "tradecore_bus_publish_buffer_depth"
	MetricProposalsTotal         = "tradecore_proposals_total"
	MetricOrdersPlacedTotal      = "tradecore_orders_placed_total"
	MetricOrdersFailedTotal      = "tradecore_orders_failed_total"
	MetricFillsTotal             = "tradecore_fills_total"
	MetricOrderPlaceLatency      = "tradecore_order_place_latency_ms"
	MetricAllocationLatency      = "tradecore_allocation_latency_ms"
	MetricCircuitBreakerOpen     = "tradecore_circuit_breaker_open"
	MetricAvailableCapital       = "tradecore_available_capital"
	MetricOpenPositions          = "tradecore_open_positions"
	MetricMarketDataTicksTotal   = "tradecore_market_data_ticks_total"
	MetricMarketDataDropsTotal   = "tradecore_market_data_drops_total"
	MetricReconcileRunsTotal     = "tradecore_reconciliation_runs_total"
	MetricReconcileDiscrepancies = "tradecore_reconciliation_discrepancies_total"
	MetricAlertsSentTotal        = "tradecore_alerts_sent_total"
	MetricAlertsSuppressedTotal  = "tradecore_alerts_suppressed_total"
	MetricWorkerRestartsTotal    = "tradecore_worker_restarts_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	BusPublishedTotal      metric.Int64Counter
	BusConsumedTotal       metric.Int64Counter
	BusRetriesTotal        metric.Int64Counter
	BusDLQTotal            metric.Int64Counter
	BusBufferDepth         metric.Int64ObservableGauge
	ProposalsTotal         metric.Int64Counter
	OrdersPlacedTotal      metric.Int64Counter
	OrdersFailedTotal      metric.Int64Counter
	FillsTotal             metric.Int64Counter
	OrderPlaceLatency      metric.Float64Histogram
	AllocationLatency      metric.Float64Histogram
	CircuitBreakerOpen     metric.Int64ObservableGauge
	AvailableCapital       metric.Float64ObservableGauge
	OpenPositions          metric.Int64ObservableGauge
	MarketDataTicksTotal   metric.Int64Counter
	MarketDataDropsTotal   metric.Int64Counter
	ReconcileRunsTotal     metric.Int64Counter
	ReconcileDiscrepancies metric.Int64Counter

	// State for observable gauges
	mu             sync.RWMutex
	bufferDepthMap map[string]int64
	cbOpenMap      map[string]int64
	capitalMap     map[string]float64
	positionsMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			bufferDepthMap: make(map[string]int64),
			cbOpenMap:      make(map[string]int64),
			capitalMap:     make(map[string]float64),
			positionsMap:   make(map[string]int64),
		}
		// Instruments are created in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.BusPublishedTotal, err = meter.Int64Counter(MetricBusPublishedTotal, metric.WithDescription("Messages published by exchange"))
	if err != nil {
		return err
	}

	m.BusConsumedTotal, err = meter.Int64Counter(MetricBusConsumedTotal, metric.WithDescription("Messages consumed by queue"))
	if err != nil {
		return err
	}

	m.BusRetriesTotal, err = meter.Int64Counter(MetricBusRetriesTotal, metric.WithDescription("Handler retries by queue"))
	if err != nil {
		return err
	}

	m.BusDLQTotal, err = meter.Int64Counter(MetricBusDLQTotal, metric.WithDescription("Messages routed to the dead-letter exchange"))
	if err != nil {
		return err
	}

	m.ProposalsTotal, err = meter.Int64Counter(MetricProposalsTotal, metric.WithDescription("Allocation verdicts by result and reason"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Orders accepted by the exchange"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Order placements that failed terminally"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Order fill events applied"))
	if err != nil {
		return err
	}

	m.MarketDataTicksTotal, err = meter.Int64Counter(MetricMarketDataTicksTotal, metric.WithDescription("Market data bars published"))
	if err != nil {
		return err
	}

	m.MarketDataDropsTotal, err = meter.Int64Counter(MetricMarketDataDropsTotal, metric.WithDescription("Market data bars dropped on overflow"))
	if err != nil {
		return err
	}

	m.ReconcileRunsTotal, err = meter.Int64Counter(MetricReconcileRunsTotal, metric.WithDescription("Reconciliation passes by trigger"))
	if err != nil {
		return err
	}

	m.ReconcileDiscrepancies, err = meter.Int64Counter(MetricReconcileDiscrepancies, metric.WithDescription("Reconciliation discrepancies by class"))
	if err != nil {
		return err
	}

	m.OrderPlaceLatency, err = meter.Float64Histogram(MetricOrderPlaceLatency, metric.WithDescription("Latency of order placement"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.AllocationLatency, err = meter.Float64Histogram(MetricAllocationLatency, metric.WithDescription("Latency of capital allocation decisions"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.BusBufferDepth, err = meter.Int64ObservableGauge(MetricBusBufferDepth, metric.WithDescription("Publishes buffered while the broker is down"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ex, val := range m.bufferDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", ex)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ex, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", ex)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.AvailableCapital, err = meter.Float64ObservableGauge(MetricAvailableCapital, metric.WithDescription("Available capital by portfolio"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pid, val := range m.capitalMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("portfolio", pid)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Open positions by portfolio"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pid, val := range m.positionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("portfolio", pid)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetBufferDepth(exchange string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferDepthMap[exchange] = depth
}

func (m *MetricsHolder) SetCircuitBreakerOpen(exchange string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[exchange] = val
}

func (m *MetricsHolder) SetAvailableCapital(portfolioID string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capitalMap[portfolioID] = value
}

func (m *MetricsHolder) SetOpenPositions(portfolioID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsMap[portfolioID] = count
}

func (m *MetricsHolder) GetCircuitBreakerOpen(exchange string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cbOpenMap[exchange] == 1
}
