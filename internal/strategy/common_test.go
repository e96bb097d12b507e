package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradecore/internal/bus"
	"tradecore/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

// scriptStrategy lets worker tests script the signal per bar.
type scriptStrategy struct {
	subs    []string
	warmup  int
	onStart func(cfg core.Strategy) error
	signal  func(bar core.Bar, f *Frame) (*core.Proposal, error)
}

func (s *scriptStrategy) RequiredSubscriptions() []string { return s.subs }

func (s *scriptStrategy) WarmupBars() int {
	if s.warmup < 1 {
		return 1
	}
	return s.warmup
}

func (s *scriptStrategy) PopulateIndicators(f *Frame) (*Frame, error) { return f, nil }

func (s *scriptStrategy) OnData(bar core.Bar, f *Frame) (*core.Proposal, error) {
	if s.signal == nil {
		return nil, nil
	}
	return s.signal(bar, f)
}

func (s *scriptStrategy) OnStart(ctx context.Context, cfg core.Strategy) error {
	if s.onStart != nil {
		return s.onStart(cfg)
	}
	return nil
}

func (s *scriptStrategy) OnStop(ctx context.Context) error { return nil }

// barAt builds a bar whose timestamp is i minutes past a fixed epoch.
func barAt(i int, close float64) core.Bar {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := decimal.NewFromFloat(close)
	return core.Bar{
		Symbol:    "BTC/USDT",
		Exchange:  "paper",
		Timestamp: base.Add(time.Duration(i) * time.Minute),
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.NewFromInt(1),
	}
}

func publishBar(t *testing.T, mb *bus.MemBus, bar core.Bar) {
	t.Helper()
	env, err := core.NewEnvelope(core.SourceExchangeConnector, "", bar)
	require.NoError(t, err)
	require.NoError(t, mb.Publish(context.Background(),
		core.ExchangeMarketData, core.MarketDataKey(bar.Exchange, bar.Symbol), env))
}

// publishReconnect emits a stream-recovery system event the way the exchange
// connector does after an outage.
func publishReconnect(t *testing.T, mb *bus.MemBus, ev core.WSReconnectedEvent) {
	t.Helper()
	env, err := core.NewEnvelope(core.SourceExchangeConnector, "", ev)
	require.NoError(t, err)
	require.NoError(t, mb.Publish(context.Background(),
		core.ExchangeEvents, core.SystemEventKey(core.EventWSReconnected), env))
}

// respondAllocations wires a canned capital-manager verdict onto the bus.
func respondAllocations(t *testing.T, mb *bus.MemBus, result string) {
	t.Helper()
	err := mb.Subscribe(context.Background(), core.Subscription{
		Queue:    "capital.allocation",
		Exchange: core.ExchangeRequests,
		Bindings: []string{"request.capital.allocation.*"},
		Handler: func(ctx context.Context, d core.Delivery) error {
			resp := core.AllocationResponse{
				Result:           result,
				RiskLevel:        core.RiskLow,
				ApprovedQuantity: decimal.RequireFromString("0.1"),
			}
			if result == core.AllocationDenied {
				resp.Reasons = []string{"risk_limit_exceeded"}
				resp.ApprovedQuantity = decimal.Zero
			}
			env, err := core.NewEnvelope(core.SourceCapitalManager, d.Envelope.CorrelationID, resp)
			if err != nil {
				return err
			}
			return mb.Publish(ctx, core.ExchangeResponses,
				core.AllocationResponseKey(d.Envelope.CorrelationID), env)
		},
	})
	require.NoError(t, err)
}

// respondHistory serves backfill requests with the given bars.
func respondHistory(t *testing.T, mb *bus.MemBus, bars []core.Bar) {
	t.Helper()
	err := mb.Subscribe(context.Background(), core.Subscription{
		Queue:    "connector.history",
		Exchange: core.ExchangeRequests,
		Bindings: []string{"request.market_data.history.#"},
		Handler: func(ctx context.Context, d core.Delivery) error {
			resp := core.HistoryResponse{Bars: bars, Complete: true}
			env, err := core.NewEnvelope(core.SourceExchangeConnector, d.Envelope.CorrelationID, resp)
			if err != nil {
				return err
			}
			return mb.Publish(ctx, core.ExchangeResponses,
				core.HistoryResponseKey(d.Envelope.CorrelationID), env)
		},
	})
	require.NoError(t, err)
}
