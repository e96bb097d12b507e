package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradecore/internal/bus"
	"tradecore/internal/capital"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/store"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	_ core.IExchangeAdapter = (*fakeAdapter)(nil)
	_ ReconnectNotifier     = (*fakeAdapter)(nil)
)

// fakeAdapter is an in-memory exchange with scriptable failures. Placement
// is idempotent by client order id, like the real adapters.
type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	placed    []core.OrderRequest
	acks      map[string]core.OrderAck
	placeErr  error
	canceled  []string
	cancelOK  bool
	cancelErr error
	history   []core.Bar
	info      core.SymbolInfo
	infoCalls int

	bars    chan core.Bar
	updates chan core.OrderUpdate

	reconnect func(gap time.Duration)
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:     name,
		acks:     make(map[string]core.OrderAck),
		cancelOK: true,
		bars:     make(chan core.Bar, 16),
		updates:  make(chan core.OrderUpdate, 16),
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return core.OrderAck{}, f.placeErr
	}
	if ack, ok := f.acks[req.ClientOrderID]; ok {
		return ack, nil
	}
	f.placed = append(f.placed, req)
	ack := core.OrderAck{
		OrderID:       fmt.Sprintf("ex-%d", len(f.placed)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        core.TradeOpen,
		Timestamp:     time.Now().UTC(),
	}
	f.acks[req.ClientOrderID] = ack
	return ack, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.canceled = append(f.canceled, orderID)
	return f.cancelOK, nil
}

func (f *fakeAdapter) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)}, nil
}

func (f *fakeAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	return nil, nil
}

func (f *fakeAdapter) GetPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeAdapter) GetMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]core.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > 0 && limit < len(f.history) {
		return f.history[len(f.history)-limit:], nil
	}
	return f.history, nil
}

func (f *fakeAdapter) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	return f.info, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, symbols []string, cb func(core.Bar)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar := <-f.bars:
			cb(bar)
		}
	}
}

func (f *fakeAdapter) StreamOrderUpdates(ctx context.Context, cb func(core.OrderUpdate)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-f.updates:
			cb(u)
		}
	}
}

func (f *fakeAdapter) OnReconnected(fn func(gap time.Duration)) {
	f.mu.Lock()
	f.reconnect = fn
	f.mu.Unlock()
}

func (f *fakeAdapter) fireReconnect(gap time.Duration) {
	f.mu.Lock()
	fn := f.reconnect
	f.mu.Unlock()
	if fn != nil {
		fn(gap)
	}
}

func (f *fakeAdapter) setPlaceErr(err error) {
	f.mu.Lock()
	f.placeErr = err
	f.mu.Unlock()
}

func (f *fakeAdapter) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeAdapter) canceledOrders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

func (f *fakeAdapter) symbolInfoCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoCalls
}

type harness struct {
	store   *store.Store
	mb      *bus.MemBus
	adapter *fakeAdapter
	conn    *Connector
	mgr     *capital.Manager
}

func testExecution() config.ExecutionConfig {
	return config.ExecutionConfig{
		OrderTimeoutMs:           2000,
		RetryAttempts:            3,
		SlippageTolerance:        config.NewDecimal("0.01"),
		CircuitBreakerThreshold:  5,
		CircuitBreakerCoolDownMs: 30000,
	}
}

func testExchange() config.ExchangeConfig {
	return config.ExchangeConfig{
		Adapter:        "paper",
		FeeRate:        config.NewDecimal("0.001"),
		RequestsPerMin: 6000,
		OrdersPerSec:   100,
		OrdersPerDay:   200000,
	}
}

// newHarness opens a fresh store seeded with one funded portfolio and one
// active strategy, and starts a connector over a fake adapter, with the real
// capital manager applying fills.
func newHarness(t *testing.T) *harness {
	return newCustomHarness(t, testExecution(), testExchange())
}

func newCustomHarness(t *testing.T, exec config.ExecutionConfig, exch config.ExchangeConfig) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "connector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SavePortfolio(ctx, core.Portfolio{
		ID:               "pf-1",
		Name:             "test",
		BaseCurrency:     "USDT",
		TotalCapital:     decimal.NewFromInt(10000),
		AvailableCapital: decimal.NewFromInt(10000),
		Active:           true,
	}))
	require.NoError(t, s.SaveStrategy(ctx, core.Strategy{
		ID:          "strat-1",
		Type:        "ma_crossover",
		ExchangeID:  "paper",
		Symbol:      "BTC/USDT",
		Params:      map[string]interface{}{},
		Active:      true,
		PortfolioID: "pf-1",
	}))

	cfg := config.DefaultConfig()
	mb := bus.NewMemBus()
	mgr := capital.NewManager(capital.Deps{
		Bus:     mb,
		Store:   s,
		Logger:  &mockLogger{},
		Trading: cfg.Trading,
		BusCfg:  cfg.Bus,
	})

	adapter := newFakeAdapter("paper")
	conn := New(Deps{
		Bus:       mb,
		Store:     s,
		Logger:    &mockLogger{},
		Applier:   mgr,
		Adapter:   adapter,
		Exchange:  exch,
		Execution: exec,
	})

	runCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, conn.Start(runCtx))
	t.Cleanup(cancel)

	return &harness{store: s, mb: mb, adapter: adapter, conn: conn, mgr: mgr}
}

// seedPendingTrade stands in for the approval path: the pending trade row
// plus its capital hold, exactly what the capital manager leaves behind.
func (h *harness) seedPendingTrade(t *testing.T, cid, qty, price, hold string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.AdjustAvailableCapital(ctx, "pf-1", dec(hold).Neg())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, h.store.InsertTrade(ctx, core.Trade{
		ID:            "tr-" + cid,
		StrategyID:    "strat-1",
		ExchangeID:    "paper",
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Amount:        dec(qty),
		Price:         dec(price),
		Cost:          dec(hold),
		Status:        core.TradePending,
		CorrelationID: cid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

// buyCommand is the canonical approved entry: 0.02 BTC at 50 000.
func buyCommand(cid string) core.TradeCommand {
	return core.TradeCommand{
		StrategyID:    "strat-1",
		Exchange:      "paper",
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Amount:        dec("0.02"),
		Price:         dec("50000"),
		StopLoss:      dec("49000"),
		ClientOrderID: cid,
	}
}

// execute drives one trade command through the handler exactly as the bus
// dispatcher would deliver it, returning the handler verdict.
func (h *harness) execute(t *testing.T, cmd core.TradeCommand) error {
	t.Helper()
	env, err := core.NewEnvelope(core.SourceCapitalManager, cmd.ClientOrderID, cmd)
	require.NoError(t, err)
	return h.conn.handleCommand(context.Background(),
		core.Delivery{Envelope: env, RoutingKey: core.KeyExecuteTrade})
}

func (h *harness) cancel(t *testing.T, cmd core.CancelCommand) error {
	t.Helper()
	env, err := core.NewEnvelope(core.SourceCapitalManager, cmd.ClientOrderID, cmd)
	require.NoError(t, err)
	return h.conn.handleCommand(context.Background(),
		core.Delivery{Envelope: env, RoutingKey: core.KeyCancelOrder})
}

func (h *harness) availableCapital(t *testing.T) decimal.Decimal {
	t.Helper()
	pf, err := h.store.GetPortfolio(context.Background(), "pf-1")
	require.NoError(t, err)
	return pf.AvailableCapital
}

func (h *harness) trade(t *testing.T, cid string) core.Trade {
	t.Helper()
	tr, err := h.store.GetTradeByCorrelationID(context.Background(), cid)
	require.NoError(t, err)
	return tr
}

// waitTradeStatus polls until the trade behind cid reaches status; stream
// updates apply on the pump goroutine.
func (h *harness) waitTradeStatus(t *testing.T, cid string, status core.TradeStatus) core.Trade {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		tr, err := h.store.GetTradeByCorrelationID(context.Background(), cid)
		if err == nil && tr.Status == status {
			return tr
		}
		if time.Now().After(deadline) {
			t.Fatalf("trade %s never reached %s (last: %v, err: %v)", cid, status, tr.Status, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitAvailable polls the portfolio balance; terminal releases land just
// after the trade's status write.
func (h *harness) waitAvailable(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.availableCapital(t)
		if got.Equal(dec(want)) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("available capital never reached %s, last %s", want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitPublished polls the bus record until at least n messages match.
func (h *harness) waitPublished(t *testing.T, exchange, pattern string, n int) []bus.PublishedMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := h.mb.PublishedTo(exchange, pattern)
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d messages on %s %s, got %d", n, exchange, pattern, len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) tradeExecutedEvents(t *testing.T) []core.TradeExecutedEvent {
	t.Helper()
	var out []core.TradeExecutedEvent
	for _, msg := range h.mb.PublishedTo(core.ExchangeEvents, core.KeyTradeExecuted) {
		var evt core.TradeExecutedEvent
		require.NoError(t, msg.Envelope.DecodePayload(&evt))
		out = append(out, evt)
	}
	return out
}
