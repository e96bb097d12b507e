package reconciler

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

var _ core.IExchangeAdapter = (*fakeVenue)(nil)

// fakeVenue is a scriptable exchange read model: reconciliation only calls
// GetOpenOrders and GetPositions, everything else is inert.
type fakeVenue struct {
	mu        sync.Mutex
	name      string
	orders    []core.ExchangeOrder
	positions []core.ExchangePosition
	ordersErr error
	posErr    error
}

func newFakeVenue(name string) *fakeVenue { return &fakeVenue{name: name} }

func (f *fakeVenue) Name() string                      { return f.name }
func (f *fakeVenue) Connect(ctx context.Context) error { return nil }
func (f *fakeVenue) Close() error                      { return nil }

func (f *fakeVenue) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	return core.OrderAck{}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	return true, nil
}

func (f *fakeVenue) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeVenue) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	return append([]core.ExchangeOrder(nil), f.orders...), nil
}

func (f *fakeVenue) GetPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return nil, f.posErr
	}
	return append([]core.ExchangePosition(nil), f.positions...), nil
}

func (f *fakeVenue) GetMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]core.Bar, error) {
	return nil, nil
}

func (f *fakeVenue) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	return core.SymbolInfo{Symbol: symbol}, nil
}

func (f *fakeVenue) Stream(ctx context.Context, symbols []string, cb func(core.Bar)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeVenue) StreamOrderUpdates(ctx context.Context, cb func(core.OrderUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeVenue) setOrders(orders ...core.ExchangeOrder) {
	f.mu.Lock()
	f.orders = orders
	f.mu.Unlock()
}

func (f *fakeVenue) setPositions(positions ...core.ExchangePosition) {
	f.mu.Lock()
	f.positions = positions
	f.mu.Unlock()
}

type harness struct {
	store *store.Store
	mb    *bus.MemBus
	mgr   *capital.Manager
	venue *fakeVenue
	rec   *Reconciler
}

// newHarness opens a fresh store seeded with one funded portfolio and one
// active strategy on the fake venue, with the real capital manager serving
// as both serialization domain and fill applier. Grace defaults to zero so
// freshly seeded rows already qualify as aged.
func newHarness(t *testing.T, mutate ...func(*config.ReconcileConfig)) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "reconciler.db"))
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
	rc := cfg.Reconcile
	rc.OrphanGraceMs = 0
	for _, fn := range mutate {
		fn(&rc)
	}

	mb := bus.NewMemBus()
	mgr := capital.NewManager(capital.Deps{
		Bus:     mb,
		Store:   s,
		Logger:  &mockLogger{},
		Trading: cfg.Trading,
		BusCfg:  cfg.Bus,
	})

	venue := newFakeVenue("paper")
	rec := New(Deps{
		Bus:      mb,
		Store:    s,
		Logger:   &mockLogger{},
		Domain:   mgr,
		Applier:  mgr,
		Adapters: map[string]core.IExchangeAdapter{"paper": venue},
		Cfg:      rc,
	})

	return &harness{store: s, mb: mb, mgr: mgr, venue: venue, rec: rec}
}

// seedPending inserts one pending buy trade with its capital hold, aged by
// the given duration, exactly what the approval path leaves behind.
func (h *harness) seedPending(t *testing.T, cid, qty, price, hold string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.AdjustAvailableCapital(ctx, "pf-1", dec(hold).Neg())
	require.NoError(t, err)

	ts := time.Now().UTC().Add(-age)
	require.NoError(t, h.store.InsertTrade(ctx, core.Trade{
		ID:            "tr-" + cid,
		StrategyID:    "strat-1",
		ExchangeID:    "paper",
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeLimit,
		Amount:        dec(qty),
		Price:         dec(price),
		Cost:          dec(hold),
		Status:        core.TradePending,
		CorrelationID: cid,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}))
}

// openTrade drives the seeded pending trade to open through the real fill
// applier, carrying the given cumulative fill figures.
func (h *harness) openTrade(t *testing.T, cid, orderID, filled, avg, fee string) {
	t.Helper()
	_, _, err := h.mgr.ApplyFill(context.Background(), core.OrderUpdate{
		OrderID:       orderID,
		ClientOrderID: cid,
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Status:        core.TradeOpen,
		FilledAmount:  dec(filled),
		AvgFillPrice:  dec(avg),
		Fee:           dec(fee),
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
}

// closeTrade settles the trade through the applier with the given cumulative
// figures, leaving its position open on the books.
func (h *harness) closeTrade(t *testing.T, cid, orderID, filled, avg, fee string) {
	t.Helper()
	_, _, err := h.mgr.ApplyFill(context.Background(), core.OrderUpdate{
		OrderID:       orderID,
		ClientOrderID: cid,
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Status:        core.TradeClosed,
		FilledAmount:  dec(filled),
		AvgFillPrice:  dec(avg),
		Fee:           dec(fee),
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T, reasons ...trigger) {
	t.Helper()
	tr := trigger{reason: reasonPeriodic}
	if len(reasons) > 0 {
		tr = reasons[0]
	}
	h.rec.runOnce(context.Background(), tr)
}

func (h *harness) trade(t *testing.T, cid string) core.Trade {
	t.Helper()
	tr, err := h.store.GetTradeByCorrelationID(context.Background(), cid)
	require.NoError(t, err)
	return tr
}

func (h *harness) availableCapital(t *testing.T) decimal.Decimal {
	t.Helper()
	pf, err := h.store.GetPortfolio(context.Background(), "pf-1")
	require.NoError(t, err)
	return pf.AvailableCapital
}

func (h *harness) openPositions(t *testing.T) []core.Position {
	t.Helper()
	rows, err := h.store.ListOpenPositions(context.Background(), "pf-1")
	require.NoError(t, err)
	return rows
}

func (h *harness) openTrades(t *testing.T) []core.Trade {
	t.Helper()
	rows, err := h.store.ListOpenTrades(context.Background(), "pf-1")
	require.NoError(t, err)
	return rows
}

// systemEvents decodes the SystemEvent payloads published under the given
// event type.
func (h *harness) systemEvents(t *testing.T, eventType string) []core.SystemEvent {
	t.Helper()
	var out []core.SystemEvent
	for _, msg := range h.mb.PublishedTo(core.ExchangeEvents, core.SystemEventKey(eventType)) {
		var evt core.SystemEvent
		require.NoError(t, msg.Envelope.DecodePayload(&evt))
		out = append(out, evt)
	}
	return out
}

// waitTradeStatus polls until the trade behind cid reaches status; loop-run
// tests apply repairs on the run goroutine.
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
