package capital

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradecore/internal/bus"
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

type harness struct {
	store *store.Store
	mb    *bus.MemBus
	mgr   *Manager
}

// newHarness opens a fresh store seeded with one funded portfolio and one
// active strategy, and starts a manager on an in-memory bus.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "capital.db"))
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
	mgr := NewManager(Deps{
		Bus:     mb,
		Store:   s,
		Logger:  &mockLogger{},
		Trading: cfg.Trading,
		BusCfg:  cfg.Bus,
	})

	runCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, mgr.Start(runCtx))
	t.Cleanup(cancel)

	return &harness{store: s, mb: mb, mgr: mgr}
}

// setRisk rewrites the seeded strategy's per-trade risk fraction.
func (h *harness) setRisk(t *testing.T, risk string) {
	t.Helper()
	ctx := context.Background()
	strat, err := h.store.GetStrategy(ctx, "strat-1")
	require.NoError(t, err)
	strat.Sizing.RiskPercent = dec(risk)
	require.NoError(t, h.store.SaveStrategy(ctx, strat))
}

func (h *harness) availableCapital(t *testing.T) decimal.Decimal {
	t.Helper()
	pf, err := h.store.GetPortfolio(context.Background(), "pf-1")
	require.NoError(t, err)
	return pf.AvailableCapital
}

func (h *harness) totalCapital(t *testing.T) decimal.Decimal {
	t.Helper()
	pf, err := h.store.GetPortfolio(context.Background(), "pf-1")
	require.NoError(t, err)
	return pf.TotalCapital
}

// propose sends an allocation request through the bus and returns the
// manager's verdict.
func (h *harness) propose(t *testing.T, cid string, req core.AllocationRequest) core.AllocationResponse {
	t.Helper()
	env, err := core.NewEnvelope(core.SourceStrategyWorker, cid, req)
	require.NoError(t, err)

	respEnv, err := h.mb.Request(context.Background(),
		core.AllocationRequestKey(req.StrategyID),
		core.AllocationResponseKey(cid), env, time.Second)
	require.NoError(t, err)

	var resp core.AllocationResponse
	require.NoError(t, respEnv.DecodePayload(&resp))
	return resp
}

// buyRequest is the canonical entry proposal: 50 000 signal, 49 000 stop.
func buyRequest(fingerprint string) core.AllocationRequest {
	return core.AllocationRequest{
		StrategyID:  "strat-1",
		PortfolioID: "pf-1",
		Symbol:      "BTC/USDT",
		Exchange:    "paper",
		Proposal: core.Proposal{
			Side:          core.SideBuy,
			SignalPrice:   decimal.NewFromInt(50000),
			StopLossPrice: decimal.NewFromInt(49000),
			IntentTag:     "golden_cross",
		},
		Fingerprint: fingerprint,
		EmittedAt:   time.Now().UTC(),
	}
}

func sellRequest(fingerprint string, signal string) core.AllocationRequest {
	return core.AllocationRequest{
		StrategyID:  "strat-1",
		PortfolioID: "pf-1",
		Symbol:      "BTC/USDT",
		Exchange:    "paper",
		Proposal: core.Proposal{
			Side:        core.SideSell,
			SignalPrice: dec(signal),
			IntentTag:   "death_cross",
		},
		Fingerprint: fingerprint,
		EmittedAt:   time.Now().UTC(),
	}
}

// approveBuy pushes one entry through allocation with the given risk and
// returns the correlation id of the resulting pending trade.
func (h *harness) approveBuy(t *testing.T, risk string) string {
	t.Helper()
	h.setRisk(t, risk)
	cid := uuid.NewString()
	resp := h.propose(t, cid, buyRequest("fp-"+cid))
	require.Equal(t, core.AllocationApproved, resp.Result, "reasons: %v", resp.Reasons)
	return cid
}

// fillUpdate builds a cumulative order update for the trade behind cid.
func fillUpdate(cid string, status core.TradeStatus, filled, avg, fee string) core.OrderUpdate {
	return core.OrderUpdate{
		OrderID:       "ex-" + cid,
		ClientOrderID: cid,
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Status:        status,
		FilledAmount:  dec(filled),
		AvgFillPrice:  dec(avg),
		Fee:           dec(fee),
		FeeAsset:      "USDT",
		Timestamp:     time.Now().UTC(),
	}
}
