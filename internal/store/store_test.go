package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPortfolio(t *testing.T, s *Store, id string, total string) core.Portfolio {
	t.Helper()
	p := core.Portfolio{
		ID:               id,
		Name:             "Test Portfolio",
		BaseCurrency:     "USDT",
		TotalCapital:     decimal.RequireFromString(total),
		AvailableCapital: decimal.RequireFromString(total),
		Active:           true,
	}
	if err := s.SavePortfolio(context.Background(), p); err != nil {
		t.Fatalf("failed to seed portfolio: %v", err)
	}
	return p
}

func seedStrategy(t *testing.T, s *Store, id, portfolioID string) core.Strategy {
	t.Helper()
	st := core.Strategy{
		ID:          id,
		Type:        "ma_crossover",
		ExchangeID:  "paper",
		Symbol:      "BTC/USDT",
		Params:      map[string]interface{}{"fast": float64(9), "slow": float64(21)},
		Active:      true,
		PortfolioID: portfolioID,
	}
	if err := s.SaveStrategy(context.Background(), st); err != nil {
		t.Fatalf("failed to seed strategy: %v", err)
	}
	return st
}

func TestStore_WALMode(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected WAL mode, got %s", journalMode)
	}
}

func TestStore_PortfolioRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPortfolio(t, s, "port-1", "10000.00000000")

	p, err := s.GetPortfolio(ctx, "port-1")
	if err != nil {
		t.Fatalf("failed to get portfolio: %v", err)
	}
	if !p.TotalCapital.Equal(decimal.RequireFromString("10000")) {
		t.Errorf("total capital mismatch: %s", p.TotalCapital)
	}
	if !p.Active {
		t.Error("expected active portfolio")
	}

	// Upsert flips the flag without touching capital.
	p.Active = false
	if err := s.SavePortfolio(ctx, p); err != nil {
		t.Fatalf("failed to update portfolio: %v", err)
	}
	active, err := s.ListActivePortfolios(ctx)
	if err != nil {
		t.Fatalf("failed to list portfolios: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active portfolios, got %d", len(active))
	}

	if _, err := s.GetPortfolio(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_AdjustAvailableCapital(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "1000")

	// Reserve part of the capital.
	p, err := s.AdjustAvailableCapital(ctx, "port-1", decimal.RequireFromString("-600"))
	if err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}
	if !p.AvailableCapital.Equal(decimal.RequireFromString("400")) {
		t.Errorf("expected 400 available, got %s", p.AvailableCapital)
	}

	// Reserving exactly the remainder is allowed.
	p, err = s.AdjustAvailableCapital(ctx, "port-1", decimal.RequireFromString("-400"))
	if err != nil {
		t.Fatalf("failed to reserve remainder: %v", err)
	}
	if !p.AvailableCapital.IsZero() {
		t.Errorf("expected zero available, got %s", p.AvailableCapital)
	}

	// One satoshi past zero fails and leaves the balance untouched.
	_, err = s.AdjustAvailableCapital(ctx, "port-1", decimal.RequireFromString("-0.00000001"))
	if !errors.Is(err, apperrors.ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
	p, _ = s.GetPortfolio(ctx, "port-1")
	if !p.AvailableCapital.IsZero() {
		t.Errorf("failed adjustment must not change balance, got %s", p.AvailableCapital)
	}

	// Releasing more than was reserved would exceed total capital.
	_, err = s.AdjustAvailableCapital(ctx, "port-1", decimal.RequireFromString("1000.00000001"))
	if !errors.Is(err, apperrors.ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital on over-release, got %v", err)
	}

	_, err = s.AdjustAvailableCapital(ctx, "missing", decimal.NewFromInt(1))
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SettleRealized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "1000")

	// A winning close credits past the old total: both columns move.
	p, err := s.SettleRealized(ctx, "port-1",
		decimal.RequireFromString("97.9"), decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("failed to settle gain: %v", err)
	}
	if !p.TotalCapital.Equal(decimal.RequireFromString("1100")) {
		t.Errorf("expected total 1100, got %s", p.TotalCapital)
	}
	if !p.AvailableCapital.Equal(decimal.RequireFromString("1097.9")) {
		t.Errorf("expected 1097.9 available, got %s", p.AvailableCapital)
	}

	// A losing close shrinks the total along with the cash.
	p, err = s.SettleRealized(ctx, "port-1",
		decimal.RequireFromString("-47.9"), decimal.RequireFromString("-50"))
	if err != nil {
		t.Fatalf("failed to settle loss: %v", err)
	}
	if !p.TotalCapital.Equal(decimal.RequireFromString("1050")) {
		t.Errorf("expected total 1050, got %s", p.TotalCapital)
	}
	if !p.AvailableCapital.Equal(decimal.RequireFromString("1050")) {
		t.Errorf("expected 1050 available, got %s", p.AvailableCapital)
	}

	// A settlement that would push available past the new total fails and
	// leaves both columns untouched.
	_, err = s.SettleRealized(ctx, "port-1",
		decimal.RequireFromString("10"), decimal.Zero)
	if !errors.Is(err, apperrors.ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
	p, _ = s.GetPortfolio(ctx, "port-1")
	if !p.TotalCapital.Equal(decimal.RequireFromString("1050")) || !p.AvailableCapital.Equal(decimal.RequireFromString("1050")) {
		t.Errorf("failed settlement must not change balances, got %s/%s", p.AvailableCapital, p.TotalCapital)
	}

	_, err = s.SettleRealized(ctx, "missing", decimal.NewFromInt(1), decimal.NewFromInt(1))
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_TradeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "10000")
	seedStrategy(t, s, "strat-1", "port-1")

	trade := core.Trade{
		ID:            "trade-1",
		StrategyID:    "strat-1",
		ExchangeID:    "paper",
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeLimit,
		Amount:        decimal.RequireFromString("0.5"),
		Price:         decimal.RequireFromString("50000"),
		Status:        core.TradePending,
		CorrelationID: "corr-1",
	}
	if err := s.InsertTrade(ctx, trade); err != nil {
		t.Fatalf("failed to insert trade: %v", err)
	}

	// Correlation ids are unique; a second insert is a duplicate.
	dup := trade
	dup.ID = "trade-2"
	if err := s.InsertTrade(ctx, dup); !errors.Is(err, apperrors.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}

	got, err := s.GetTradeByCorrelationID(ctx, "corr-1")
	if err != nil {
		t.Fatalf("failed to get trade by correlation: %v", err)
	}
	if got.ID != "trade-1" {
		t.Errorf("wrong trade: %s", got.ID)
	}

	// pending -> open applies the partial fill figures.
	fill := &core.FillDetails{
		ExchangeOrderID: "ex-123",
		FilledAmount:    decimal.RequireFromString("0.2"),
		AvgFillPrice:    decimal.RequireFromString("50010"),
		Fee:             decimal.RequireFromString("1.0002"),
	}
	if err := s.UpdateTradeStatus(ctx, "trade-1", core.TradeOpen, fill); err != nil {
		t.Fatalf("failed to open trade: %v", err)
	}
	got, _ = s.GetTrade(ctx, "trade-1")
	if got.Status != core.TradeOpen {
		t.Errorf("expected open, got %s", got.Status)
	}
	if got.ExchangeOrderID != "ex-123" {
		t.Errorf("exchange order id not applied: %q", got.ExchangeOrderID)
	}
	if !got.Cost.Equal(decimal.RequireFromString("10002")) {
		t.Errorf("cost not recomputed: %s", got.Cost)
	}
	if got.ClosedAt != nil {
		t.Error("closed_at must stay null while open")
	}

	// open -> closed stamps closed_at exactly once.
	fill.FilledAmount = decimal.RequireFromString("0.5")
	fill.RealizedPnL = decimal.RequireFromString("-12.5")
	if err := s.UpdateTradeStatus(ctx, "trade-1", core.TradeClosed, fill); err != nil {
		t.Fatalf("failed to close trade: %v", err)
	}
	got, _ = s.GetTrade(ctx, "trade-1")
	if got.ClosedAt == nil {
		t.Fatal("closed_at not set on terminal transition")
	}
	firstClose := *got.ClosedAt

	// A redelivered closed event is a no-op transition and must not move
	// closed_at.
	time.Sleep(5 * time.Millisecond)
	if err := s.UpdateTradeStatus(ctx, "trade-1", core.TradeClosed, fill); err != nil {
		t.Fatalf("redelivered close must be idempotent: %v", err)
	}
	got, _ = s.GetTrade(ctx, "trade-1")
	if !got.ClosedAt.Equal(firstClose) {
		t.Errorf("closed_at moved on redelivery: %s -> %s", firstClose, got.ClosedAt)
	}

	// Terminal states accept no backward transition.
	err = s.UpdateTradeStatus(ctx, "trade-1", core.TradeOpen, nil)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict on closed -> open, got %v", err)
	}
}

func TestStore_ListOpenTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "10000")
	seedPortfolio(t, s, "port-2", "10000")
	seedStrategy(t, s, "strat-1", "port-1")
	seedStrategy(t, s, "strat-2", "port-2")

	mk := func(id, strategy string, status core.TradeStatus) core.Trade {
		return core.Trade{
			ID: id, StrategyID: strategy, ExchangeID: "paper", Symbol: "BTC/USDT",
			Side: core.SideBuy, Type: core.OrderTypeMarket,
			Amount: decimal.New(1, 0), Price: decimal.New(100, 0),
			Status: status, CorrelationID: "corr-" + id,
		}
	}
	for _, tr := range []core.Trade{
		mk("t1", "strat-1", core.TradePending),
		mk("t2", "strat-1", core.TradeOpen),
		mk("t3", "strat-1", core.TradeClosed),
		mk("t4", "strat-2", core.TradeOpen),
	} {
		if err := s.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("failed to insert %s: %v", tr.ID, err)
		}
	}

	open, err := s.ListOpenTrades(ctx, "port-1")
	if err != nil {
		t.Fatalf("failed to list open trades: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open trades for port-1, got %d", len(open))
	}
	for _, tr := range open {
		if tr.Status.IsTerminal() {
			t.Errorf("terminal trade %s in open list", tr.ID)
		}
	}
}

func TestStore_RealizedPnLSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "10000")
	seedStrategy(t, s, "strat-1", "port-1")

	now := time.Now().UTC()
	yesterday := now.Add(-24 * time.Hour)
	mk := func(id, pnl string, closedAt *time.Time) core.Trade {
		status := core.TradeOpen
		if closedAt != nil {
			status = core.TradeClosed
		}
		return core.Trade{
			ID: id, StrategyID: "strat-1", ExchangeID: "paper", Symbol: "BTC/USDT",
			Side: core.SideSell, Type: core.OrderTypeMarket,
			Amount: decimal.New(1, 0), Price: decimal.New(100, 0),
			Status: status, CorrelationID: "corr-" + id,
			RealizedPnL: decimal.RequireFromString(pnl), ClosedAt: closedAt,
		}
	}
	for _, tr := range []core.Trade{
		mk("t1", "-50", &now),
		mk("t2", "30", &now),
		mk("t3", "-999", &yesterday),
		mk("t4", "777", nil),
	} {
		if err := s.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("failed to insert %s: %v", tr.ID, err)
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	got, err := s.RealizedPnLSince(ctx, "port-1", midnight)
	if err != nil {
		t.Fatalf("failed to sum pnl: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("-20")) {
		t.Errorf("expected -20 realized today, got %s", got)
	}
}

func TestStore_PositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "10000")
	seedStrategy(t, s, "strat-1", "port-1")

	pos := core.Position{
		ID:           "pos-1",
		StrategyID:   "strat-1",
		Symbol:       "BTC/USDT",
		Side:         core.PositionLong,
		EntryPrice:   decimal.RequireFromString("50000"),
		CurrentSize:  decimal.RequireFromString("0.5"),
		AverageEntry: decimal.RequireFromString("50100.5"),
		StopLoss:     decimal.RequireFromString("49000"),
		Lots: []core.Lot{
			{Qty: decimal.RequireFromString("0.3"), Price: decimal.RequireFromString("50000")},
			{Qty: decimal.RequireFromString("0.2"), Price: decimal.RequireFromString("50251.25")},
		},
		Open:     true,
		OpenedAt: time.Now().UTC(),
	}
	if err := s.SavePosition(ctx, pos); err != nil {
		t.Fatalf("failed to save position: %v", err)
	}

	got, err := s.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("failed to get position: %v", err)
	}
	if len(got.Lots) != 2 || !got.Lots[0].Price.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("FIFO lots did not survive: %+v", got.Lots)
	}
	if !got.StopLoss.Equal(decimal.RequireFromString("49000")) {
		t.Errorf("stop loss mismatch: %s", got.StopLoss)
	}
	if !got.TakeProfit.IsZero() {
		t.Errorf("take profit should be zero, got %s", got.TakeProfit)
	}

	bySymbol, err := s.ListOpenPositionsBySymbol(ctx, "port-1", "BTC/USDT")
	if err != nil {
		t.Fatalf("failed to list by symbol: %v", err)
	}
	if len(bySymbol) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(bySymbol))
	}

	// Closing flips open and stamps closed_at together.
	closed := time.Now().UTC()
	got.Open = false
	got.ClosedAt = &closed
	got.CurrentSize = decimal.Zero
	if err := s.SavePosition(ctx, got); err != nil {
		t.Fatalf("failed to close position: %v", err)
	}
	openList, _ := s.ListOpenPositions(ctx, "port-1")
	if len(openList) != 0 {
		t.Errorf("expected no open positions, got %d", len(openList))
	}
}

func TestStore_RulesUpsertByKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "10000")

	r := core.PortfolioRule{
		ID:          "rule-1",
		PortfolioID: "port-1",
		Kind:        core.RuleMaxPositionSizePercent,
		Value:       "10",
	}
	if err := s.SaveRule(ctx, r); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}
	r.ID = "rule-2"
	r.Value = "15"
	if err := s.SaveRule(ctx, r); err != nil {
		t.Fatalf("failed to upsert rule: %v", err)
	}

	rules, err := s.ListRules(ctx, "port-1")
	if err != nil {
		t.Fatalf("failed to list rules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected one rule per kind, got %d", len(rules))
	}
	if rules[0].Value != "15" {
		t.Errorf("expected updated value 15, got %s", rules[0].Value)
	}
	v, err := rules[0].DecimalValue()
	if err != nil || !v.Equal(decimal.RequireFromString("15")) {
		t.Errorf("decimal value mismatch: %s %v", v, err)
	}
}

func TestStore_StrategyStateCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "10000")
	seedStrategy(t, s, "strat-1", "port-1")

	if _, err := s.LoadStrategyState(ctx, "strat-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first checkpoint, got %v", err)
	}

	barTS := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	st := core.StrategyState{
		StrategyID:         "strat-1",
		LastProcessedBarTS: barTS,
		LastFingerprint:    "abc123",
		OpenPositionID:     "pos-1",
	}
	if err := s.SaveStrategyState(ctx, st); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	st.LastFingerprint = "def456"
	st.OpenPositionID = ""
	if err := s.SaveStrategyState(ctx, st); err != nil {
		t.Fatalf("failed to upsert state: %v", err)
	}

	got, err := s.LoadStrategyState(ctx, "strat-1")
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if got.LastFingerprint != "def456" {
		t.Errorf("fingerprint not updated: %s", got.LastFingerprint)
	}
	if got.OpenPositionID != "" {
		t.Errorf("open position id should be cleared, got %q", got.OpenPositionID)
	}
	if !got.LastProcessedBarTS.Equal(barTS) {
		t.Errorf("bar ts mismatch: %s", got.LastProcessedBarTS)
	}
}

func TestStore_CascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "port-1", "10000")
	seedStrategy(t, s, "strat-1", "port-1")

	if err := s.InsertTrade(ctx, core.Trade{
		ID: "t1", StrategyID: "strat-1", ExchangeID: "paper", Symbol: "BTC/USDT",
		Side: core.SideBuy, Type: core.OrderTypeMarket,
		Amount: decimal.New(1, 0), Price: decimal.New(100, 0),
		Status: core.TradePending, CorrelationID: "corr-t1",
	}); err != nil {
		t.Fatalf("failed to insert trade: %v", err)
	}
	if err := s.SaveStrategyState(ctx, core.StrategyState{
		StrategyID: "strat-1", LastProcessedBarTS: time.Now().UTC(), LastFingerprint: "fp",
	}); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	// Deleting the parent aggregate removes every dependent row.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM portfolios WHERE id = 'port-1'`); err != nil {
		t.Fatalf("failed to delete portfolio: %v", err)
	}

	for _, table := range []string{"strategies", "trades", "strategy_state"} {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("failed to count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("expected cascade to empty %s, found %d rows", table, n)
		}
	}
}

func TestStore_ContextCancellation(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.SavePortfolio(ctx, core.Portfolio{
		ID: "p", Name: "n", BaseCurrency: "USDT",
		TotalCapital: decimal.New(1, 0), AvailableCapital: decimal.New(1, 0),
	}); err == nil {
		t.Error("expected error from cancelled context, got nil")
	}
}
