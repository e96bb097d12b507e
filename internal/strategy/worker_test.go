package strategy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/store"
	"tradecore/pkg/concurrency"
	apperrors "tradecore/pkg/errors"
)

type workerHarness struct {
	store *store.Store
	cfg   core.Strategy
	deps  Deps
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "worker.db"))
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
	cfg := core.Strategy{
		ID:          "strat-1",
		Type:        "script",
		ExchangeID:  "paper",
		Symbol:      "BTC/USDT",
		Params:      map[string]interface{}{},
		Active:      true,
		PortfolioID: "pf-1",
	}
	require.NoError(t, s.SaveStrategy(ctx, cfg))

	logger := &mockLogger{}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "test", MaxWorkers: 2, MaxCapacity: 16,
	}, logger)
	t.Cleanup(pool.Stop)

	appCfg := config.DefaultConfig()
	appCfg.Bus.RequestTimeoutMs = 250
	appCfg.Worker.BackfillBars = 5
	appCfg.Worker.MaxConsecutiveFailures = 2

	return &workerHarness{
		store: s,
		cfg:   cfg,
		deps: Deps{
			Bus:    bus.NewMemBus(),
			Store:  s,
			Pool:   pool,
			Logger: logger,
			Worker: appCfg.Worker,
			BusCfg: appCfg.Bus,
		},
	}
}

// start runs the worker and returns a stop function yielding Run's error.
func (h *workerHarness) start(t *testing.T, w *Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func scriptedBuy(bar core.Bar, _ *Frame) (*core.Proposal, error) {
	return &core.Proposal{
		Side:        core.SideBuy,
		SignalPrice: bar.Close,
		IntentTag:   "scripted_buy",
	}, nil
}

func TestWorkerProposalRoundTrip(t *testing.T) {
	h := newWorkerHarness(t)
	mb := h.deps.Bus.(*bus.MemBus)
	respondHistory(t, mb, nil)
	respondAllocations(t, mb, core.AllocationApproved)

	strat := &scriptStrategy{
		subs:   []string{core.MarketDataKey("paper", "BTC/USDT")},
		signal: scriptedBuy,
	}
	w := NewWorker(h.cfg, strat, h.deps)
	stop := h.start(t, w)
	defer stop()

	i := 0
	require.Eventually(t, func() bool {
		publishBar(t, mb, barAt(i, 100+float64(i)))
		i++
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > 0
	}, 3*time.Second, 20*time.Millisecond)

	reqs := mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")
	require.NotEmpty(t, reqs)
	assert.Equal(t, "request.capital.allocation.strat-1", reqs[0].RoutingKey)
	assert.Equal(t, core.SourceStrategyWorker, reqs[0].Envelope.Source)
	assert.NotEmpty(t, reqs[0].Envelope.CorrelationID)

	var req core.AllocationRequest
	require.NoError(t, reqs[0].Envelope.DecodePayload(&req))
	assert.Equal(t, "strat-1", req.StrategyID)
	assert.Equal(t, "pf-1", req.PortfolioID)
	assert.Equal(t, "scripted_buy", req.Proposal.IntentTag)
	assert.NotEmpty(t, req.Fingerprint)
	assert.False(t, req.EmittedAt.IsZero())
}

func TestWorkerCheckpointsOnFill(t *testing.T) {
	h := newWorkerHarness(t)
	mb := h.deps.Bus.(*bus.MemBus)
	respondHistory(t, mb, nil)
	respondAllocations(t, mb, core.AllocationApproved)

	strat := &scriptStrategy{
		subs:   []string{core.MarketDataKey("paper", "BTC/USDT")},
		signal: scriptedBuy,
	}
	w := NewWorker(h.cfg, strat, h.deps)
	stop := h.start(t, w)
	defer stop()

	i := 0
	require.Eventually(t, func() bool {
		publishBar(t, mb, barAt(i, 100))
		i++
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > 0
	}, 3*time.Second, 20*time.Millisecond)

	reqEnv := mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")[0].Envelope
	var req core.AllocationRequest
	require.NoError(t, reqEnv.DecodePayload(&req))

	// The connector reports the fill with the full post-image.
	fill := core.TradeExecutedEvent{
		Trade: core.Trade{
			ID:            "trade-1",
			StrategyID:    "strat-1",
			Symbol:        "BTC/USDT",
			Side:          core.SideBuy,
			Status:        core.TradeClosed,
			CorrelationID: reqEnv.CorrelationID,
		},
		Position: &core.Position{ID: "pos-1", StrategyID: "strat-1", Open: true},
	}
	env, err := core.NewEnvelope(core.SourceExchangeConnector, reqEnv.CorrelationID, fill)
	require.NoError(t, err)
	require.NoError(t, mb.Publish(context.Background(), core.ExchangeEvents, core.KeyTradeExecuted, env))

	require.Eventually(t, func() bool {
		st, err := h.store.LoadStrategyState(context.Background(), "strat-1")
		return err == nil && st.LastFingerprint == req.Fingerprint && st.OpenPositionID == "pos-1"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerIgnoresReplayedBars(t *testing.T) {
	h := newWorkerHarness(t)
	mb := h.deps.Bus.(*bus.MemBus)
	respondHistory(t, mb, nil)
	respondAllocations(t, mb, core.AllocationDenied)

	strat := &scriptStrategy{
		subs:   []string{core.MarketDataKey("paper", "BTC/USDT")},
		signal: scriptedBuy,
	}
	w := NewWorker(h.cfg, strat, h.deps)
	stop := h.start(t, w)
	defer stop()

	bar := barAt(0, 100)
	require.Eventually(t, func() bool {
		publishBar(t, mb, bar)
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > 0
	}, 3*time.Second, 20*time.Millisecond)

	// Redeliveries of the same bar never reach the strategy again.
	for range [5]struct{}{} {
		publishBar(t, mb, bar)
	}
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*"), 1)
}

func TestWorkerSellRequiresOpenPosition(t *testing.T) {
	h := newWorkerHarness(t)
	mb := h.deps.Bus.(*bus.MemBus)
	respondHistory(t, mb, nil)
	respondAllocations(t, mb, core.AllocationApproved)

	strat := &scriptStrategy{
		subs: []string{core.MarketDataKey("paper", "BTC/USDT")},
		signal: func(bar core.Bar, _ *Frame) (*core.Proposal, error) {
			return &core.Proposal{
				Side:        core.SideSell,
				SignalPrice: bar.Close,
				IntentTag:   "scripted_sell",
			}, nil
		},
	}
	w := NewWorker(h.cfg, strat, h.deps)
	stop := h.start(t, w)
	defer stop()

	for i := 0; i < 5; i++ {
		publishBar(t, mb, barAt(i, 100))
	}
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*"),
		"sell signals without an open position are dropped")

	// An open position unlocks the sell path.
	fill := core.TradeExecutedEvent{
		Trade:    core.Trade{ID: "t-1", StrategyID: "strat-1", Status: core.TradeClosed, CorrelationID: "c-1"},
		Position: &core.Position{ID: "pos-1", StrategyID: "strat-1", Open: true},
	}
	env, err := core.NewEnvelope(core.SourceExchangeConnector, "c-1", fill)
	require.NoError(t, err)
	require.NoError(t, mb.Publish(context.Background(), core.ExchangeEvents, core.KeyTradeExecuted, env))

	i := 5
	require.Eventually(t, func() bool {
		publishBar(t, mb, barAt(i, 100))
		i++
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerHaltsAfterConsecutiveFailures(t *testing.T) {
	h := newWorkerHarness(t)
	mb := h.deps.Bus.(*bus.MemBus)
	respondHistory(t, mb, nil)

	strat := &scriptStrategy{
		subs: []string{core.MarketDataKey("paper", "BTC/USDT")},
		signal: func(core.Bar, *Frame) (*core.Proposal, error) {
			return nil, errors.New("indicator blew up")
		},
	}
	w := NewWorker(h.cfg, strat, h.deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	go func() {
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Errors are ignored: this goroutine must not fail the test.
			if env, err := core.NewEnvelope(core.SourceExchangeConnector, "", barAt(i, 100)); err == nil {
				_ = mb.Publish(ctx, core.ExchangeMarketData, core.MarketDataKey("paper", "BTC/USDT"), env)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrStrategyHalted), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not halt")
	}
}

func TestWorkerStreamGapForcesResync(t *testing.T) {
	h := newWorkerHarness(t)
	h.deps.ResyncGap = 30 * time.Second
	mb := h.deps.Bus.(*bus.MemBus)
	respondHistory(t, mb, nil)
	respondAllocations(t, mb, core.AllocationDenied)

	strat := &scriptStrategy{
		subs:   []string{core.MarketDataKey("paper", "BTC/USDT")},
		warmup: 3,
		signal: scriptedBuy,
	}
	w := NewWorker(h.cfg, strat, h.deps)
	stop := h.start(t, w)
	defer stop()

	// Warm the frame with live bars until the proposal path is active. Bars
	// ride the Eventually loop so the first ones land after the worker's
	// subscription is up.
	i := 0
	require.Eventually(t, func() bool {
		publishBar(t, mb, barAt(i, 100))
		i++
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > 0
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	before := len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*"))

	// An outage past the resync threshold rebuilds the window from history.
	publishReconnect(t, mb, core.WSReconnectedEvent{
		Exchange: "paper",
		Symbols:  []string{"BTC/USDT"},
		GapMs:    (45 * time.Second).Milliseconds(),
		Since:    time.Now().UTC(),
	})
	require.Eventually(t, func() bool {
		return len(mb.PublishedTo(core.ExchangeRequests, "request.market_data.history.#")) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	// The frame restarts cold: a single fresh bar is below warmup.
	publishBar(t, mb, barAt(i+60, 101))
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*"), before,
		"cold frame must not emit signals")

	// Once warmup is satisfied again, signals resume.
	for j := i + 61; j < i+64; j++ {
		publishBar(t, mb, barAt(j, 102))
	}
	require.Eventually(t, func() bool {
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > before
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerIgnoresIrrelevantStreamGaps(t *testing.T) {
	h := newWorkerHarness(t)
	h.deps.ResyncGap = 30 * time.Second
	mb := h.deps.Bus.(*bus.MemBus)
	respondHistory(t, mb, nil)
	respondAllocations(t, mb, core.AllocationDenied)

	strat := &scriptStrategy{
		subs:   []string{core.MarketDataKey("paper", "BTC/USDT")},
		warmup: 3,
		signal: scriptedBuy,
	}
	w := NewWorker(h.cfg, strat, h.deps)
	stop := h.start(t, w)
	defer stop()

	i := 0
	require.Eventually(t, func() bool {
		publishBar(t, mb, barAt(i, 100))
		i++
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > 0
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	before := len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*"))

	// Below threshold, foreign symbol, foreign exchange: none force a rebuild.
	publishReconnect(t, mb, core.WSReconnectedEvent{
		Exchange: "paper", Symbols: []string{"BTC/USDT"},
		GapMs: (5 * time.Second).Milliseconds(),
	})
	publishReconnect(t, mb, core.WSReconnectedEvent{
		Exchange: "paper", Symbols: []string{"ETH/USDT"},
		GapMs: (10 * time.Minute).Milliseconds(),
	})
	publishReconnect(t, mb, core.WSReconnectedEvent{
		Exchange: "live", Symbols: []string{"BTC/USDT"},
		GapMs: (10 * time.Minute).Milliseconds(),
	})
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, mb.PublishedTo(core.ExchangeRequests, "request.market_data.history.#"), 1,
		"only the startup backfill is expected")

	// The frame stayed warm, so the very next bar can signal.
	j := i + 10
	require.Eventually(t, func() bool {
		publishBar(t, mb, barAt(j, 101))
		j++
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > before
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerBackfillWarmsFrame(t *testing.T) {
	h := newWorkerHarness(t)
	mb := h.deps.Bus.(*bus.MemBus)

	history := []core.Bar{barAt(0, 100), barAt(1, 101), barAt(2, 102)}
	respondHistory(t, mb, history)
	respondAllocations(t, mb, core.AllocationDenied)

	var sawLen int
	strat := &scriptStrategy{
		subs:   []string{core.MarketDataKey("paper", "BTC/USDT")},
		warmup: 4,
		signal: func(bar core.Bar, f *Frame) (*core.Proposal, error) {
			sawLen = f.Len()
			return scriptedBuy(bar, f)
		},
	}
	w := NewWorker(h.cfg, strat, h.deps)
	stop := h.start(t, w)
	defer stop()

	// One live bar on top of three backfilled ones satisfies warmup = 4.
	i := 3
	require.Eventually(t, func() bool {
		publishBar(t, mb, barAt(i, 103))
		i++
		return len(mb.PublishedTo(core.ExchangeRequests, "request.capital.allocation.*")) > 0
	}, 3*time.Second, 20*time.Millisecond)

	assert.GreaterOrEqual(t, sawLen, 4, "frame must include backfilled bars")
}
