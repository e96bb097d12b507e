package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/pkg/concurrency"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

// barQueueSize bounds the inbound tick queue per worker; on overflow the
// oldest bar is dropped.
const barQueueSize = 100

// Deps carries the shared services a worker runs against.
type Deps struct {
	Bus    core.IBus
	Store  core.IStateStore
	Pool   *concurrency.WorkerPool
	Logger core.ILogger
	Health core.IHealthRegistry
	Worker config.WorkerConfig
	BusCfg config.BusConfig

	// ResyncGap is the stream outage beyond which the frame is treated as
	// holed: the window is rebuilt from history and no signal is emitted
	// until warmup is satisfied again. Wired from the reconcile interval.
	ResyncGap time.Duration
}

// pendingProposal remembers an approved proposal until its fill arrives so
// the checkpoint records exactly the bar and fingerprint that caused it.
type pendingProposal struct {
	fingerprint string
	barTS       time.Time
	approvedAt  time.Time
}

// Worker drives one strategy: it keeps the rolling frame, runs indicator
// math on the shared pool, emits allocation requests, and checkpoints
// progress when fills come back. All state transitions happen on the Run
// goroutine; the bus dispatchers only feed the channels.
type Worker struct {
	cfg       core.Strategy
	strat     Strategy
	bus       core.IBus
	store     core.IStateStore
	pool      *concurrency.WorkerPool
	health    core.IHealthRegistry
	settings  config.WorkerConfig
	busCfg    config.BusConfig
	logger    core.ILogger
	timeframe string

	frame     *Frame
	dedupe    *Dedupe
	state     core.StrategyState
	pending   map[string]pendingProposal
	failures  int
	resyncGap time.Duration

	bars       chan core.Bar
	fills      chan core.TradeExecutedEvent
	reconnects chan core.WSReconnectedEvent

	drops        metric.Int64Counter
	allocLatency metric.Float64Histogram
}

// NewWorker assembles a worker for one active strategy.
func NewWorker(cfg core.Strategy, strat Strategy, deps Deps) *Worker {
	capacity := deps.Worker.BackfillBars
	if min := strat.WarmupBars(); capacity < min {
		capacity = min
	}
	resyncGap := deps.ResyncGap
	if resyncGap <= 0 {
		resyncGap = time.Minute
	}

	meter := telemetry.GetMeter("strategy_worker")
	drops, _ := meter.Int64Counter(telemetry.MetricMarketDataDropsTotal,
		metric.WithDescription("Market data bars dropped on overflow"))
	allocLatency, _ := meter.Float64Histogram(telemetry.MetricAllocationLatency,
		metric.WithDescription("Allocation request round-trip in milliseconds"))

	return &Worker{
		cfg:          cfg,
		strat:        strat,
		bus:          deps.Bus,
		store:        deps.Store,
		pool:         deps.Pool,
		health:       deps.Health,
		settings:     deps.Worker,
		busCfg:       deps.BusCfg,
		logger:       deps.Logger.WithField("component", "strategy_worker").WithField("strategy", cfg.ID),
		timeframe:    paramString(cfg.Params, "timeframe", "1m"),
		frame:        NewFrame(capacity),
		dedupe:       NewDedupe(deps.Worker.ProposalTTL()),
		pending:      make(map[string]pendingProposal),
		resyncGap:    resyncGap,
		bars:         make(chan core.Bar, barQueueSize),
		fills:        make(chan core.TradeExecutedEvent, 16),
		reconnects:   make(chan core.WSReconnectedEvent, 1),
		drops:        drops,
		allocLatency: allocLatency,
	}
}

// StrategyID returns the id of the strategy this worker runs.
func (w *Worker) StrategyID() string { return w.cfg.ID }

// Name returns the component name used for health heartbeats.
func (w *Worker) Name() string { return "worker." + w.cfg.ID }

// Run executes the worker loop until ctx is done or the strategy halts. A
// halt is reported as apperrors.ErrStrategyHalted so the supervisor can mark
// the strategy inactive and raise the system event.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.strat.OnStart(ctx, w.cfg); err != nil {
		return fmt.Errorf("strategy %s start: %w", w.cfg.ID, err)
	}
	defer func() {
		if err := w.strat.OnStop(context.Background()); err != nil {
			w.logger.Warn("Strategy stop hook failed", "error", err)
		}
	}()

	if w.health != nil {
		w.health.Register(w.Name())
	}

	w.loadState(ctx)
	if err := w.backfill(ctx); err != nil {
		w.logger.Warn("History backfill failed, warming up from live bars", "error", err)
	}
	if err := w.subscribe(ctx); err != nil {
		return fmt.Errorf("worker %s subscribe: %w", w.cfg.ID, err)
	}

	w.logger.Info("Worker started",
		"type", w.cfg.Type, "symbol", w.cfg.Symbol, "exchange", w.cfg.ExchangeID,
		"warmup_bars", w.strat.WarmupBars(), "frame_len", w.frame.Len())

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if w.health != nil {
				w.health.Beat(w.Name())
			}
		case bar := <-w.bars:
			w.handleBar(ctx, bar)
			if w.failures >= w.settings.MaxConsecutiveFailures {
				w.logger.Error("Halting strategy after consecutive failures",
					"failures", w.failures, "limit", w.settings.MaxConsecutiveFailures)
				return fmt.Errorf("worker %s: %d consecutive failures: %w",
					w.cfg.ID, w.failures, apperrors.ErrStrategyHalted)
			}
		case ev := <-w.fills:
			w.handleFill(ctx, ev)
		case ev := <-w.reconnects:
			w.handleReconnect(ctx, ev)
		}
	}
}

// loadState restores the checkpoint persisted on the last accepted fill.
// A missing checkpoint just means a fresh strategy.
func (w *Worker) loadState(ctx context.Context) {
	st, err := w.store.LoadStrategyState(ctx, w.cfg.ID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			w.logger.Warn("Failed to load strategy state", "error", err)
		}
		w.state = core.StrategyState{StrategyID: w.cfg.ID}
		return
	}
	w.state = st
	w.logger.Info("Restored strategy state",
		"last_bar", st.LastProcessedBarTS, "open_position", st.OpenPositionID)
}

// backfill asks the exchange connector for recent history and replays it
// into the frame, so the worker resumes with warm indicators instead of
// waiting a full window of live bars.
func (w *Worker) backfill(ctx context.Context) error {
	limit := w.frame.Capacity()
	req := core.HistoryRequest{
		Exchange:  w.cfg.ExchangeID,
		Symbol:    w.cfg.Symbol,
		Timeframe: w.timeframe,
		Limit:     limit,
	}
	correlationID := uuid.NewString()
	env, err := core.NewEnvelope(core.SourceStrategyWorker, correlationID, req)
	if err != nil {
		return err
	}

	respEnv, err := w.bus.Request(ctx,
		core.HistoryRequestKey(w.cfg.ExchangeID, w.cfg.Symbol),
		core.HistoryResponseKey(correlationID),
		env, w.busCfg.RequestTimeout())
	if err != nil {
		return err
	}

	var resp core.HistoryResponse
	if err := respEnv.DecodePayload(&resp); err != nil {
		return err
	}
	replayed := 0
	for _, bar := range resp.Bars {
		if w.frame.Push(bar) {
			replayed++
		}
	}
	w.logger.Info("Backfill complete", "bars", replayed, "complete", resp.Complete)
	return nil
}

// subscribe declares the market-data queue, the fill-event queue, and the
// stream-recovery queue. All handlers only enqueue; the Run loop owns state.
func (w *Worker) subscribe(ctx context.Context) error {
	err := w.bus.Subscribe(ctx, core.Subscription{
		Queue:    fmt.Sprintf("worker.%s.market_data", w.cfg.ID),
		Exchange: core.ExchangeMarketData,
		Bindings: w.strat.RequiredSubscriptions(),
		Prefetch: w.busCfg.PrefetchMarketData,
		Handler:  w.onBarDelivery,
	})
	if err != nil {
		return err
	}
	err = w.bus.Subscribe(ctx, core.Subscription{
		Queue:    fmt.Sprintf("worker.%s.fills", w.cfg.ID),
		Exchange: core.ExchangeEvents,
		Bindings: []string{core.KeyTradeExecuted},
		Prefetch: 10,
		Handler:  w.onFillDelivery,
	})
	if err != nil {
		return err
	}
	return w.bus.Subscribe(ctx, core.Subscription{
		Queue:    fmt.Sprintf("worker.%s.system", w.cfg.ID),
		Exchange: core.ExchangeEvents,
		Bindings: []string{core.SystemEventKey(core.EventWSReconnected)},
		Prefetch: 1,
		Handler:  w.onReconnectDelivery,
	})
}

// onBarDelivery runs on the bus dispatcher. On a full queue the oldest bar
// is evicted so the worker always converges on the newest market state.
func (w *Worker) onBarDelivery(ctx context.Context, d core.Delivery) error {
	var bar core.Bar
	if err := d.Envelope.DecodePayload(&bar); err != nil {
		return err
	}

	select {
	case w.bars <- bar:
		return nil
	default:
	}

	select {
	case dropped := <-w.bars:
		w.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", w.cfg.ID)))
		w.publishDropEvent(ctx, dropped)
	default:
	}
	select {
	case w.bars <- bar:
	default:
	}
	return nil
}

func (w *Worker) publishDropEvent(ctx context.Context, dropped core.Bar) {
	payload := core.SystemEvent{
		Type:      core.EventMarketDataDrop,
		Component: w.Name(),
		Message:   "tick queue overflow, oldest bar dropped",
		Details: map[string]interface{}{
			"symbol":    dropped.Symbol,
			"timestamp": dropped.Timestamp,
		},
	}
	env, err := core.NewEnvelope(core.SourceStrategyWorker, "", payload)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, core.ExchangeEvents, core.SystemEventKey(core.EventMarketDataDrop), env); err != nil {
		w.logger.Warn("Failed to publish drop event", "error", err)
	}
}

// onFillDelivery runs on the bus dispatcher; it filters foreign strategies
// early and hands the rest to the Run loop.
func (w *Worker) onFillDelivery(ctx context.Context, d core.Delivery) error {
	var ev core.TradeExecutedEvent
	if err := d.Envelope.DecodePayload(&ev); err != nil {
		return err
	}
	if ev.Trade.StrategyID != w.cfg.ID {
		return nil
	}
	select {
	case w.fills <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onReconnectDelivery filters stream-recovery events down to the ones that
// hit this worker's feed with an outage past the resync threshold.
func (w *Worker) onReconnectDelivery(ctx context.Context, d core.Delivery) error {
	var ev core.WSReconnectedEvent
	if err := d.Envelope.DecodePayload(&ev); err != nil {
		return err
	}
	if !strings.EqualFold(ev.Exchange, w.cfg.ExchangeID) || !w.affectedBy(ev.Symbols) {
		return nil
	}
	if gap := time.Duration(ev.GapMs) * time.Millisecond; gap <= w.resyncGap {
		w.logger.Debug("Stream gap below resync threshold", "gap", gap.String())
		return nil
	}
	select {
	case w.reconnects <- ev:
	default: // a resync is already queued; one rebuild covers both outages
	}
	return nil
}

// affectedBy reports whether a recovery event touches this worker's symbol.
// An event without a symbol list is taken to cover the whole exchange.
func (w *Worker) affectedBy(symbols []string) bool {
	if len(symbols) == 0 {
		return true
	}
	for _, s := range symbols {
		if strings.EqualFold(s, w.cfg.Symbol) {
			return true
		}
	}
	return false
}

// handleReconnect rebuilds the window after a market-stream outage. The held
// bars end before the gap, and indicators must not compute across the hole,
// so the frame is emptied and refilled from history. Until warmup is
// satisfied again no proposal leaves this worker, which keeps stale signals
// from racing the reconciliation the same event just forced.
func (w *Worker) handleReconnect(ctx context.Context, ev core.WSReconnectedEvent) {
	gap := time.Duration(ev.GapMs) * time.Millisecond
	w.logger.Warn("Market stream gap invalidated the frame",
		"exchange", ev.Exchange, "gap", gap.String(), "since", ev.Since)

	w.frame.Reset()
	if err := w.backfill(ctx); err != nil {
		w.logger.Warn("Backfill after stream gap failed, warming up from live bars", "error", err)
	}
}

// handleBar advances the frame and runs the strategy on the new bar. Errors
// from the strategy are counted and skipped; the proposal path resets the
// failure streak.
func (w *Worker) handleBar(ctx context.Context, bar core.Bar) {
	if !w.frame.Push(bar) {
		return // replayed or out-of-order bar
	}
	if !bar.Timestamp.After(w.state.LastProcessedBarTS) {
		return // already acted on before the restart
	}
	if w.frame.Len() < w.strat.WarmupBars() {
		return
	}

	var (
		enriched *Frame
		indErr   error
	)
	w.pool.SubmitAndWait(func() {
		enriched, indErr = w.strat.PopulateIndicators(w.frame)
	})
	if indErr != nil {
		w.failures++
		w.logger.Error("Indicator computation failed, skipping bar",
			"bar", bar.Timestamp, "failures", w.failures, "error", indErr)
		return
	}

	proposal, err := w.strat.OnData(bar, enriched)
	if err != nil {
		w.failures++
		w.logger.Error("on_data failed, skipping bar",
			"bar", bar.Timestamp, "failures", w.failures, "error", err)
		return
	}
	w.failures = 0

	if proposal == nil {
		return
	}
	// Long-only gating: a buy needs no open position, a sell needs one.
	if proposal.Side == core.SideBuy && w.state.OpenPositionID != "" {
		w.logger.Debug("Skipping buy signal, position already open",
			"position", w.state.OpenPositionID, "intent", proposal.IntentTag)
		return
	}
	if proposal.Side == core.SideSell && w.state.OpenPositionID == "" {
		w.logger.Debug("Skipping sell signal, no open position", "intent", proposal.IntentTag)
		return
	}

	if err := w.propose(ctx, bar, proposal); err != nil {
		w.failures++
		w.logger.Error("Proposal submission failed",
			"bar", bar.Timestamp, "failures", w.failures, "error", err)
	}
}

// propose claims the fingerprint, sends the allocation request, and records
// the verdict. Denials are normal control flow, not errors.
func (w *Worker) propose(ctx context.Context, bar core.Bar, p *core.Proposal) error {
	fp := Fingerprint(w.cfg.ID, w.cfg.Symbol, p.IntentTag, bar.Timestamp)
	if !w.dedupe.Begin(fp) {
		w.logger.Debug("Proposal suppressed by fingerprint dedupe",
			"fingerprint", fp, "intent", p.IntentTag)
		return nil
	}
	defer w.dedupe.Done(fp)

	correlationID := uuid.NewString()
	req := core.AllocationRequest{
		StrategyID:  w.cfg.ID,
		PortfolioID: w.cfg.PortfolioID,
		Symbol:      w.cfg.Symbol,
		Exchange:    w.cfg.ExchangeID,
		Proposal:    *p,
		Fingerprint: fp,
		EmittedAt:   time.Now().UTC(),
	}
	env, err := core.NewEnvelope(core.SourceStrategyWorker, correlationID, req)
	if err != nil {
		return err
	}

	started := time.Now()
	respEnv, err := w.bus.Request(ctx,
		core.AllocationRequestKey(w.cfg.ID),
		core.AllocationResponseKey(correlationID),
		env, w.busCfg.RequestTimeout())
	w.allocLatency.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("strategy", w.cfg.ID)))
	if err != nil {
		return fmt.Errorf("allocation request: %w", err)
	}

	var resp core.AllocationResponse
	if err := respEnv.DecodePayload(&resp); err != nil {
		return err
	}

	if resp.Result == core.AllocationApproved {
		w.rememberPending(correlationID, fp, bar.Timestamp)
		w.logger.Info("Proposal approved",
			"correlation_id", correlationID,
			"intent", p.IntentTag,
			"quantity", resp.ApprovedQuantity.String(),
			"risk_level", resp.RiskLevel)
		return nil
	}
	w.logger.Info("Proposal denied",
		"correlation_id", correlationID,
		"intent", p.IntentTag,
		"reasons", strings.Join(resp.Reasons, ","))
	return nil
}

// rememberPending tracks an approval until its fill event arrives. The map
// is bounded; entries whose fills never arrive age out oldest-first.
func (w *Worker) rememberPending(correlationID, fp string, barTS time.Time) {
	if len(w.pending) >= 64 {
		oldestID := ""
		var oldest time.Time
		for id, p := range w.pending {
			if oldestID == "" || p.approvedAt.Before(oldest) {
				oldestID, oldest = id, p.approvedAt
			}
		}
		delete(w.pending, oldestID)
	}
	w.pending[correlationID] = pendingProposal{
		fingerprint: fp,
		barTS:       barTS,
		approvedAt:  time.Now().UTC(),
	}
}

// handleFill checkpoints the worker on fill events for its own trades and
// keeps the open-position marker in sync.
func (w *Worker) handleFill(ctx context.Context, ev core.TradeExecutedEvent) {
	p, known := w.pending[ev.Trade.CorrelationID]
	if known && ev.Trade.Status.IsTerminal() {
		delete(w.pending, ev.Trade.CorrelationID)
	}

	changed := false
	if known && (ev.Trade.Status == core.TradeOpen || ev.Trade.Status == core.TradeClosed) {
		w.state.LastProcessedBarTS = p.barTS
		w.state.LastFingerprint = p.fingerprint
		changed = true
	}
	if ev.Position != nil {
		open := ""
		if ev.Position.Open {
			open = ev.Position.ID
		}
		if w.state.OpenPositionID != open {
			w.state.OpenPositionID = open
			changed = true
		}
	}
	if !changed {
		return
	}

	w.state.UpdatedAt = time.Now().UTC()
	if err := w.store.SaveStrategyState(ctx, w.state); err != nil {
		w.logger.Error("Failed to persist strategy state", "error", err)
		return
	}
	w.logger.Debug("Checkpointed strategy state",
		"last_bar", w.state.LastProcessedBarTS,
		"open_position", w.state.OpenPositionID)
}
