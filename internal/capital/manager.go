// Package capital owns portfolio money: it validates and sizes every trade
// proposal, reserves capital before an order goes out, and applies exchange
// fills back onto trades, positions, and the portfolio balance. All of it
// runs inside a per-portfolio serialization domain so concurrent proposals
// can never double-spend the same capital.
package capital

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

const componentName = "capital_manager"

// heartbeatEvery paces the liveness beats sent to the health registry.
const heartbeatEvery = 10 * time.Second

// Deps wires the manager into the rest of the platform.
type Deps struct {
	Bus        core.IBus
	Store      core.IStateStore
	Logger     core.ILogger
	Health     core.IHealthRegistry
	Trading    config.TradingConfig
	BusCfg     config.BusConfig
	SymbolInfo core.SymbolInfoFunc // nil falls back to permissive defaults
}

// reservation is the in-memory book entry tracking capital held for one
// in-flight order. The persisted pending trade carries the same figures, so
// after a restart the common pending-to-terminal path still releases
// exactly; only a partially filled order loses precision, which the
// reconciler repairs.
type reservation struct {
	portfolioID string
	fingerprint string
	orderedQty  decimal.Decimal
	signalPrice decimal.Decimal
	stopLoss    decimal.Decimal
	reserved    decimal.Decimal // total held at approval, zero for sells
	released    decimal.Decimal // cumulative amount returned or spent so far
}

// Manager is the capital manager component. It consumes allocation requests,
// answers every one of them with a typed verdict, and is the only writer of
// portfolio balances.
type Manager struct {
	bus        core.IBus
	store      core.IStateStore
	logger     core.ILogger
	health     core.IHealthRegistry
	trading    config.TradingConfig
	symbolInfo core.SymbolInfoFunc
	domain     *Domain
	daily      *dailyWindow

	verdicts metric.Int64Counter

	mu       sync.Mutex
	inflight map[string]string       // fingerprint -> correlation id of the live trade
	book     map[string]*reservation // correlation id -> reservation
}

var (
	_ core.ICapitalDomain = (*Manager)(nil)
	_ core.IFillApplier   = (*Manager)(nil)
)

// NewManager assembles the capital manager.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger.WithField("component", componentName)

	meter := telemetry.GetMeter(componentName)
	verdicts, _ := meter.Int64Counter(telemetry.MetricProposalsTotal,
		metric.WithDescription("Allocation verdicts by result and reason"))

	return &Manager{
		bus:        deps.Bus,
		store:      deps.Store,
		logger:     logger,
		health:     deps.Health,
		trading:    deps.Trading,
		symbolInfo: deps.SymbolInfo,
		domain:     NewDomain(),
		daily:      newDailyWindow(deps.Store, logger),
		verdicts:   verdicts,
		inflight:   make(map[string]string),
		book:       make(map[string]*reservation),
	}
}

// Name identifies the manager to the health registry and the supervisor.
func (m *Manager) Name() string { return componentName }

// RunSerialized exposes the per-portfolio serialization domain so the
// reconciler's corrections queue behind allocations and fills.
func (m *Manager) RunSerialized(ctx context.Context, portfolioID string, fn func(ctx context.Context) error) error {
	return m.domain.RunSerialized(ctx, portfolioID, fn)
}

// Start subscribes to allocation requests and begins the daily-loss
// rollover. It returns once the consumer is registered; the heartbeat
// goroutine lives until ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	if m.health != nil {
		m.health.Register(componentName)
	}

	sub := core.Subscription{
		Queue:    "capital.allocation",
		Exchange: core.ExchangeRequests,
		Bindings: []string{"request.capital.allocation.*"},
		Prefetch: 10,
		Handler:  m.handleAllocation,
	}
	if err := m.bus.Subscribe(ctx, sub); err != nil {
		return fmt.Errorf("subscribe allocation requests: %w", err)
	}

	m.daily.Start()
	go m.heartbeat(ctx)

	m.logger.Info("Capital manager started")
	return nil
}

func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.daily.Stop()
			return
		case <-ticker.C:
			if m.health != nil {
				m.health.Beat(componentName)
			}
		}
	}
}

// handleAllocation is the bus handler for request.capital.allocation.*.
// Every decodable request gets a response; only schema violations bubble up
// for the consumer's DLQ routing.
func (m *Manager) handleAllocation(ctx context.Context, d core.Delivery) error {
	var req core.AllocationRequest
	if err := d.Envelope.DecodePayload(&req); err != nil {
		return err
	}
	cid := d.Envelope.CorrelationID
	if cid == "" {
		return fmt.Errorf("%w: allocation request %s without correlation id", apperrors.ErrSchemaViolation, d.Envelope.MessageID)
	}
	if req.StrategyID == "" || req.PortfolioID == "" || req.Symbol == "" {
		return fmt.Errorf("%w: allocation request %s missing identity fields", apperrors.ErrSchemaViolation, d.Envelope.MessageID)
	}

	resp := m.decide(ctx, d.Envelope, req)

	if err := m.respond(ctx, cid, resp); err != nil {
		m.logger.Error("Failed to publish allocation response",
			"correlation_id", cid, "strategy_id", req.StrategyID, "error", err)
	}
	m.countVerdict(ctx, resp)
	if m.health != nil {
		m.health.Beat(componentName)
	}
	return nil
}

func (m *Manager) decide(ctx context.Context, env core.Envelope, req core.AllocationRequest) core.AllocationResponse {
	now := time.Now().UTC()
	if env.Expired(now) {
		return deny(apperrors.ReasonDeadlineExceeded, "").response()
	}

	// A redelivered request whose trade already exists was already approved:
	// answer the same verdict instead of reserving twice.
	if prior, err := m.store.GetTradeByCorrelationID(ctx, env.CorrelationID); err == nil {
		m.logger.Debug("Re-answering redelivered allocation request",
			"correlation_id", env.CorrelationID, "trade_id", prior.ID)
		return approvedFromTrade(prior)
	}

	var resp core.AllocationResponse
	err := m.domain.RunSerialized(ctx, req.PortfolioID, func(ctx context.Context) error {
		resp = m.allocate(ctx, env.CorrelationID, req, now)
		return nil
	})
	if err != nil {
		m.logger.Error("Allocation aborted",
			"correlation_id", env.CorrelationID, "portfolio_id", req.PortfolioID, "error", err)
		return deny(apperrors.ReasonInternalError, "").response()
	}
	return resp
}

// allocate runs the full validation pipeline and, on approval, reserves
// capital, records the pending trade, and emits the execute command. It runs
// inside the portfolio's serialization domain.
func (m *Manager) allocate(ctx context.Context, cid string, req core.AllocationRequest, now time.Time) core.AllocationResponse {
	snap, d := m.loadSnapshot(ctx, req, now)
	if d != nil {
		return d.response()
	}
	if d := checkEligibility(req, snap); d != nil {
		return d.response()
	}
	if dupCID, dup := m.fingerprintInFlight(req.Fingerprint); dup && dupCID != cid {
		return deny(apperrors.ReasonDuplicateProposal, "").response()
	}

	switch req.Proposal.Side {
	case core.SideBuy:
		return m.allocateBuy(ctx, cid, req, snap)
	case core.SideSell:
		return m.allocateSell(ctx, cid, req, snap)
	default:
		return deny(apperrors.ReasonRiskLimitExceeded, "unknown_side").response()
	}
}

func (m *Manager) allocateBuy(ctx context.Context, cid string, req core.AllocationRequest, snap snapshot) core.AllocationResponse {
	sized, d := sizeBuy(snap.portfolio.TotalCapital, req.Proposal, snap.limits, snap.info)
	if d != nil {
		return d.response()
	}
	reserved := reservationFor(sized.notional, snap.limits)

	if d := checkCapitalFloor(snap, reserved); d != nil {
		return d.response()
	}
	if d := checkConcentration(snap, sized.notional); d != nil {
		return d.response()
	}
	if d := checkDailyLoss(snap, sized.riskAmount); d != nil {
		return d.response()
	}
	if d := checkExposure(snap, sized.notional); d != nil {
		return d.response()
	}
	if d := checkSymbolCount(snap, req.Symbol); d != nil {
		return d.response()
	}

	pf, err := m.store.AdjustAvailableCapital(ctx, snap.portfolio.ID, reserved.Neg())
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientCapital) {
			return deny(apperrors.ReasonInsufficientCapital, "").response()
		}
		m.logger.Error("Capital reservation failed",
			"correlation_id", cid, "portfolio_id", snap.portfolio.ID, "error", err)
		return deny(apperrors.ReasonInternalError, "").response()
	}
	telemetry.GetGlobalMetrics().SetAvailableCapital(pf.ID, pf.AvailableCapital.InexactFloat64())

	trade := core.Trade{
		ID:            uuid.NewString(),
		StrategyID:    snap.strategy.ID,
		ExchangeID:    snap.strategy.ExchangeID,
		Symbol:        req.Symbol,
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Amount:        sized.amount,
		Price:         req.Proposal.SignalPrice,
		Cost:          reserved,
		Status:        core.TradePending,
		CorrelationID: cid,
		CreatedAt:     snap.now,
		UpdatedAt:     snap.now,
	}
	res := &reservation{
		portfolioID: snap.portfolio.ID,
		fingerprint: req.Fingerprint,
		orderedQty:  sized.amount,
		signalPrice: req.Proposal.SignalPrice,
		stopLoss:    sized.stopLoss,
		reserved:    reserved,
	}
	if d := m.commit(ctx, cid, trade, res, req.Proposal.TakeProfitPrice); d != nil {
		return d.response()
	}

	positionPct := core.PercentOf(sized.notional, snap.portfolio.TotalCapital)
	return core.AllocationResponse{
		Result:              core.AllocationApproved,
		ApprovedQuantity:    sized.amount,
		RiskLevel:           riskLevel(positionPct, snap.limits.maxPositionSizePct),
		SuggestedStopLoss:   sized.stopLoss,
		SuggestedTakeProfit: req.Proposal.TakeProfitPrice,
		PortfolioImpact: core.PortfolioImpact{
			PositionSizePercent:     positionPct,
			NewPortfolioRiskPercent: core.PercentOf(openExposure(snap).Add(sized.notional), snap.portfolio.TotalCapital),
			AvailableCapitalAfter:   pf.AvailableCapital,
		},
	}
}

// allocateSell approves an exit for the full open position. Exits reserve
// nothing: they return capital, so refusing one on capital grounds would
// only trap the exposure.
func (m *Manager) allocateSell(ctx context.Context, cid string, req core.AllocationRequest, snap snapshot) core.AllocationResponse {
	pos := openPositionFor(snap, snap.strategy.ID, req.Symbol)
	if pos == nil {
		return deny(apperrors.ReasonRiskLimitExceeded, "no_open_position").response()
	}

	amount := core.TruncateToStep(pos.CurrentSize, snap.info.LotStep)
	if !amount.IsPositive() || amount.LessThan(snap.info.MinAmount) {
		return deny(apperrors.ReasonRiskLimitExceeded, "below_exchange_minimum").response()
	}

	trade := core.Trade{
		ID:            uuid.NewString(),
		StrategyID:    snap.strategy.ID,
		ExchangeID:    snap.strategy.ExchangeID,
		Symbol:        req.Symbol,
		Side:          core.SideSell,
		Type:          core.OrderTypeMarket,
		Amount:        amount,
		Price:         req.Proposal.SignalPrice,
		Status:        core.TradePending,
		CorrelationID: cid,
		CreatedAt:     snap.now,
		UpdatedAt:     snap.now,
	}
	res := &reservation{
		portfolioID: snap.portfolio.ID,
		fingerprint: req.Fingerprint,
		orderedQty:  amount,
		signalPrice: req.Proposal.SignalPrice,
	}
	if d := m.commit(ctx, cid, trade, res, decimal.Zero); d != nil {
		return d.response()
	}

	closing := core.Notional(amount, pos.AverageEntry)
	remaining := openExposure(snap).Sub(closing)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return core.AllocationResponse{
		Result:           core.AllocationApproved,
		ApprovedQuantity: amount,
		RiskLevel:        core.RiskLow,
		PortfolioImpact: core.PortfolioImpact{
			PositionSizePercent:     core.PercentOf(core.Notional(amount, req.Proposal.SignalPrice), snap.portfolio.TotalCapital),
			NewPortfolioRiskPercent: core.PercentOf(remaining, snap.portfolio.TotalCapital),
			AvailableCapitalAfter:   snap.portfolio.AvailableCapital,
		},
	}
}

// commit persists the pending trade and emits the execute command. Any
// failure unwinds the reservation so capital is never left partially
// applied.
func (m *Manager) commit(ctx context.Context, cid string, trade core.Trade, res *reservation, takeProfit decimal.Decimal) *denial {
	if err := m.store.InsertTrade(ctx, trade); err != nil {
		m.releaseReservation(ctx, res)
		if errors.Is(err, apperrors.ErrDuplicateOrder) {
			return deny(apperrors.ReasonDuplicateProposal, "")
		}
		m.logger.Error("Failed to persist pending trade",
			"correlation_id", cid, "trade_id", trade.ID, "error", err)
		return deny(apperrors.ReasonInternalError, "")
	}

	cmd := core.TradeCommand{
		StrategyID:    trade.StrategyID,
		Exchange:      trade.ExchangeID,
		Symbol:        trade.Symbol,
		Side:          trade.Side,
		Type:          trade.Type,
		Amount:        trade.Amount,
		Price:         trade.Price,
		StopLoss:      res.stopLoss,
		TakeProfit:    takeProfit,
		ClientOrderID: cid,
	}
	env, err := core.NewEnvelope(core.SourceCapitalManager, cid, cmd)
	if err == nil {
		err = m.bus.Publish(ctx, core.ExchangeCommands, core.KeyExecuteTrade, env)
	}
	if err != nil {
		// The confirmed publish failed: fail the trade and hand the money
		// back before answering.
		m.releaseReservation(ctx, res)
		if uerr := m.store.UpdateTradeStatus(ctx, trade.ID, core.TradeFailed, nil); uerr != nil {
			m.logger.Error("Failed to mark unpublished trade failed",
				"trade_id", trade.ID, "error", uerr)
		}
		m.logger.Error("Failed to publish execute command",
			"correlation_id", cid, "trade_id", trade.ID, "error", err)
		return deny(apperrors.ReasonInternalError, "command_publish_failed")
	}

	m.mu.Lock()
	m.book[cid] = res
	if res.fingerprint != "" {
		m.inflight[res.fingerprint] = cid
	}
	m.mu.Unlock()

	m.logger.Info("Trade approved",
		"correlation_id", cid,
		"trade_id", trade.ID,
		"symbol", trade.Symbol,
		"side", string(trade.Side),
		"amount", trade.Amount.String(),
		"reserved", res.reserved.String())
	return nil
}

func (m *Manager) releaseReservation(ctx context.Context, res *reservation) {
	if !res.reserved.IsPositive() {
		return
	}
	pf, err := m.store.AdjustAvailableCapital(ctx, res.portfolioID, res.reserved)
	if err != nil {
		m.logger.Error("Failed to release reservation",
			"portfolio_id", res.portfolioID, "amount", res.reserved.String(), "error", err)
		return
	}
	telemetry.GetGlobalMetrics().SetAvailableCapital(pf.ID, pf.AvailableCapital.InexactFloat64())
}

func (m *Manager) loadSnapshot(ctx context.Context, req core.AllocationRequest, now time.Time) (snapshot, *denial) {
	fail := func(stage string, err error) (snapshot, *denial) {
		if errors.Is(err, apperrors.ErrNotFound) {
			return snapshot{}, deny(apperrors.ReasonInternalError, "unknown_"+stage)
		}
		m.logger.Error("Snapshot load failed", "stage", stage, "portfolio_id", req.PortfolioID, "error", err)
		return snapshot{}, deny(apperrors.ReasonInternalError, "")
	}

	pf, err := m.store.GetPortfolio(ctx, req.PortfolioID)
	if err != nil {
		return fail("portfolio", err)
	}
	strat, err := m.store.GetStrategy(ctx, req.StrategyID)
	if err != nil {
		return fail("strategy", err)
	}
	if strat.PortfolioID != req.PortfolioID {
		return snapshot{}, deny(apperrors.ReasonInternalError, "strategy_portfolio_mismatch")
	}
	rules, err := m.store.ListRules(ctx, pf.ID)
	if err != nil {
		return fail("rules", err)
	}
	positions, err := m.store.ListOpenPositions(ctx, pf.ID)
	if err != nil {
		return fail("positions", err)
	}
	pending, err := m.store.ListOpenTrades(ctx, pf.ID)
	if err != nil {
		return fail("trades", err)
	}
	realized, err := m.daily.RealizedToday(ctx, pf.ID)
	if err != nil {
		return fail("daily_pnl", err)
	}

	return snapshot{
		portfolio: pf,
		strategy:  strat,
		limits:    resolveLimits(m.trading, strat, rules, m.logger),
		positions: positions,
		pending:   pending,
		realized:  realized,
		info:      m.lookupSymbolInfo(ctx, strat.ExchangeID, req.Symbol),
		now:       now,
	}, nil
}

func (m *Manager) lookupSymbolInfo(ctx context.Context, exchange, symbol string) core.SymbolInfo {
	if m.symbolInfo == nil {
		return defaultSymbolInfo(symbol)
	}
	info, err := m.symbolInfo(ctx, exchange, symbol)
	if err != nil {
		m.logger.Warn("Symbol info lookup failed, using defaults",
			"exchange", exchange, "symbol", symbol, "error", err)
		return defaultSymbolInfo(symbol)
	}
	return info
}

func (m *Manager) fingerprintInFlight(fp string) (string, bool) {
	if fp == "" {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.inflight[fp]
	return cid, ok
}

func (m *Manager) respond(ctx context.Context, cid string, resp core.AllocationResponse) error {
	env, err := core.NewEnvelope(core.SourceCapitalManager, cid, resp)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, core.ExchangeResponses, core.AllocationResponseKey(cid), env)
}

func (m *Manager) countVerdict(ctx context.Context, resp core.AllocationResponse) {
	reason := ""
	if len(resp.Reasons) > 0 {
		reason = resp.Reasons[0]
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", resp.Result),
		attribute.String("reason", reason),
	))
}

// approvedFromTrade rebuilds an approval verdict from the trade a previous
// delivery of the same request created.
func approvedFromTrade(t core.Trade) core.AllocationResponse {
	return core.AllocationResponse{
		Result:           core.AllocationApproved,
		ApprovedQuantity: t.Amount,
		RiskLevel:        core.RiskLow,
	}
}
