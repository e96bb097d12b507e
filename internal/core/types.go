package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order kind sent to the exchange.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradePending  TradeStatus = "pending"
	TradeOpen     TradeStatus = "open"
	TradeClosed   TradeStatus = "closed"
	TradeCanceled TradeStatus = "canceled"
	TradeFailed   TradeStatus = "failed"
)

// validTransitions encodes the monotone status machine:
// pending -> open -> {closed, canceled} or pending -> failed.
// pending -> canceled covers orders canceled before any fill, and
// pending -> closed a market order whose only execution report is the
// final one.
var validTransitions = map[TradeStatus][]TradeStatus{
	TradePending: {TradeOpen, TradeClosed, TradeFailed, TradeCanceled},
	TradeOpen:    {TradeClosed, TradeCanceled},
}

// CanTransition reports whether a trade may move from one status to another.
// Terminal states accept no further transitions; a no-op transition is
// allowed so redelivered fill events stay idempotent.
func CanTransition(from, to TradeStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status ends the trade lifecycle.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeClosed || s == TradeCanceled || s == TradeFailed
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Portfolio is one trading account's capital envelope. The capital manager
// owns its balance; available never leaves [0, total].
type Portfolio struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	BaseCurrency     string          `json:"base_currency"`
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SizingConfig overrides the global position-sizing knobs per strategy.
// Zero-valued fields fall back to the trading config.
type SizingConfig struct {
	RiskPercent     decimal.Decimal `json:"risk_percent"`
	StopLossPercent decimal.Decimal `json:"stop_loss_percent"`
	MinPositionUSD  decimal.Decimal `json:"min_position_usd"`
	MaxPositionUSD  decimal.Decimal `json:"max_position_usd"`
}

// Strategy is the persisted configuration a worker is spawned from. Symbol is
// BASE/QUOTE uppercase.
type Strategy struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	ExchangeID  string                 `json:"exchange_id"`
	Symbol      string                 `json:"symbol"`
	Params      map[string]interface{} `json:"params"`
	Sizing      SizingConfig           `json:"sizing"`
	Active      bool                   `json:"active"`
	PortfolioID string                 `json:"portfolio_id"`
}

// Trade is one order's authoritative record. The capital manager creates it;
// only the exchange connector mutates status afterwards. RealizedPnL is the
// FIFO delta this trade realized against existing lots; ClosedAt is set once
// on the first terminal transition and anchors the daily-loss window.
type Trade struct {
	ID              string          `json:"id"`
	StrategyID      string          `json:"strategy_id"`
	ExchangeID      string          `json:"exchange_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	Cost            decimal.Decimal `json:"cost"`
	Fee             decimal.Decimal `json:"fee"`
	Status          TradeStatus     `json:"status"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	CorrelationID   string          `json:"correlation_id"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Reconciled      bool            `json:"reconciled,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

// Lot is one FIFO entry lot inside a position. Reducing fills consume lots
// oldest-first.
type Lot struct {
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
}

// Position is the running exposure of one strategy on one symbol.
// Open is true exactly while ClosedAt is nil.
type Position struct {
	ID            string          `json:"id"`
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentSize   decimal.Decimal `json:"current_size"`
	AverageEntry  decimal.Decimal `json:"average_entry"`
	StopLoss      decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    decimal.Decimal `json:"take_profit,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	Lots          []Lot           `json:"lots,omitempty"`
	Open          bool            `json:"open"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// RuleKind names a portfolio constraint checked on every proposal.
type RuleKind string

const (
	RuleSymbolBlacklist         RuleKind = "symbol_blacklist"
	RuleMinAvailableCapital     RuleKind = "min_available_capital"
	RuleMaxPositionSizePercent  RuleKind = "max_position_size_percent"
	RuleMaxDailyLossPercent     RuleKind = "max_daily_loss_percent"
	RuleMaxPortfolioExposurePct RuleKind = "max_portfolio_exposure_percent"
	RuleMaxPositionsPerSymbol   RuleKind = "max_positions_per_symbol"
	RuleMinPositionSizeUSD      RuleKind = "min_position_size_usd"
	RuleMaxPositionSizeUSD      RuleKind = "max_position_size_usd"
)

// PortfolioRule attaches one typed constraint value to a portfolio. Values
// are stored as strings: a decimal for numeric kinds, a comma list for the
// blacklist.
type PortfolioRule struct {
	ID          string   `json:"id"`
	PortfolioID string   `json:"portfolio_id"`
	Kind        RuleKind `json:"kind"`
	Value       string   `json:"value"`
}

// DecimalValue parses the rule value for numeric kinds.
func (r PortfolioRule) DecimalValue() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Value)
}

// StrategyState is the worker checkpoint persisted on every accepted fill.
type StrategyState struct {
	StrategyID         string    `json:"strategy_id"`
	LastProcessedBarTS time.Time `json:"last_processed_bar_ts"`
	LastFingerprint    string    `json:"last_fingerprint"`
	OpenPositionID     string    `json:"open_position_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}
