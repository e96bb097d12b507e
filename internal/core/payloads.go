package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is the market-data payload: one OHLCV candle. All numeric fields are
// decimals and serialize as strings.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Exchange  string          `json:"exchange"`
}

// Proposal is a strategy's candidate trade before risk validation.
type Proposal struct {
	Side            Side                   `json:"side"`
	SignalPrice     decimal.Decimal        `json:"signal_price"`
	StopLossPrice   decimal.Decimal        `json:"stop_loss_price,omitempty"`
	TakeProfitPrice decimal.Decimal        `json:"take_profit_price,omitempty"`
	IntentTag       string                 `json:"intent_tag"`
	StrategyParams  map[string]interface{} `json:"strategy_params,omitempty"`
}

// AllocationRequest asks the capital manager to validate and size a proposal.
// EmittedAt drives the freshness check; Fingerprint drives duplicate
// suppression on redelivery.
type AllocationRequest struct {
	StrategyID  string    `json:"strategy_id"`
	PortfolioID string    `json:"portfolio_id"`
	Symbol      string    `json:"symbol"`
	Exchange    string    `json:"exchange"`
	Proposal    Proposal  `json:"proposal"`
	Fingerprint string    `json:"fingerprint"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// Allocation results.
const (
	AllocationApproved = "approved"
	AllocationDenied   = "denied"
)

// Risk levels reported with an allocation response.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// PortfolioImpact summarizes what an approval does to the portfolio.
type PortfolioImpact struct {
	PositionSizePercent     decimal.Decimal `json:"position_size_percent"`
	NewPortfolioRiskPercent decimal.Decimal `json:"new_portfolio_risk_percent"`
	AvailableCapitalAfter   decimal.Decimal `json:"available_capital_after"`
}

// AllocationResponse is the capital manager's verdict. Result is always one
// of the Allocation* constants; errors never cross the bus untyped.
type AllocationResponse struct {
	Result              string          `json:"result"`
	ApprovedQuantity    decimal.Decimal `json:"approved_quantity,omitempty"`
	RiskLevel           string          `json:"risk_level"`
	Reasons             []string        `json:"reasons,omitempty"`
	SuggestedStopLoss   decimal.Decimal `json:"suggested_stop_loss,omitempty"`
	SuggestedTakeProfit decimal.Decimal `json:"suggested_take_profit,omitempty"`
	PortfolioImpact     PortfolioImpact `json:"portfolio_impact"`
}

// Denied reports whether the response denies with the given reason.
func (r AllocationResponse) Denied(reason string) bool {
	if r.Result != AllocationDenied {
		return false
	}
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}

// TradeCommand instructs the exchange connector to place an order.
// ClientOrderID always equals the correlation id, which is what makes
// placement idempotent end to end.
type TradeCommand struct {
	StrategyID    string          `json:"strategy_id"`
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopLoss      decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    decimal.Decimal `json:"take_profit,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
}

// CancelCommand instructs the exchange connector to cancel an open order.
type CancelCommand struct {
	Exchange      string `json:"exchange"`
	Symbol        string `json:"symbol"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// ReconcileCommand triggers an operator-requested reconciliation pass.
// An empty PortfolioID means all active portfolios.
type ReconcileCommand struct {
	PortfolioID string `json:"portfolio_id,omitempty"`
}

// TradeExecutedEvent carries the full post-image after a fill event was
// applied.
type TradeExecutedEvent struct {
	Trade    Trade     `json:"trade"`
	Position *Position `json:"position,omitempty"`
}

// SystemEvent is the payload under events.system.<type>.
type SystemEvent struct {
	Type      string                 `json:"type"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorEvent is published on events.error when a handler fails terminally.
type ErrorEvent struct {
	Component  string `json:"component"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	RoutingKey string `json:"routing_key,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// HistoryRequest asks the exchange connector for historical bars, used by
// workers to backfill after a restart or a stream gap.
type HistoryRequest struct {
	Exchange  string     `json:"exchange"`
	Symbol    string     `json:"symbol"`
	Timeframe string     `json:"timeframe"`
	From      time.Time  `json:"from"`
	To        *time.Time `json:"to,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// HistoryResponse returns the requested bars in ascending time order.
type HistoryResponse struct {
	Bars     []Bar `json:"bars"`
	Complete bool  `json:"complete"`
}

// WSReconnectedEvent details for events.system.ws_reconnected. GapMs is how
// long the stream was down; consumers past the reconcile threshold request
// backfill.
type WSReconnectedEvent struct {
	Exchange string    `json:"exchange"`
	Symbols  []string  `json:"symbols"`
	GapMs    int64     `json:"gap_ms"`
	Since    time.Time `json:"since"`
}
