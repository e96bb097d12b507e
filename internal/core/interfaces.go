// Package core defines the shared ports and domain types for the trading platform core.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Delivery is one inbound bus message handed to a subscription handler.
type Delivery struct {
	Envelope    Envelope
	RoutingKey  string
	Redelivered bool
	Attempt     int
}

// HandlerFunc processes one delivery. A nil return acks the message; errors
// are classified via apperrors.KindOf to decide between retry, DLQ, and ack.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Subscription declares one durable queue, its bindings, and its handler.
// Each subscription gets exactly one dispatcher goroutine, so handler
// invocations are serial per subscription.
type Subscription struct {
	Queue    string
	Exchange string
	Bindings []string
	Prefetch int
	Handler  HandlerFunc
}

// IBus is the typed message fabric every component talks through.
type IBus interface {
	// Publish sends env to exchange with the given routing key. Publishes to
	// the commands and requests exchanges wait for broker confirms; others
	// are fire-and-forget. During an outage publishes are buffered up to the
	// configured limit, then fail with apperrors.ErrPublishOverflow.
	Publish(ctx context.Context, exchange, routingKey string, env Envelope) error

	// Request publishes env to the requests exchange under requestKey and
	// blocks until a reply arrives on responseKey or the timeout elapses,
	// in which case apperrors.ErrRequestTimeout is returned.
	Request(ctx context.Context, requestKey, responseKey string, env Envelope, timeout time.Duration) (Envelope, error)

	// Subscribe declares the subscription's topology and starts its
	// dispatcher. It returns once the consumer is registered.
	Subscribe(ctx context.Context, sub Subscription) error

	Close() error
}

// OrderRequest is the adapter-facing order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	ClientOrderID string
}

// OrderAck is the exchange's acceptance of an order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        TradeStatus
	FilledAmount  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// OrderUpdate is a fill/cancel event streamed from the exchange.
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        TradeStatus
	FilledAmount  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	Timestamp     time.Time
}

// ExchangeOrder is an open order as reported by the exchange, used by the
// reconciler.
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Amount        decimal.Decimal
	Filled        decimal.Decimal
	Price         decimal.Decimal
	Status        TradeStatus
	CreatedAt     time.Time
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	Symbol     string
	Side       PositionSide
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// SymbolInfo carries the exchange's trading constraints for one symbol.
type SymbolInfo struct {
	Symbol      string
	LotStep     decimal.Decimal
	MinAmount   decimal.Decimal
	MinNotional decimal.Decimal
	PriceStep   decimal.Decimal
}

// IExchangeAdapter is the sole port to an exchange. Implementations map to
// any CCXT-like SDK or gateway.
type IExchangeAdapter interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error

	// PlaceOrder must be idempotent by ClientOrderID: resubmitting the same
	// id returns the existing order instead of creating a new one.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)

	GetBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	GetMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)

	// Stream delivers closed bars for the subscribed symbols until ctx ends.
	// Reconnects are the adapter's job; cb may be called from one goroutine
	// only.
	Stream(ctx context.Context, symbols []string, cb func(Bar)) error

	// StreamOrderUpdates delivers order state changes until ctx ends.
	StreamOrderUpdates(ctx context.Context, cb func(OrderUpdate)) error
}

// IStateStore is the persistence port for the platform's authoritative
// record, the state the reconciler defends.
type IStateStore interface {
	// Portfolios
	GetPortfolio(ctx context.Context, id string) (Portfolio, error)
	ListActivePortfolios(ctx context.Context) ([]Portfolio, error)
	SavePortfolio(ctx context.Context, p Portfolio) error
	// AdjustAvailableCapital atomically applies delta to available_capital,
	// failing with apperrors.ErrInsufficientCapital when the result would
	// fall outside [0, total].
	AdjustAvailableCapital(ctx context.Context, portfolioID string, delta decimal.Decimal) (Portfolio, error)
	// SettleRealized atomically books a closing fill: cashDelta moves
	// available_capital and realized moves total_capital, keeping
	// 0 <= available <= total after both.
	SettleRealized(ctx context.Context, portfolioID string, cashDelta, realized decimal.Decimal) (Portfolio, error)

	// Strategies
	GetStrategy(ctx context.Context, id string) (Strategy, error)
	ListActiveStrategies(ctx context.Context) ([]Strategy, error)
	SaveStrategy(ctx context.Context, s Strategy) error
	SetStrategyActive(ctx context.Context, id string, active bool) error

	// Trades
	InsertTrade(ctx context.Context, t Trade) error
	GetTrade(ctx context.Context, id string) (Trade, error)
	GetTradeByCorrelationID(ctx context.Context, correlationID string) (Trade, error)
	// UpdateTradeStatus enforces the monotone trade status machine and bumps
	// updated_at; illegal transitions fail with apperrors.ErrConflict.
	UpdateTradeStatus(ctx context.Context, id string, status TradeStatus, fill *FillDetails) error
	ListOpenTrades(ctx context.Context, portfolioID string) ([]Trade, error)

	// Positions
	GetPosition(ctx context.Context, id string) (Position, error)
	ListOpenPositions(ctx context.Context, portfolioID string) ([]Position, error)
	ListOpenPositionsBySymbol(ctx context.Context, portfolioID, symbol string) ([]Position, error)
	SavePosition(ctx context.Context, p Position) error

	// Rules
	ListRules(ctx context.Context, portfolioID string) ([]PortfolioRule, error)
	SaveRule(ctx context.Context, r PortfolioRule) error

	// Strategy state
	SaveStrategyState(ctx context.Context, s StrategyState) error
	LoadStrategyState(ctx context.Context, strategyID string) (StrategyState, error)

	// RealizedPnLSince sums realized P&L of trades closed at or after the
	// cutoff, for the daily-loss window.
	RealizedPnLSince(ctx context.Context, portfolioID string, since time.Time) (decimal.Decimal, error)

	Close() error
}

// FillDetails carries the numbers applied together with a trade status
// update: the exchange-observed fill figures plus the cumulative realized
// P&L the fill-apply attributed to this trade.
type FillDetails struct {
	ExchangeOrderID string
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	RealizedPnL     decimal.Decimal
}

// ICapitalDomain exposes the per-portfolio serialization domain so that the
// reconciler's writes observe the same single-writer discipline as
// allocations.
type ICapitalDomain interface {
	RunSerialized(ctx context.Context, portfolioID string, fn func(ctx context.Context) error) error
}

// IFillApplier applies an exchange-observed order update to the
// authoritative record: trade status, position lots, and the portfolio
// balance, all inside the owning portfolio's serialization domain. It
// returns the post-image published on events.trade_executed.
type IFillApplier interface {
	ApplyFill(ctx context.Context, update OrderUpdate) (Trade, *Position, error)
}

// SymbolInfoFunc resolves the exchange trading constraints for a symbol.
// The capital manager consumes it for minimum-size checks without talking
// to the exchange itself.
type SymbolInfoFunc func(ctx context.Context, exchange, symbol string) (SymbolInfo, error)

// IHealthRegistry collects component heartbeats for /healthz and the
// supervisor's restart decisions.
type IHealthRegistry interface {
	Register(component string)
	Beat(component string)
	SetStatus(component string, err error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
