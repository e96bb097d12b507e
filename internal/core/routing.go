package core

import (
	"fmt"
	"strings"
)

// Logical exchange namespaces on the broker.
const (
	ExchangeEvents     = "events"
	ExchangeCommands   = "commands"
	ExchangeRequests   = "requests"
	ExchangeResponses  = "responses"
	ExchangeMarketData = "market_data"
	ExchangeDLX        = "dlx"
)

// Fixed routing keys.
const (
	KeyExecuteTrade  = "commands.execute_trade"
	KeyCancelOrder   = "commands.cancel_order"
	KeyReconcile     = "commands.reconcile"
	KeyTradeExecuted = "events.trade_executed"
	KeyError         = "events.error"
)

// System event types published under events.system.<type>.
const (
	EventStrategyHalted          = "strategy_halted"
	EventExchangeCircuitOpen     = "exchange_circuit_open"
	EventExchangeCircuitHalfOpen = "exchange_circuit_half_open"
	EventExchangeCircuitClosed   = "exchange_circuit_closed"
	EventWSReconnected           = "ws_reconnected"
	EventPositionReconciled      = "position_reconciled"
	EventReconciliationAlert     = "reconciliation_alert"
	EventMarketDataDrop          = "market_data_drop"
)

// MarketDataKey builds market_data.<exchange>.<symbol_lower>. Symbol
// separators are flattened so BTC/USDT becomes btcusdt.
func MarketDataKey(exchange, symbol string) string {
	return fmt.Sprintf("market_data.%s.%s", strings.ToLower(exchange), FlattenSymbol(symbol))
}

// AllocationRequestKey builds request.capital.allocation.<strategy_id>.
func AllocationRequestKey(strategyID string) string {
	return "request.capital.allocation." + strategyID
}

// AllocationResponseKey builds response.capital.allocation.<correlation_id>.
func AllocationResponseKey(correlationID string) string {
	return "response.capital.allocation." + correlationID
}

// HistoryRequestKey builds request.market_data.history.<exchange>.<symbol_lower>.
func HistoryRequestKey(exchange, symbol string) string {
	return fmt.Sprintf("request.market_data.history.%s.%s", strings.ToLower(exchange), FlattenSymbol(symbol))
}

// HistoryResponseKey builds response.market_data.history.<correlation_id>.
func HistoryResponseKey(correlationID string) string {
	return "response.market_data.history." + correlationID
}

// SystemEventKey builds events.system.<event_type>.
func SystemEventKey(eventType string) string {
	return "events.system." + eventType
}

// FlattenSymbol lowercases a BASE/QUOTE symbol and strips separators for use
// inside routing keys, where dots and slashes are structural.
func FlattenSymbol(symbol string) string {
	s := strings.ToLower(symbol)
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, ".", "")
}
