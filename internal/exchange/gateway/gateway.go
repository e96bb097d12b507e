// Package gateway implements the live exchange adapter. It speaks a
// CCXT-style JSON gateway: order and account endpoints over signed REST,
// klines and order updates over WebSocket. The gateway owns venue-specific
// quirks; this package owns the mapping onto the platform's types and error
// identities.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	httpclient "tradecore/pkg/http"
)

var _ core.IExchangeAdapter = (*Exchange)(nil)

const (
	pathTime       = "/api/v1/time"
	pathOrders     = "/api/v1/orders"
	pathOpenOrders = "/api/v1/orders/open"
	pathBalance    = "/api/v1/balance"
	pathPositions  = "/api/v1/positions"
	pathOHLCV      = "/api/v1/ohlcv"
	pathMarkets    = "/api/v1/markets"

	defaultHTTPTimeout = 10 * time.Second
	defaultTimeframe   = "1m"
)

// Options configures a gateway adapter. APIKey and APISecret may be empty
// for gateways that sit inside a trusted network and skip signing.
type Options struct {
	Name        string
	BaseURL     string
	WSURL       string
	APIKey      string
	APISecret   string
	Timeframe   string
	HTTPTimeout time.Duration
	Logger      core.ILogger
}

// Exchange talks to one gateway instance. REST calls ride pkg/http's
// resilient client; streams ride pkg/websocket and re-subscribe on every
// reconnect.
type Exchange struct {
	name      string
	wsURL     string
	timeframe string
	rest      *httpclient.Client
	logger    core.ILogger

	reconnectCb func(gap time.Duration)
}

// New creates a gateway adapter from opts.
func New(opts Options) *Exchange {
	if opts.Name == "" {
		opts.Name = "gateway"
	}
	if opts.Timeframe == "" {
		opts.Timeframe = defaultTimeframe
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}

	var signer httpclient.Signer
	if opts.APIKey != "" {
		signer = newHMACSigner(opts.APIKey, opts.APISecret)
	}

	return &Exchange{
		name:      opts.Name,
		wsURL:     opts.WSURL,
		timeframe: opts.Timeframe,
		rest:      httpclient.NewClient(strings.TrimRight(opts.BaseURL, "/"), opts.HTTPTimeout, signer),
		logger:    opts.Logger,
	}
}

// Name returns the venue name used in routing keys and trade rows.
func (e *Exchange) Name() string { return e.name }

// Connect verifies the gateway answers before any order traffic flows.
func (e *Exchange) Connect(ctx context.Context) error {
	body, err := e.rest.Get(ctx, pathTime, nil)
	if err != nil {
		return fmt.Errorf("gateway %s unreachable: %w", e.name, mapErr(err))
	}

	var t struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return fmt.Errorf("gateway %s time response: %w", e.name, err)
	}

	skew := time.Since(time.UnixMilli(t.ServerTime))
	if e.logger != nil {
		e.logger.Info("Gateway connected", "name", e.name, "clock_skew", skew.String())
	}
	return nil
}

// Close releases nothing: REST is connectionless here and each stream owns
// its own WebSocket lifecycle.
func (e *Exchange) Close() error { return nil }

// OnReconnected registers the callback invoked when the market stream
// recovers from an outage, with the gap duration.
func (e *Exchange) OnReconnected(fn func(gap time.Duration)) {
	e.reconnectCb = fn
}

// PlaceOrder submits the order. The gateway enforces idempotency by
// clientOrderId: a duplicate_order denial means the id is already working,
// so the adapter answers with the resting order instead of an error.
func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	payload := map[string]string{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"type":          string(req.Type),
		"amount":        req.Amount.String(),
		"clientOrderId": req.ClientOrderID,
	}
	if req.Price.IsPositive() {
		payload["price"] = req.Price.String()
	}
	if req.StopLoss.IsPositive() {
		payload["stopLoss"] = req.StopLoss.String()
	}
	if req.TakeProfit.IsPositive() {
		payload["takeProfit"] = req.TakeProfit.String()
	}

	body, err := e.rest.Post(ctx, pathOrders, payload)
	if err != nil {
		mapped := mapErr(err)
		if errors.Is(mapped, apperrors.ErrDuplicateOrder) {
			return e.recoverDuplicate(ctx, req.Symbol, req.ClientOrderID, mapped)
		}
		return core.OrderAck{}, mapped
	}

	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return core.OrderAck{}, fmt.Errorf("gateway order response: %w", err)
	}
	return w.ack(), nil
}

// recoverDuplicate resolves a duplicate_order denial to the order already
// working under the client id. Falls back to the denial when the order is
// no longer resting; the order-updates stream owns it from there.
func (e *Exchange) recoverDuplicate(ctx context.Context, symbol, clientOrderID string, denial error) (core.OrderAck, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := e.rest.Get(ctx, pathOpenOrders, params)
	if err != nil {
		return core.OrderAck{}, fmt.Errorf("duplicate order lookup: %w", mapErr(err))
	}

	var wires []wireOrder
	if err := json.Unmarshal(body, &wires); err != nil {
		return core.OrderAck{}, fmt.Errorf("gateway open orders response: %w", err)
	}
	for _, w := range wires {
		if w.ClientOrderID == clientOrderID {
			if e.logger != nil {
				e.logger.Info("Duplicate submission resolved to resting order",
					"client_order_id", clientOrderID, "order_id", w.ID)
			}
			return w.ack(), nil
		}
	}
	return core.OrderAck{}, denial
}

// CancelOrder cancels by venue order id. A terminal order reports
// (false, nil); an unknown one fails with apperrors.ErrOrderNotFound.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	body, err := e.rest.Delete(ctx, pathOrders+"/"+orderID, map[string]string{"symbol": symbol})
	if err != nil {
		return false, mapErr(err)
	}

	var resp struct {
		Canceled bool `json:"canceled"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("gateway cancel response: %w", err)
	}
	return resp.Canceled, nil
}

// GetBalance returns free balances per asset.
func (e *Exchange) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := e.rest.Get(ctx, pathBalance, nil)
	if err != nil {
		return nil, mapErr(err)
	}

	var wire map[string]struct {
		Free  decimal.Decimal `json:"free"`
		Total decimal.Decimal `json:"total"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("gateway balance response: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(wire))
	for asset, b := range wire {
		out[strings.ToUpper(asset)] = b.Free
	}
	return out, nil
}

// GetOpenOrders lists resting orders, optionally filtered by symbol.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := e.rest.Get(ctx, pathOpenOrders, params)
	if err != nil {
		return nil, mapErr(err)
	}

	var wires []wireOrder
	if err := json.Unmarshal(body, &wires); err != nil {
		return nil, fmt.Errorf("gateway open orders response: %w", err)
	}

	out := make([]core.ExchangeOrder, 0, len(wires))
	for _, w := range wires {
		out = append(out, w.order())
	}
	return out, nil
}

// GetPositions returns the venue's open positions.
func (e *Exchange) GetPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	body, err := e.rest.Get(ctx, pathPositions, nil)
	if err != nil {
		return nil, mapErr(err)
	}

	var wires []struct {
		Symbol     string          `json:"symbol"`
		Side       string          `json:"side"`
		Contracts  decimal.Decimal `json:"contracts"`
		EntryPrice decimal.Decimal `json:"entryPrice"`
	}
	if err := json.Unmarshal(body, &wires); err != nil {
		return nil, fmt.Errorf("gateway positions response: %w", err)
	}

	out := make([]core.ExchangePosition, 0, len(wires))
	for _, w := range wires {
		side := core.PositionLong
		if strings.EqualFold(w.Side, "short") {
			side = core.PositionShort
		}
		out = append(out, core.ExchangePosition{
			Symbol:     strings.ToUpper(w.Symbol),
			Side:       side,
			Size:       w.Contracts,
			EntryPrice: w.EntryPrice,
		})
	}
	return out, nil
}

// GetMarketData fetches up to limit closed bars, oldest first. The wire
// format is the CCXT OHLCV array: [timestampMs, o, h, l, c, v].
func (e *Exchange) GetMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]core.Bar, error) {
	if timeframe == "" {
		timeframe = e.timeframe
	}
	body, err := e.rest.Get(ctx, pathOHLCV, map[string]string{
		"symbol":    symbol,
		"timeframe": timeframe,
		"limit":     strconv.Itoa(limit),
	})
	if err != nil {
		return nil, mapErr(err)
	}

	var rows [][]json.Number
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("gateway ohlcv response: %w", err)
	}

	bars := make([]core.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := barFromRow(e.name, strings.ToUpper(symbol), row)
		if err != nil {
			return nil, fmt.Errorf("gateway ohlcv row: %w", err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// SymbolInfo fetches the venue's trading constraints for one symbol.
func (e *Exchange) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	body, err := e.rest.Get(ctx, pathMarkets, map[string]string{"symbol": symbol})
	if err != nil {
		return core.SymbolInfo{}, mapErr(err)
	}

	var w struct {
		Symbol      string          `json:"symbol"`
		LotStep     decimal.Decimal `json:"lotStep"`
		MinAmount   decimal.Decimal `json:"minAmount"`
		MinNotional decimal.Decimal `json:"minNotional"`
		PriceStep   decimal.Decimal `json:"priceStep"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return core.SymbolInfo{}, fmt.Errorf("gateway market response: %w", err)
	}

	return core.SymbolInfo{
		Symbol:      strings.ToUpper(w.Symbol),
		LotStep:     w.LotStep,
		MinAmount:   w.MinAmount,
		MinNotional: w.MinNotional,
		PriceStep:   w.PriceStep,
	}, nil
}
