// Package paper implements the in-process exchange adapter used by tests and
// dry runs. Market orders fill instantly against a deterministic synthetic
// price walk; limit orders rest until the walk crosses their price. State is
// held in memory only.
package paper

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

var _ core.IExchangeAdapter = (*Exchange)(nil)

var (
	defaultLotStep     = decimal.RequireFromString("0.000001")
	defaultMinAmount   = decimal.RequireFromString("0.000001")
	defaultMinNotional = decimal.RequireFromString("5")
	defaultPriceStep   = decimal.RequireFromString("0.01")
	defaultQuoteFunds  = decimal.RequireFromString("1000000")
)

// walkStepBP bounds one bar's move to ±10 basis points of the current price.
const walkStepBP = 0.001

// Options configures a paper venue. The zero value is usable: name "paper",
// one-second bars, seed 1, zero fees and slippage, 1M USDT starting balance.
type Options struct {
	Name          string
	FeeRate       decimal.Decimal
	Slippage      decimal.Decimal
	BarInterval   time.Duration
	Seed          int64
	StartPrices   map[string]decimal.Decimal
	StartBalances map[string]decimal.Decimal
}

// Exchange is the paper venue. All state lives behind one mutex; fills and
// cancels surface on the order-update stream exactly as a live venue would
// report them.
type Exchange struct {
	name        string
	feeRate     decimal.Decimal
	slippage    decimal.Decimal
	barInterval time.Duration
	seed        int64
	now         func() time.Time

	mu          sync.Mutex
	connected   bool
	seq         int64
	walks       map[string]*walk
	startPrices map[string]decimal.Decimal
	orders      map[string]*paperOrder
	byClient    map[string]string
	balances    map[string]decimal.Decimal
	positions   map[string]*paperPosition

	updates chan core.OrderUpdate
}

type paperOrder struct {
	id        string
	clientID  string
	symbol    string
	side      core.Side
	typ       core.OrderType
	amount    decimal.Decimal
	price     decimal.Decimal
	status    core.TradeStatus
	filled    decimal.Decimal
	avgPrice  decimal.Decimal
	fee       decimal.Decimal
	createdAt time.Time
}

type paperPosition struct {
	size  decimal.Decimal
	entry decimal.Decimal
}

// walk is one symbol's synthetic price series. The rng is seeded from the
// venue seed and the symbol, so the same configuration always replays the
// same series.
type walk struct {
	rng   *rand.Rand
	price decimal.Decimal
}

func (w *walk) step() decimal.Decimal {
	drift := decimal.NewFromFloat((w.rng.Float64()*2 - 1) * walkStepBP)
	w.price = w.price.Add(w.price.Mul(drift)).Round(2)
	return w.price
}

// New creates a paper exchange from opts.
func New(opts Options) *Exchange {
	if opts.Name == "" {
		opts.Name = "paper"
	}
	if opts.BarInterval <= 0 {
		opts.BarInterval = time.Second
	}
	if opts.Seed == 0 {
		opts.Seed = 1
	}

	balances := make(map[string]decimal.Decimal, len(opts.StartBalances))
	for asset, amount := range opts.StartBalances {
		balances[strings.ToUpper(asset)] = amount
	}
	if len(balances) == 0 {
		balances["USDT"] = defaultQuoteFunds
	}

	startPrices := make(map[string]decimal.Decimal, len(opts.StartPrices))
	for sym, price := range opts.StartPrices {
		startPrices[strings.ToUpper(sym)] = price
	}

	return &Exchange{
		name:        opts.Name,
		feeRate:     opts.FeeRate,
		slippage:    opts.Slippage,
		barInterval: opts.BarInterval,
		seed:        opts.Seed,
		now:         time.Now,
		walks:       make(map[string]*walk),
		startPrices: startPrices,
		orders:      make(map[string]*paperOrder),
		byClient:    make(map[string]string),
		balances:    balances,
		positions:   make(map[string]*paperPosition),
		updates:     make(chan core.OrderUpdate, 256),
	}
}

// Name returns the venue name used in routing keys and trade rows.
func (e *Exchange) Name() string { return e.name }

// Connect marks the venue usable. There is no transport to dial.
func (e *Exchange) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	return nil
}

// Close disconnects the venue. Resting orders survive a reconnect, matching
// how a real venue keeps orders across client sessions.
func (e *Exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

// PlaceOrder is idempotent by ClientOrderID: resubmitting an id returns the
// recorded order's current state. Market orders fill in full at the walk
// price adjusted by the configured slippage; limit orders rest.
func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return core.OrderAck{}, fmt.Errorf("paper: place %s: %w", req.Symbol, apperrors.ErrExchangeUnavailable)
	}
	if req.ClientOrderID != "" {
		if id, ok := e.byClient[req.ClientOrderID]; ok {
			return e.ackOf(e.orders[id]), nil
		}
	}
	if _, _, ok := splitSymbol(req.Symbol); !ok {
		return core.OrderAck{}, fmt.Errorf("paper: symbol %q: %w", req.Symbol, apperrors.ErrInvalidSymbol)
	}
	if !req.Amount.IsPositive() {
		return core.OrderAck{}, fmt.Errorf("paper: amount %s: %w", req.Amount, apperrors.ErrOrderRejected)
	}

	ord := &paperOrder{
		clientID:  req.ClientOrderID,
		symbol:    strings.ToUpper(req.Symbol),
		side:      req.Side,
		typ:       req.Type,
		amount:    req.Amount,
		price:     req.Price,
		status:    core.TradePending,
		createdAt: e.now(),
	}

	switch req.Type {
	case core.OrderTypeMarket:
		price := e.slippedPrice(ord)
		if err := e.checkFundsLocked(ord, price); err != nil {
			return core.OrderAck{}, err
		}
		e.admitLocked(ord)
		e.fillLocked(ord, ord.amount, price)
	case core.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return core.OrderAck{}, fmt.Errorf("paper: limit without price: %w", apperrors.ErrOrderRejected)
		}
		if err := e.checkFundsLocked(ord, req.Price); err != nil {
			return core.OrderAck{}, err
		}
		e.admitLocked(ord)
		ord.status = core.TradeOpen
	default:
		return core.OrderAck{}, fmt.Errorf("paper: order type %q: %w", req.Type, apperrors.ErrOrderRejected)
	}

	return e.ackOf(ord), nil
}

// CancelOrder cancels a resting order. Unknown ids fail with
// apperrors.ErrOrderNotFound; already-final orders report (false, nil).
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ord, ok := e.orders[orderID]
	if !ok {
		return false, fmt.Errorf("paper: cancel %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	if ord.status.IsTerminal() {
		return false, nil
	}
	ord.status = core.TradeCanceled
	e.emit(e.updateOf(ord))
	return true, nil
}

// GetBalance returns a copy of the venue's asset balances.
func (e *Exchange) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(e.balances))
	for asset, amount := range e.balances {
		out[asset] = amount
	}
	return out, nil
}

// GetOpenOrders lists resting orders, optionally filtered by symbol.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	var out []core.ExchangeOrder
	for _, ord := range e.orders {
		if ord.status != core.TradeOpen || ord.filled.GreaterThanOrEqual(ord.amount) {
			continue
		}
		if symbol != "" && ord.symbol != symbol {
			continue
		}
		out = append(out, core.ExchangeOrder{
			OrderID:       ord.id,
			ClientOrderID: ord.clientID,
			Symbol:        ord.symbol,
			Side:          ord.side,
			Amount:        ord.amount,
			Filled:        ord.filled,
			Price:         ord.price,
			Status:        ord.status,
			CreatedAt:     ord.createdAt,
		})
	}
	return out, nil
}

// GetPositions reports the venue's net position per symbol, built up from
// fills. Flat symbols are omitted.
func (e *Exchange) GetPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []core.ExchangePosition
	for sym, pos := range e.positions {
		side := core.PositionLong
		if pos.size.IsNegative() {
			side = core.PositionShort
		}
		out = append(out, core.ExchangePosition{
			Symbol:     sym,
			Side:       side,
			Size:       pos.size.Abs(),
			EntryPrice: pos.entry,
		})
	}
	return out, nil
}

// GetMarketData generates limit closed bars ending at now. The series comes
// from a dedicated history walk, so the same seed, symbol, and limit always
// produce the same prices.
func (e *Exchange) GetMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]core.Bar, error) {
	if _, _, ok := splitSymbol(symbol); !ok {
		return nil, fmt.Errorf("paper: symbol %q: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	if limit <= 0 {
		limit = 100
	}
	symbol = strings.ToUpper(symbol)

	e.mu.Lock()
	start := e.startPrice(symbol)
	e.mu.Unlock()

	w := &walk{rng: rand.New(rand.NewSource(seedFor(e.seed, symbol+"|hist"))), price: start}
	interval := barDuration(timeframe)
	end := e.now().Truncate(interval)

	bars := make([]core.Bar, 0, limit)
	for i := 0; i < limit; i++ {
		ts := end.Add(-time.Duration(limit-i) * interval)
		bars = append(bars, e.barFrom(w, symbol, ts))
	}
	return bars, nil
}

// SymbolInfo returns fixed venue constraints for any well-formed symbol.
func (e *Exchange) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	if _, _, ok := splitSymbol(symbol); !ok {
		return core.SymbolInfo{}, fmt.Errorf("paper: symbol %q: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	return core.SymbolInfo{
		Symbol:      strings.ToUpper(symbol),
		LotStep:     defaultLotStep,
		MinAmount:   defaultMinAmount,
		MinNotional: defaultMinNotional,
		PriceStep:   defaultPriceStep,
	}, nil
}

// Stream emits one closed bar per symbol per interval until ctx ends. Each
// tick also sweeps resting limit orders against the new price.
func (e *Exchange) Stream(ctx context.Context, symbols []string, cb func(core.Bar)) error {
	ticker := time.NewTicker(e.barInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sym := range symbols {
				bar, ok := e.advance(sym)
				if ok {
					cb(bar)
				}
			}
		}
	}
}

// StreamOrderUpdates drains the venue's update queue into cb until ctx ends.
func (e *Exchange) StreamOrderUpdates(ctx context.Context, cb func(core.OrderUpdate)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-e.updates:
			cb(u)
		}
	}
}

// advance steps one symbol's walk, builds the bar, and fills any resting
// limit orders the new price crossed.
func (e *Exchange) advance(symbol string) (core.Bar, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if _, _, ok := splitSymbol(symbol); !ok {
		return core.Bar{}, false
	}
	w := e.walkLocked(symbol)
	open := w.price
	closePrice := w.step()

	for _, ord := range e.orders {
		if ord.symbol != symbol || ord.status != core.TradeOpen || ord.typ != core.OrderTypeLimit {
			continue
		}
		crossed := (ord.side == core.SideBuy && closePrice.LessThanOrEqual(ord.price)) ||
			(ord.side == core.SideSell && closePrice.GreaterThanOrEqual(ord.price))
		if crossed {
			e.fillLocked(ord, ord.amount.Sub(ord.filled), ord.price)
			e.emit(e.updateOf(ord))
		}
	}

	spread := closePrice.Mul(decimal.NewFromFloat(0.0002)).Round(2)
	high := decimal.Max(open, closePrice).Add(spread)
	low := decimal.Min(open, closePrice).Sub(spread)
	volume := decimal.NewFromFloat(10 + w.rng.Float64()*90).Round(4)

	return core.Bar{
		Symbol:    symbol,
		Timestamp: e.now(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Exchange:  e.name,
	}, true
}

func (e *Exchange) barFrom(w *walk, symbol string, ts time.Time) core.Bar {
	open := w.price
	closePrice := w.step()
	spread := closePrice.Mul(decimal.NewFromFloat(0.0002)).Round(2)
	return core.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      open,
		High:      decimal.Max(open, closePrice).Add(spread),
		Low:       decimal.Min(open, closePrice).Sub(spread),
		Close:     closePrice,
		Volume:    decimal.NewFromFloat(10 + w.rng.Float64()*90).Round(4),
		Exchange:  e.name,
	}
}

// admitLocked assigns the venue order id and registers the order.
func (e *Exchange) admitLocked(ord *paperOrder) {
	e.seq++
	ord.id = fmt.Sprintf("%s-%d", e.name, 1000+e.seq)
	e.orders[ord.id] = ord
	if ord.clientID != "" {
		e.byClient[ord.clientID] = ord.id
	}
}

// checkFundsLocked rejects buys the quote balance cannot cover. Sells may
// run the base balance negative: the venue allows paper shorts.
func (e *Exchange) checkFundsLocked(ord *paperOrder, price decimal.Decimal) error {
	if ord.side != core.SideBuy {
		return nil
	}
	_, quote, _ := splitSymbol(ord.symbol)
	needed := ord.amount.Mul(price)
	needed = needed.Add(needed.Mul(e.feeRate))
	if e.balanceLocked(quote).LessThan(needed) {
		return fmt.Errorf("paper: insufficient %s for %s: %w", quote, ord.symbol, apperrors.ErrOrderRejected)
	}
	return nil
}

// fillLocked applies qty at price to the order, the balances, and the net
// position, and marks the order closed once fully filled.
func (e *Exchange) fillLocked(ord *paperOrder, qty, price decimal.Decimal) {
	notional := qty.Mul(price)
	fee := notional.Mul(e.feeRate).Round(8)
	base, quote, _ := splitSymbol(ord.symbol)

	signed := qty
	if ord.side == core.SideSell {
		signed = qty.Neg()
		e.balances[quote] = e.balanceLocked(quote).Add(notional.Sub(fee))
	} else {
		e.balances[quote] = e.balanceLocked(quote).Sub(notional.Add(fee))
	}
	e.balances[base] = e.balanceLocked(base).Add(signed)

	pos := e.positions[ord.symbol]
	if pos == nil {
		pos = &paperPosition{}
		e.positions[ord.symbol] = pos
	}
	prev := pos.size
	pos.size = prev.Add(signed)
	switch {
	case pos.size.IsZero():
		delete(e.positions, ord.symbol)
	case prev.IsZero() || prev.Sign() != pos.size.Sign():
		pos.entry = price
	case signed.Sign() == prev.Sign():
		gross := pos.entry.Mul(prev.Abs()).Add(price.Mul(qty))
		pos.entry = gross.Div(pos.size.Abs()).Round(8)
	}

	filledBefore := ord.filled
	ord.filled = ord.filled.Add(qty)
	if ord.filled.IsPositive() {
		gross := ord.avgPrice.Mul(filledBefore).Add(price.Mul(qty))
		ord.avgPrice = gross.Div(ord.filled).Round(8)
	}
	ord.fee = ord.fee.Add(fee)
	if ord.filled.GreaterThanOrEqual(ord.amount) {
		ord.status = core.TradeClosed
	} else {
		ord.status = core.TradeOpen
	}
}

// slippedPrice is the walk price moved against the taker by the configured
// slippage fraction.
func (e *Exchange) slippedPrice(ord *paperOrder) decimal.Decimal {
	mark := e.walkLocked(ord.symbol).price
	adj := mark.Mul(e.slippage)
	if ord.side == core.SideBuy {
		return mark.Add(adj).Round(2)
	}
	return mark.Sub(adj).Round(2)
}

// emit queues an update, dropping the oldest entry rather than blocking the
// trading path when no consumer keeps up.
func (e *Exchange) emit(u core.OrderUpdate) {
	for {
		select {
		case e.updates <- u:
			return
		default:
		}
		select {
		case <-e.updates:
		default:
		}
	}
}

func (e *Exchange) ackOf(ord *paperOrder) core.OrderAck {
	return core.OrderAck{
		OrderID:       ord.id,
		ClientOrderID: ord.clientID,
		Symbol:        ord.symbol,
		Status:        ord.status,
		FilledAmount:  ord.filled,
		AvgFillPrice:  ord.avgPrice,
		Fee:           ord.fee,
		Timestamp:     e.now(),
	}
}

func (e *Exchange) updateOf(ord *paperOrder) core.OrderUpdate {
	_, quote, _ := splitSymbol(ord.symbol)
	return core.OrderUpdate{
		OrderID:       ord.id,
		ClientOrderID: ord.clientID,
		Symbol:        ord.symbol,
		Side:          ord.side,
		Status:        ord.status,
		FilledAmount:  ord.filled,
		AvgFillPrice:  ord.avgPrice,
		Fee:           ord.fee,
		FeeAsset:      quote,
		Timestamp:     e.now(),
	}
}

func (e *Exchange) balanceLocked(asset string) decimal.Decimal {
	if amount, ok := e.balances[asset]; ok {
		return amount
	}
	return decimal.Zero
}

func (e *Exchange) walkLocked(symbol string) *walk {
	if w, ok := e.walks[symbol]; ok {
		return w
	}
	w := &walk{
		rng:   rand.New(rand.NewSource(seedFor(e.seed, symbol))),
		price: e.startPrice(symbol),
	}
	e.walks[symbol] = w
	return w
}

func (e *Exchange) startPrice(symbol string) decimal.Decimal {
	if p, ok := e.startPrices[symbol]; ok {
		return p
	}
	switch symbol {
	case "BTC/USDT":
		return decimal.NewFromInt(45000)
	case "ETH/USDT":
		return decimal.NewFromInt(3000)
	default:
		return decimal.NewFromInt(100)
	}
}

func seedFor(seed int64, key string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", seed, strings.ToUpper(key))
	return int64(h.Sum64())
}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.Split(strings.ToUpper(symbol), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func barDuration(timeframe string) time.Duration {
	if timeframe == "" {
		return time.Minute
	}
	if strings.HasSuffix(timeframe, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(timeframe, "d")); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(timeframe); err == nil && d > 0 {
		return d
	}
	return time.Minute
}
