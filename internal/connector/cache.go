package connector

import (
	"container/list"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
)

// priceCache keeps the most recent close per symbol behind a short TTL with
// LRU eviction, so hot-path consumers never block on a REST price lookup.
type priceCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
	now      func() time.Time
}

type priceEntry struct {
	symbol string
	price  decimal.Decimal
	at     time.Time
}

func newPriceCache(ttl time.Duration, capacity int) *priceCache {
	if capacity < 1 {
		capacity = 1
	}
	return &priceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Put records the latest price for symbol, evicting the least recently used
// entry when full.
func (c *priceCache) Put(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[symbol]; ok {
		entry := el.Value.(*priceEntry)
		entry.price = price
		entry.at = c.now()
		c.order.MoveToFront(el)
		return
	}
	c.entries[symbol] = c.order.PushFront(&priceEntry{symbol: symbol, price: price, at: c.now()})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*priceEntry).symbol)
	}
}

// Get returns the cached price unless the entry is stale or absent.
func (c *priceCache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[symbol]
	if !ok {
		return decimal.Zero, false
	}
	entry := el.Value.(*priceEntry)
	if c.now().Sub(entry.at) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, symbol)
		return decimal.Zero, false
	}
	c.order.MoveToFront(el)
	return entry.price, true
}

// symbolInfoCache memoizes exchange trading constraints. Constraints change
// rarely, so entries live much longer than prices.
type symbolInfoCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]symbolInfoEntry
	now func() time.Time
}

type symbolInfoEntry struct {
	info core.SymbolInfo
	at   time.Time
}

func newSymbolInfoCache(ttl time.Duration) *symbolInfoCache {
	return &symbolInfoCache{ttl: ttl, m: make(map[string]symbolInfoEntry), now: time.Now}
}

func (c *symbolInfoCache) Get(symbol string) (core.SymbolInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[symbol]
	if !ok || c.now().Sub(e.at) > c.ttl {
		return core.SymbolInfo{}, false
	}
	return e.info, true
}

func (c *symbolInfoCache) Put(symbol string, info core.SymbolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[symbol] = symbolInfoEntry{info: info, at: c.now()}
}
