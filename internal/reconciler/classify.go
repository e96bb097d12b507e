package reconciler

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
)

// class names a discrepancy kind; it doubles as the metric attribute.
type class string

const (
	// In DB, absent from the exchange, past the grace period.
	classStalePending class = "stale_pending"
	classOrphanDBOpen class = "orphan_db_open"
	// Matched, but the exchange reports a different status or more fills.
	classStatusDrift class = "status_drift"
	classFillDrift   class = "fill_drift"
	// On the exchange, unknown to the DB.
	classOrphanVenue class = "orphan_exchange_order"
	// Aggregate position size differs beyond tolerance.
	classSizeMismatch class = "position_size_mismatch"
)

// discrepancy is one classified difference between DB and exchange state.
// Which fields are set depends on the class: order classes carry trade
// and/or order, the position class carries the rows behind one
// (exchange, symbol) bucket plus both signed sizes.
type discrepancy struct {
	class       class
	portfolioID string
	exchange    string
	symbol      string

	trade *ownedTrade
	order *core.ExchangeOrder
	// owners are the active strategies trading the orphan order's exchange
	// and symbol; adoption requires exactly one.
	owners []core.Strategy

	positions  []ownedPosition
	dbSize     decimal.Decimal
	venueSize  decimal.Decimal
	venueEntry decimal.Decimal
}

// classifyOrders matches open trades against venue open orders and returns
// every difference, in deterministic order: trade-side findings first (in
// snapshot order), then unclaimed venue orders.
//
// Matching is by client order id (the trade's correlation id) or, failing
// that, by exchange order id; adopted orphans only ever match on the latter.
func classifyOrders(snap *snapshot, grace time.Duration) []discrepancy {
	type venueIndex struct {
		byCID     map[string]int
		byOrderID map[string]int
		claimed   map[int]bool
	}
	idx := make(map[string]venueIndex, len(snap.venues))
	for name, vs := range snap.venues {
		if vs.err != nil {
			continue
		}
		vi := venueIndex{
			byCID:     make(map[string]int, len(vs.orders)),
			byOrderID: make(map[string]int, len(vs.orders)),
			claimed:   make(map[int]bool, len(vs.orders)),
		}
		for i, o := range vs.orders {
			if o.ClientOrderID != "" {
				vi.byCID[o.ClientOrderID] = i
			}
			if o.OrderID != "" {
				vi.byOrderID[o.OrderID] = i
			}
		}
		idx[name] = vi
	}

	var out []discrepancy
	for i := range snap.trades {
		tr := &snap.trades[i]
		vs, ok := snap.venues[tr.ExchangeID]
		if !ok || vs.err != nil {
			continue
		}
		vi := idx[tr.ExchangeID]

		oi, found := vi.byCID[tr.CorrelationID]
		if !found && tr.ExchangeOrderID != "" {
			oi, found = vi.byOrderID[tr.ExchangeOrderID]
		}
		if found {
			vi.claimed[oi] = true
			order := &vs.orders[oi]
			d := discrepancy{
				portfolioID: tr.portfolioID,
				exchange:    tr.ExchangeID,
				symbol:      tr.Symbol,
				trade:       tr,
				order:       order,
			}
			switch {
			case order.Status.IsTerminal():
				d.class = classStatusDrift
				out = append(out, d)
			case tr.Status == core.TradePending:
				// The exchange accepted the order but the ack never landed.
				d.class = classStatusDrift
				out = append(out, d)
			case order.Filled.GreaterThan(tr.Amount):
				d.class = classFillDrift
				out = append(out, d)
			}
			continue
		}

		if snap.takenAt.Sub(tr.UpdatedAt) <= grace {
			continue
		}
		d := discrepancy{
			portfolioID: tr.portfolioID,
			exchange:    tr.ExchangeID,
			symbol:      tr.Symbol,
			trade:       tr,
		}
		if tr.Status == core.TradePending {
			d.class = classStalePending
		} else {
			d.class = classOrphanDBOpen
		}
		out = append(out, d)
	}

	venueNames := make([]string, 0, len(snap.venues))
	for name := range snap.venues {
		venueNames = append(venueNames, name)
	}
	sort.Strings(venueNames)
	for _, name := range venueNames {
		vs := snap.venues[name]
		if vs.err != nil {
			continue
		}
		vi := idx[name]
		for i := range vs.orders {
			if vi.claimed[i] {
				continue
			}
			out = append(out, discrepancy{
				class:    classOrphanVenue,
				exchange: name,
				symbol:   vs.orders[i].Symbol,
				order:    &vs.orders[i],
				owners:   strategiesFor(snap.strategies, name, vs.orders[i].Symbol),
			})
		}
	}
	return out
}

// strategiesFor returns the active strategies bound to one exchange and
// symbol, sorted by id for deterministic attribution.
func strategiesFor(strategies map[string]core.Strategy, exchange, symbol string) []core.Strategy {
	var out []core.Strategy
	for _, s := range strategies {
		if !s.Active {
			continue
		}
		if strings.EqualFold(s.ExchangeID, exchange) && strings.EqualFold(s.Symbol, symbol) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// classifyPositions compares aggregate signed position size per
// (exchange, symbol) between the DB rows and the venue report. Buckets whose
// venue is unreachable or has no adapter are skipped.
func classifyPositions(rows []ownedPosition, venues map[string]venueState, tol decimal.Decimal) []discrepancy {
	type key struct{ exchange, symbol string }

	db := make(map[key][]ownedPosition)
	for _, p := range rows {
		k := key{p.exchange, p.Symbol}
		db[k] = append(db[k], p)
	}

	type venueBucket struct {
		size  decimal.Decimal
		entry decimal.Decimal
	}
	venue := make(map[key]venueBucket)
	for name, vs := range venues {
		if vs.err != nil {
			continue
		}
		for _, vp := range vs.positions {
			k := key{name, vp.Symbol}
			b := venue[k]
			b.size = b.size.Add(signedSize(vp.Size, vp.Side))
			if vp.EntryPrice.IsPositive() {
				b.entry = vp.EntryPrice
			}
			venue[k] = b
		}
	}

	seen := make(map[key]bool, len(db)+len(venue))
	keys := make([]key, 0, len(db)+len(venue))
	for k := range db {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range venue {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].exchange != keys[j].exchange {
			return keys[i].exchange < keys[j].exchange
		}
		return keys[i].symbol < keys[j].symbol
	})

	var out []discrepancy
	for _, k := range keys {
		vs, ok := venues[k.exchange]
		if !ok || vs.err != nil {
			continue
		}
		dbSigned := decimal.Zero
		for _, p := range db[k] {
			dbSigned = dbSigned.Add(signedSize(p.CurrentSize, p.Side))
		}
		bucket := venue[k]
		if dbSigned.Sub(bucket.size).Abs().LessThanOrEqual(tol) {
			continue
		}
		d := discrepancy{
			class:      classSizeMismatch,
			exchange:   k.exchange,
			symbol:     k.symbol,
			positions:  db[k],
			dbSize:     dbSigned,
			venueSize:  bucket.size,
			venueEntry: bucket.entry,
		}
		if len(d.positions) == 1 {
			d.portfolioID = d.positions[0].portfolioID
		}
		out = append(out, d)
	}
	return out
}

func signedSize(size decimal.Decimal, side core.PositionSide) decimal.Decimal {
	if side == core.PositionShort {
		return size.Neg()
	}
	return size
}
