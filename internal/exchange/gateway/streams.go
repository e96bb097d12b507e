package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"tradecore/internal/core"
	wsclient "tradecore/pkg/websocket"
)

// wsSubscribe is the gateway's subscription op, re-sent on every reconnect.
type wsSubscribe struct {
	Op        string   `json:"op"`
	Channel   string   `json:"channel"`
	Symbols   []string `json:"symbols,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
}

// wsEnvelope is one gateway stream message. Bars arrive as CCXT OHLCV rows;
// order updates reuse the REST order document.
type wsEnvelope struct {
	Channel string        `json:"channel"`
	Symbol  string        `json:"symbol,omitempty"`
	Closed  bool          `json:"closed,omitempty"`
	Bar     []json.Number `json:"bar,omitempty"`
	Order   *wireOrder    `json:"order,omitempty"`
}

// Stream subscribes to the ohlcv channel for symbols and forwards closed
// bars to cb until ctx ends. The underlying socket reconnects on its own and
// re-subscribes; recoveries surface through OnReconnected.
func (e *Exchange) Stream(ctx context.Context, symbols []string, cb func(core.Bar)) error {
	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}

	ws := wsclient.NewClient(e.wsURL, func(message []byte) {
		var env wsEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			if e.logger != nil {
				e.logger.Warn("Gateway stream message unreadable", "error", err)
			}
			return
		}
		if env.Channel != "ohlcv" || !env.Closed {
			return
		}
		bar, err := barFromRow(e.name, strings.ToUpper(env.Symbol), env.Bar)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("Gateway bar unreadable", "symbol", env.Symbol, "error", err)
			}
			return
		}
		cb(bar)
	}, e.logger)

	ws.SetOnConnected(func() {
		sub := wsSubscribe{Op: "subscribe", Channel: "ohlcv", Symbols: upper, Timeframe: e.timeframe}
		if err := ws.Send(sub); err != nil && e.logger != nil {
			e.logger.Warn("Gateway ohlcv subscribe failed", "error", err)
		}
	})
	ws.SetOnReconnected(func(gap time.Duration) {
		if e.reconnectCb != nil {
			e.reconnectCb(gap)
		}
	})

	ws.Start()
	defer ws.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// StreamOrderUpdates subscribes to the orders channel and forwards each
// recognizable state change to cb until ctx ends.
func (e *Exchange) StreamOrderUpdates(ctx context.Context, cb func(core.OrderUpdate)) error {
	ws := wsclient.NewClient(e.wsURL, func(message []byte) {
		var env wsEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			if e.logger != nil {
				e.logger.Warn("Gateway order stream message unreadable", "error", err)
			}
			return
		}
		if env.Channel != "orders" || env.Order == nil {
			return
		}
		if _, ok := mapOrderStatus(env.Order.Status); !ok {
			if e.logger != nil {
				e.logger.Warn("Gateway order status unknown", "status", env.Order.Status, "order_id", env.Order.ID)
			}
			return
		}
		cb(env.Order.update())
	}, e.logger)

	ws.SetOnConnected(func() {
		if err := ws.Send(wsSubscribe{Op: "subscribe", Channel: "orders"}); err != nil && e.logger != nil {
			e.logger.Warn("Gateway orders subscribe failed", "error", err)
		}
	})

	ws.Start()
	defer ws.Stop()

	<-ctx.Done()
	return ctx.Err()
}
