package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	httpclient "tradecore/pkg/http"
)

// wireOrder is the gateway's order document, shared by REST responses and
// the orders stream. Decimals travel as JSON strings.
type wireOrder struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Price         decimal.Decimal `json:"price"`
	Average       decimal.Decimal `json:"average"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"feeAsset"`
	Timestamp     int64           `json:"timestamp"`
}

func (w wireOrder) ack() core.OrderAck {
	status, _ := mapOrderStatus(w.Status)
	return core.OrderAck{
		OrderID:       w.ID,
		ClientOrderID: w.ClientOrderID,
		Symbol:        strings.ToUpper(w.Symbol),
		Status:        status,
		FilledAmount:  w.Filled,
		AvgFillPrice:  w.Average,
		Fee:           w.Fee,
		Timestamp:     time.UnixMilli(w.Timestamp),
	}
}

func (w wireOrder) order() core.ExchangeOrder {
	status, _ := mapOrderStatus(w.Status)
	return core.ExchangeOrder{
		OrderID:       w.ID,
		ClientOrderID: w.ClientOrderID,
		Symbol:        strings.ToUpper(w.Symbol),
		Side:          core.Side(strings.ToLower(w.Side)),
		Amount:        w.Amount,
		Filled:        w.Filled,
		Price:         w.Price,
		Status:        status,
		CreatedAt:     time.UnixMilli(w.Timestamp),
	}
}

func (w wireOrder) update() core.OrderUpdate {
	status, _ := mapOrderStatus(w.Status)
	return core.OrderUpdate{
		OrderID:       w.ID,
		ClientOrderID: w.ClientOrderID,
		Symbol:        strings.ToUpper(w.Symbol),
		Side:          core.Side(strings.ToLower(w.Side)),
		Status:        status,
		FilledAmount:  w.Filled,
		AvgFillPrice:  w.Average,
		Fee:           w.Fee,
		FeeAsset:      strings.ToUpper(w.FeeAsset),
		Timestamp:     time.UnixMilli(w.Timestamp),
	}
}

// mapOrderStatus translates the gateway's CCXT status vocabulary. Unknown
// statuses report ok=false so stream consumers can skip rather than guess.
func mapOrderStatus(raw string) (core.TradeStatus, bool) {
	switch strings.ToLower(raw) {
	case "new", "open", "accepted", "partially_filled":
		return core.TradeOpen, true
	case "closed", "filled":
		return core.TradeClosed, true
	case "canceled", "cancelled", "expired":
		return core.TradeCanceled, true
	case "rejected":
		return core.TradeFailed, true
	default:
		return core.TradeOpen, false
	}
}

// barFromRow decodes one CCXT OHLCV row: [timestampMs, o, h, l, c, v].
func barFromRow(exchange, symbol string, row []json.Number) (core.Bar, error) {
	if len(row) < 6 {
		return core.Bar{}, fmt.Errorf("want 6 fields, got %d", len(row))
	}
	ts, err := row[0].Int64()
	if err != nil {
		return core.Bar{}, fmt.Errorf("timestamp: %w", err)
	}

	vals := make([]decimal.Decimal, 5)
	for i := 1; i < 6; i++ {
		v, err := decimal.NewFromString(row[i].String())
		if err != nil {
			return core.Bar{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i-1] = v
	}

	return core.Bar{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(ts),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Exchange:  exchange,
	}, nil
}

// mapErr folds transport failures onto the platform's error identities. The
// gateway reports domain denials with a string code in the body; transport
// classes fall back to the HTTP status.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		code, msg := parseReason(apiErr.Body)
		if identity := reasonIdentity(code); identity != nil {
			return fmt.Errorf("gateway %d %s: %w", apiErr.StatusCode, msg, identity)
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("gateway throttled: %w", apperrors.ErrRateLimited)
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			return fmt.Errorf("gateway timed out: %w", apperrors.ErrExchangeTimeout)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("gateway %d: %w", apiErr.StatusCode, apperrors.ErrExchangeUnavailable)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("gateway %s: %w", msg, apperrors.ErrOrderNotFound)
		case apiErr.StatusCode >= 400:
			return fmt.Errorf("gateway %d %s: %w", apiErr.StatusCode, msg, apperrors.ErrOrderRejected)
		}
		return err
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("gateway circuit open: %w", apperrors.ErrExchangeUnavailable)
	}
	return err
}

func reasonIdentity(code string) error {
	switch code {
	case "invalid_symbol":
		return apperrors.ErrInvalidSymbol
	case "order_not_found":
		return apperrors.ErrOrderNotFound
	case "insufficient_funds", "order_rejected", "min_notional":
		return apperrors.ErrOrderRejected
	case "duplicate_order":
		return apperrors.ErrDuplicateOrder
	case "rate_limited":
		return apperrors.ErrRateLimited
	default:
		return nil
	}
}

func parseReason(body []byte) (code, msg string) {
	var wire struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	if wire.Message == "" {
		wire.Message = wire.Code
	}
	return wire.Code, wire.Message
}
