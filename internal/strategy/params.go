package strategy

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Strategy params arrive as map[string]interface{} decoded from JSON, so
// numbers show up as float64 (or json.Number). These helpers normalize the
// lookups and fall back to the given default on absence or a bad type.

func paramInt(params map[string]interface{}, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func paramDecimal(params map[string]interface{}, key string, def decimal.Decimal) decimal.Decimal {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
	case json.Number:
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d
		}
	case string:
		if d, err := decimal.NewFromString(n); err == nil {
			return d
		}
	}
	return def
}

func paramString(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
