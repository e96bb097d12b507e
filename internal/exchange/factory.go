// Package exchange selects the adapter implementation for a configured
// venue. The platform talks to every venue through core.IExchangeAdapter;
// this is the only place that knows which concrete adapter backs a name.
package exchange

import (
	"fmt"
	"strings"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/exchange/gateway"
	"tradecore/internal/exchange/paper"
)

// NewAdapter builds the adapter for one configured exchange. The name is the
// exchange's config key and becomes the venue name on bars, acks, routing
// keys, and trade rows.
func NewAdapter(name string, cfg config.ExchangeConfig, logger core.ILogger) (core.IExchangeAdapter, error) {
	switch strings.ToLower(cfg.Adapter) {
	case "", "paper":
		return paper.New(paper.Options{
			Name:    name,
			FeeRate: cfg.FeeRate.Decimal,
		}), nil
	case "gateway":
		if cfg.BaseURL == "" || cfg.WSURL == "" {
			return nil, fmt.Errorf("exchange %s: gateway adapter needs base_url and ws_url", name)
		}
		return gateway.New(gateway.Options{
			Name:      name,
			BaseURL:   cfg.BaseURL,
			WSURL:     cfg.WSURL,
			APIKey:    string(cfg.APIKey),
			APISecret: string(cfg.SecretKey),
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("exchange %s: unknown adapter %q", name, cfg.Adapter)
	}
}
