package connector

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"tradecore/internal/config"
	apperrors "tradecore/pkg/errors"
)

// limiterSet is the exchange's three token buckets: REST requests per
// minute, order mutations per second, and order mutations per day. Waits are
// bounded by the caller's context, so a bucket that cannot supply a token
// before the deadline surfaces as rate_limited instead of stalling the
// command queue.
type limiterSet struct {
	requests  *rate.Limiter
	ordersSec *rate.Limiter
	ordersDay *rate.Limiter
}

func newLimiterSet(cfg config.ExchangeConfig) *limiterSet {
	return &limiterSet{
		requests:  newBucket(rate.Limit(float64(cfg.RequestsPerMin)/60.0), cfg.RequestsPerMin/10),
		ordersSec: newBucket(rate.Limit(cfg.OrdersPerSec), cfg.OrdersPerSec),
		ordersDay: newDayBucket(cfg.OrdersPerDay),
	}
}

func newBucket(limit rate.Limit, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// newDayBucket spreads the daily order allowance evenly, with a burst of one
// percent so quiet hours bank a little headroom.
func newDayBucket(perDay int) *rate.Limiter {
	if perDay <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perDay / 100
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(perDay)), burst)
}

// WaitRequest draws one REST token.
func (l *limiterSet) WaitRequest(ctx context.Context) error {
	if err := l.requests.Wait(ctx); err != nil {
		return fmt.Errorf("%w: request budget: %v", apperrors.ErrRateLimited, err)
	}
	return nil
}

// WaitOrder draws from all three buckets; an order mutation consumes a REST
// token too.
func (l *limiterSet) WaitOrder(ctx context.Context) error {
	if err := l.ordersDay.Wait(ctx); err != nil {
		return fmt.Errorf("%w: daily order budget: %v", apperrors.ErrRateLimited, err)
	}
	if err := l.ordersSec.Wait(ctx); err != nil {
		return fmt.Errorf("%w: order rate: %v", apperrors.ErrRateLimited, err)
	}
	return l.WaitRequest(ctx)
}
