package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	apperrors "tradecore/pkg/errors"
)

func TestLimiterExhaustionIsRateLimited(t *testing.T) {
	limits := newLimiterSet(config.ExchangeConfig{
		RequestsPerMin: 6000,
		OrdersPerSec:   100,
		OrdersPerDay:   1,
	})
	ctx := context.Background()

	require.NoError(t, limits.WaitOrder(ctx), "burst admits the first order")

	// The daily budget is spent; a bounded wait cannot be served and must
	// surface as rate_limited so the dispatcher backs off.
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := limits.WaitOrder(waitCtx)
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestLimiterUnconfiguredIsUnlimited(t *testing.T) {
	limits := newLimiterSet(config.ExchangeConfig{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, limits.WaitOrder(ctx))
		require.NoError(t, limits.WaitRequest(ctx))
	}
}
