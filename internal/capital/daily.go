package capital

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
)

// dailyWindow caches each portfolio's realized P&L since midnight UTC so the
// daily-loss check does not hit the store on every proposal. The cache is
// invalidated when a trade reaches a terminal state and cleared wholesale at
// the UTC day boundary by a cron job.
type dailyWindow struct {
	store  core.IStateStore
	logger core.ILogger
	cron   *cron.Cron

	mu    sync.Mutex
	cache map[string]decimal.Decimal
}

func newDailyWindow(store core.IStateStore, logger core.ILogger) *dailyWindow {
	w := &dailyWindow{
		store:  store,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		cache:  make(map[string]decimal.Decimal),
	}
	if _, err := w.cron.AddFunc("0 0 * * *", w.rollover); err != nil {
		// The expression is a literal; failing here means the cron library
		// itself is broken, so surface it and run uncached.
		logger.Error("Failed to schedule daily-loss rollover", "error", err)
	}
	return w
}

func (w *dailyWindow) Start() { w.cron.Start() }

func (w *dailyWindow) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

func (w *dailyWindow) rollover() {
	w.mu.Lock()
	w.cache = make(map[string]decimal.Decimal)
	w.mu.Unlock()
	w.logger.Info("Daily loss window rolled over")
}

// RealizedToday returns the portfolio's realized P&L since midnight UTC,
// negative for a losing day.
func (w *dailyWindow) RealizedToday(ctx context.Context, portfolioID string) (decimal.Decimal, error) {
	w.mu.Lock()
	if v, ok := w.cache[portfolioID]; ok {
		w.mu.Unlock()
		return v, nil
	}
	w.mu.Unlock()

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	v, err := w.store.RealizedPnLSince(ctx, portfolioID, midnight)
	if err != nil {
		return decimal.Zero, err
	}

	w.mu.Lock()
	w.cache[portfolioID] = v
	w.mu.Unlock()
	return v, nil
}

// Invalidate drops the cached figure after a trade realizes P&L.
func (w *dailyWindow) Invalidate(portfolioID string) {
	w.mu.Lock()
	delete(w.cache, portfolioID)
	w.mu.Unlock()
}
