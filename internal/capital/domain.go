package capital

import (
	"context"
	"sync"
)

// Domain serializes every balance-mutating operation per portfolio. All
// writers that touch a portfolio's capital, trades, or positions run inside
// RunSerialized: allocations, fill application, and the reconciler's
// corrections. Different portfolios proceed in parallel.
type Domain struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDomain creates an empty serialization domain.
func NewDomain() *Domain {
	return &Domain{locks: make(map[string]*sync.Mutex)}
}

// RunSerialized runs fn while holding the portfolio's lock. The context is
// checked once the lock is acquired so callers queued behind a slow writer
// observe cancellation instead of doing stale work.
func (d *Domain) RunSerialized(ctx context.Context, portfolioID string, fn func(ctx context.Context) error) error {
	l := d.lockFor(portfolioID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (d *Domain) lockFor(portfolioID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[portfolioID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[portfolioID] = l
	}
	return l
}
