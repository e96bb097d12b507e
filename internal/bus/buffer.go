package bus

import (
	"fmt"
	"sync"

	apperrors "tradecore/pkg/errors"
)

// bufferedPublish is one publish held back while the broker is unreachable.
type bufferedPublish struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// publishBuffer is a bounded FIFO for outage buffering. When full, new
// publishes are rejected rather than evicting older ones, so a reconnect
// replays the oldest intent first and the caller learns about the overflow.
type publishBuffer struct {
	mu     sync.Mutex
	max    int
	items  []bufferedPublish
	counts map[string]int
}

func newPublishBuffer(max int) *publishBuffer {
	return &publishBuffer{max: max, counts: make(map[string]int)}
}

func (p *publishBuffer) push(item bufferedPublish) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) >= p.max {
		return fmt.Errorf("%w: publish buffer full at %d messages", apperrors.ErrPublishOverflow, p.max)
	}
	p.items = append(p.items, item)
	p.counts[item.Exchange]++
	return nil
}

// drain removes and returns everything buffered, in insertion order.
func (p *publishBuffer) drain() []bufferedPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.items
	p.items = nil
	for ex := range p.counts {
		p.counts[ex] = 0
	}
	return items
}

// requeue puts unflushed items back at the front, ahead of anything buffered
// while the flush was running.
func (p *publishBuffer) requeue(items []bufferedPublish) {
	if len(items) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	merged := make([]bufferedPublish, 0, len(items)+len(p.items))
	merged = append(merged, items...)
	merged = append(merged, p.items...)
	if len(merged) > p.max {
		merged = merged[:p.max]
	}
	p.items = merged
	for ex := range p.counts {
		p.counts[ex] = 0
	}
	for _, item := range merged {
		p.counts[item.Exchange]++
	}
}

func (p *publishBuffer) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// depthByExchange snapshots per-exchange counts, including zeroes for
// exchanges that drained, so gauges reset after a flush.
func (p *publishBuffer) depthByExchange() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.counts))
	for ex, n := range p.counts {
		out[ex] = n
	}
	return out
}
