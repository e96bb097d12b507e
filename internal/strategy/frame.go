package strategy

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
)

// Frame is the rolling OHLCV window a worker maintains for its strategy.
// Bars are held oldest-first up to a fixed capacity. Indicator series
// computed by PopulateIndicators hang off a derived frame by name, aligned
// index-for-index with the bars.
//
// Frames are copy-on-write: WithSeries returns a new frame sharing the bar
// storage, which keeps PopulateIndicators pure as long as nobody mutates
// bars in place.
type Frame struct {
	capacity int
	bars     []core.Bar
	series   map[string][]decimal.Decimal
}

// NewFrame creates an empty frame holding at most capacity bars.
func NewFrame(capacity int) *Frame {
	if capacity < 1 {
		capacity = 1
	}
	return &Frame{capacity: capacity}
}

// Push appends a bar and reports whether the window advanced. Bars at or
// before the newest held timestamp are dropped, which makes redelivered
// ticks and backfill overlaps no-ops. Any indicator series are invalidated.
func (f *Frame) Push(bar core.Bar) bool {
	if n := len(f.bars); n > 0 && !bar.Timestamp.After(f.bars[n-1].Timestamp) {
		return false
	}
	f.bars = append(f.bars, bar)
	if len(f.bars) > f.capacity {
		f.bars = f.bars[1:]
	}
	f.series = nil
	return true
}

// Reset drops all bars and indicator series, returning the frame to empty.
// Used when a stream outage leaves a hole the window must not span.
func (f *Frame) Reset() {
	f.bars = nil
	f.series = nil
}

// Len returns the number of bars held.
func (f *Frame) Len() int { return len(f.bars) }

// Capacity returns the maximum number of bars held.
func (f *Frame) Capacity() int { return f.capacity }

// Bar returns the i-th bar, oldest first. The index must be in [0, Len).
func (f *Frame) Bar(i int) core.Bar { return f.bars[i] }

// Last returns the newest bar, if any.
func (f *Frame) Last() (core.Bar, bool) {
	if len(f.bars) == 0 {
		return core.Bar{}, false
	}
	return f.bars[len(f.bars)-1], true
}

// Closes returns the close series oldest-first as a fresh slice.
func (f *Frame) Closes() []decimal.Decimal {
	out := make([]decimal.Decimal, len(f.bars))
	for i, b := range f.bars {
		out[i] = b.Close
	}
	return out
}

// WithSeries returns a derived frame with the named indicator series set.
// The receiver is left untouched; bar storage is shared.
func (f *Frame) WithSeries(name string, values []decimal.Decimal) *Frame {
	out := &Frame{capacity: f.capacity, bars: f.bars}
	out.series = make(map[string][]decimal.Decimal, len(f.series)+1)
	for k, v := range f.series {
		out.series[k] = v
	}
	out.series[name] = values
	return out
}

// Series returns the named indicator series, if computed.
func (f *Frame) Series(name string) ([]decimal.Decimal, bool) {
	v, ok := f.series[name]
	return v, ok
}
