package strategy

import (
	"math"

	"github.com/shopspring/decimal"
)

// SMA computes the simple moving average of values over period. The output
// is aligned with the input; entries before the first complete window are
// zero decimals, so callers gate on warmup length rather than scanning.
func SMA(values []decimal.Decimal, period int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	if period < 1 || len(values) < period {
		return out
	}
	window := decimal.Zero
	div := decimal.NewFromInt(int64(period))
	for i, v := range values {
		window = window.Add(v)
		if i >= period {
			window = window.Sub(values[i-period])
		}
		if i >= period-1 {
			out[i] = window.Div(div)
		}
	}
	return out
}

// RollingStd computes the population standard deviation of values over
// period, aligned like SMA. The math runs in float64: the statistic gates
// signals and never touches money.
func RollingStd(values []decimal.Decimal, period int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	if period < 1 || len(values) < period {
		return out
	}
	floats := make([]float64, len(values))
	for i, v := range values {
		floats[i], _ = v.Float64()
	}
	for i := period - 1; i < len(floats); i++ {
		var sum float64
		for j := i - period + 1; j <= i; j++ {
			sum += floats[j]
		}
		mean := sum / float64(period)
		var variance float64
		for j := i - period + 1; j <= i; j++ {
			d := floats[j] - mean
			variance += d * d
		}
		out[i] = decimal.NewFromFloat(math.Sqrt(variance / float64(period)))
	}
	return out
}
