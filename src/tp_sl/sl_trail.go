package tp_sl

import (
	"github.com/shopspring/decimal"
)

// Avg returns the arithmetic mean of prices.
func Avg(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(prices))))
}

// ComputeTrailingStop ratchets a long stop up behind a rising price series.
//
// - gate: the previous observation rose
// - floor: average price over lookback
// - clamp: candidate <= previous observation
// - update: SL = max(SL, candidate)
//
// The stop never moves down.
func ComputeTrailingStop(
	currentSL decimal.Decimal,
	prices []decimal.Decimal,
	lookback int,
) (newSL decimal.Decimal, moved bool) {
	if len(prices) < 3 {
		return currentSL, false
	}
	if lookback <= 0 {
		lookback = 20
	}
	if lookback > len(prices) {
		lookback = len(prices)
	}

	prev := prices[len(prices)-2]
	beforePrev := prices[len(prices)-3]
	if !prev.GreaterThan(beforePrev) {
		return currentSL, false
	}

	candidate := Avg(prices[len(prices)-lookback:])
	if candidate.GreaterThan(prev) {
		candidate = prev
	}

	if candidate.GreaterThan(currentSL) {
		return candidate, true
	}
	return currentSL, false
}
