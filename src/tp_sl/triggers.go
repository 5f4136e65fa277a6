package tp_sl

import (
	"github.com/shopspring/decimal"

	"fundengine/src/model"
)

// Trigger reports whether a long position with the given levels must close at price.
// A zero level is unset. When a gap crosses both levels the stop wins.
func Trigger(price, stopLoss, takeProfit decimal.Decimal) (reason string, hit bool) {
	if !price.IsPositive() {
		return "", false
	}
	if stopLoss.IsPositive() && price.LessThanOrEqual(stopLoss) {
		return model.CloseReasonStop, true
	}
	if takeProfit.IsPositive() && price.GreaterThanOrEqual(takeProfit) {
		return model.CloseReasonTakeProfit, true
	}
	return "", false
}

// ValidLevels checks that stop and take-profit sit on the right side of price for a long.
func ValidLevels(price, stopLoss, takeProfit decimal.Decimal) bool {
	if stopLoss.IsNegative() || takeProfit.IsNegative() {
		return false
	}
	if stopLoss.IsPositive() && price.IsPositive() && stopLoss.GreaterThanOrEqual(price) {
		return false
	}
	if takeProfit.IsPositive() && price.IsPositive() && takeProfit.LessThanOrEqual(price) {
		return false
	}
	return true
}
