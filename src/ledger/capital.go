package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fundengine/src/model"
)

// RecordCapital books a deposit or withdrawal. A withdrawal may not take cash below
// zero, since open positions still hold their cost basis.
func (l *Ledger) RecordCapital(ctx context.Context, kind string, amount decimal.Decimal, note string) (Valuation, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != model.CapitalDeposit && kind != model.CapitalWithdrawal {
		return Valuation{}, reject(ReasonInvalidSignal, "unknown capital event %q", kind)
	}
	if !amount.IsPositive() {
		return Valuation{}, reject(ReasonInvalidSignal, "amount must be positive")
	}

	var v Valuation
	err := l.tx(ctx, func(r repos) error {
		before, err := valuation(ctx, r)
		if err != nil {
			return err
		}
		if kind == model.CapitalWithdrawal && amount.GreaterThan(before.Cash) {
			return reject(ReasonInsufficientCash, "withdrawal %s exceeds cash %s", amount.StringFixed(2), before.Cash.StringFixed(2))
		}
		if err := r.fund.RecordCapitalEvent(ctx, &model.CapitalEvent{Kind: kind, Amount: amount, Note: truncate(note, 255)}); err != nil {
			return fmt.Errorf("record capital event: %w", err)
		}
		v, err = valuation(ctx, r)
		return err
	})
	return v, err
}
