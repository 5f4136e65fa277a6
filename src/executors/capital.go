package executors

import (
	"context"

	"github.com/shopspring/decimal"

	"fundengine/src/ledger"
)

// RecordCapital books a deposit or withdrawal under the execution lock, so no signal is
// sized against cash that is changing underneath it.
func (e *Executor) RecordCapital(ctx context.Context, kind string, amount decimal.Decimal, note string) (ledger.Valuation, error) {
	var v ledger.Valuation
	err := e.core.Do(ctx, "capital:"+kind, func(ctx context.Context) error {
		var err error
		v, err = e.ledger.RecordCapital(ctx, kind, amount, note)
		return err
	})
	return v, err
}
