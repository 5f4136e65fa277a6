package ledger

import (
	"context"

	logger "github.com/sirupsen/logrus"

	"fundengine/src/model"
)

// ReleaseStaleExits clears the pending-exit flag of positions whose exit order is no
// longer reserved. It repairs state left by a crash between reserving an exit and
// resolving it, and returns the number of positions released.
func (l *Ledger) ReleaseStaleExits(ctx context.Context) (int, error) {
	released := 0
	err := l.tx(ctx, func(r repos) error {
		reserved, err := r.orders.ListReserved(ctx)
		if err != nil {
			return err
		}
		exiting := map[uint]bool{}
		for _, o := range reserved {
			if o.Purpose == model.OrderPurposeExit && o.PositionID != nil {
				exiting[*o.PositionID] = true
			}
		}

		positions, err := r.positions.ListOpen(ctx)
		if err != nil {
			return err
		}
		for i := range positions {
			p := &positions[i]
			if !p.PendingExit || exiting[p.ID] {
				continue
			}
			p.PendingExit = false
			if err := r.positions.Save(ctx, p); err != nil {
				return err
			}
			released++
			logger.WithFields(map[string]interface{}{
				"component": "ledger",
				"op":        "ReleaseStaleExits",
				"symbol":    p.Symbol,
				"tag":       p.Tag,
			}).Warn("Released stale pending exit")
		}
		return nil
	})
	return released, err
}
