package ledger

import (
	"context"

	"fundengine/src/accounting"
	"fundengine/src/model"
)

// RecordBrackets stores the native stop and take-profit order ids placed for a position.
func (l *Ledger) RecordBrackets(ctx context.Context, positionID uint, stopID, takeProfitID string) error {
	return l.tx(ctx, func(r repos) error {
		p, err := r.positions.FindByID(ctx, positionID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrAlreadyClosed
		}
		p.StopOrderID, p.TakeProfitOrderID = stopID, takeProfitID
		return r.positions.Save(ctx, p)
	})
}

// CloseFromBracket books the fill of a native stop or take-profit order. The first fill
// confirmed wins; a later fill of the sibling finds the position gone and gets
// ErrAlreadyClosed, which callers treat as a duplicate rather than a failure. The
// returned delta names the sibling the caller must cancel.
func (l *Ledger) CloseFromBracket(ctx context.Context, positionID uint, orderID string, fill accounting.Fill) (*Delta, error) {
	var delta *Delta
	err := l.tx(ctx, func(r repos) error {
		p, err := r.positions.FindByID(ctx, positionID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrAlreadyClosed
		}

		var reason, sibling string
		switch orderID {
		case "":
			return ErrAlreadyClosed
		case p.StopOrderID:
			reason, sibling = model.CloseReasonStop, p.TakeProfitOrderID
		case p.TakeProfitOrderID:
			reason, sibling = model.CloseReasonTakeProfit, p.StopOrderID
		default:
			return ErrAlreadyClosed
		}

		// The exchange sold the whole position through the bracket.
		fill.Quantity = p.Quantity
		d, err := l.close(ctx, r, p, fill, reason)
		if err != nil {
			return err
		}
		d.CancelOrderIDs = nil
		if sibling != "" {
			d.CancelOrderIDs = []string{sibling}
		}
		delta = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}
