// Package ledger owns live financial truth: open positions, closed trades and the
// reservations made for orders in flight. Every transition commits in one transaction
// before the caller hears about it.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/accounting"
	"fundengine/src/model"
	"fundengine/src/repository"
	"fundengine/src/risk"
	"fundengine/src/tp_sl"
)

// HaltGate reports the process-wide halt state.
type HaltGate interface {
	Halted() bool
}

type Ledger struct {
	db     *gorm.DB
	cfg    Config
	limits risk.Limits
	gate   HaltGate
	now    func() time.Time
}

func New(db *gorm.DB, cfg Config, limits risk.Limits, gate HaltGate) *Ledger {
	return &Ledger{db: db, cfg: cfg, limits: limits, gate: gate, now: time.Now}
}

func (l *Ledger) Config() Config      { return l.cfg }
func (l *Ledger) Limits() risk.Limits { return l.limits }

type repos struct {
	positions *repository.PositionRepository
	orders    *repository.PendingOrderRepository
	trades    *repository.TradeRepository
	fund      *repository.FundRepository
	snapshots *repository.SnapshotRepository
}

func reposFor(db *gorm.DB) repos {
	return repos{
		positions: repository.NewPositionRepository().WithDB(db),
		orders:    repository.NewPendingOrderRepository().WithDB(db),
		trades:    repository.NewTradeRepository().WithDB(db),
		fund:      repository.NewFundRepository().WithDB(db),
		snapshots: repository.NewSnapshotRepository().WithDB(db),
	}
}

func (l *Ledger) tx(ctx context.Context, fn func(r repos) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(reposFor(tx))
	})
}

// AutoTag names a position whose signal carried no tag.
func AutoTag() string {
	return "auto-" + uuid.NewString()[:8]
}

// Prepare validates a BUY or CLOSE and reserves its orders. Reservations count against
// exposure and cash until Commit or Abort resolves them.
func (l *Ledger) Prepare(ctx context.Context, sig Signal, price decimal.Decimal) (*Plan, error) {
	if sig.Symbol == "" {
		return nil, reject(ReasonInvalidSignal, "symbol is required")
	}
	switch sig.Action {
	case ActionBuy:
		return l.prepareBuy(ctx, sig, price)
	case ActionClose:
		return l.prepareClose(ctx, sig, price)
	case ActionModify:
		return nil, reject(ReasonInvalidSignal, "MODIFY does not reserve orders")
	default:
		return nil, reject(ReasonInvalidSignal, "unknown action %q", sig.Action)
	}
}

func (l *Ledger) prepareBuy(ctx context.Context, sig Signal, price decimal.Decimal) (*Plan, error) {
	if l.gate != nil && l.gate.Halted() {
		return nil, reject(ReasonHalted, "new entries are blocked while halted")
	}
	if !price.IsPositive() {
		return nil, reject(ReasonNoPrice, "no observed price for %s", sig.Symbol)
	}
	if !tp_sl.ValidLevels(price, sig.StopLoss, sig.TakeProfit) {
		return nil, reject(ReasonInvalidLevels, "stop %s / take-profit %s around %s", sig.StopLoss, sig.TakeProfit, price)
	}
	if sig.Tag == "" {
		sig.Tag = AutoTag()
	}

	plan := &Plan{Signal: sig, Price: price}
	err := l.tx(ctx, func(r repos) error {
		val, err := valuation(ctx, r)
		if err != nil {
			return err
		}
		if !val.Equity.IsPositive() {
			return reject(ReasonInsufficientCash, "equity is %s", val.Equity)
		}

		existing, err := r.positions.FindBySymbolTag(ctx, sig.Symbol, sig.Tag)
		if err != nil {
			return err
		}
		if existing != nil && existing.PendingExit {
			return reject(ReasonExitPending, "%s/%s is closing", sig.Symbol, sig.Tag)
		}

		reserved, err := r.orders.ListReservedEntries(ctx, "")
		if err != nil {
			return err
		}

		qty, err := l.size(sig, price, val.Equity)
		if err != nil {
			return err
		}
		notional := qty.Mul(price)
		fee := accounting.Fee(qty, price, l.cfg.Fee())

		reservedCash, reservedSymbol := decimal.Zero, decimal.Zero
		newTags := map[string]bool{}
		for _, o := range reserved {
			if o.Symbol == sig.Symbol && o.Tag == sig.Tag {
				return reject(ReasonEntryPending, "%s/%s already has an entry in flight", sig.Symbol, sig.Tag)
			}
			reservedCash = reservedCash.Add(o.Notional()).Add(accounting.Fee(o.Quantity, o.ReferencePrice, l.cfg.Fee()))
			if o.Symbol == sig.Symbol {
				reservedSymbol = reservedSymbol.Add(o.Notional())
			}
			newTags[o.Symbol+"\x00"+o.Tag] = true
		}
		for _, p := range val.Positions {
			delete(newTags, p.Symbol+"\x00"+p.Tag)
		}

		if existing == nil && l.limits.MaxOpenPositions > 0 &&
			len(val.Positions)+len(newTags) >= l.limits.MaxOpenPositions {
			return reject(ReasonMaxPositions, "%d open or pending of %d allowed", len(val.Positions)+len(newTags), l.limits.MaxOpenPositions)
		}

		exposure := reservedSymbol.Add(notional)
		for _, p := range val.Positions {
			if p.Symbol == sig.Symbol {
				exposure = exposure.Add(p.Quantity.Mul(price))
			}
		}
		ceiling := l.limits.MaxPositionPct.Mul(val.Equity)
		if exposure.GreaterThan(ceiling) {
			return reject(ReasonExposureLimit, "%s exposure %s over ceiling %s", sig.Symbol, exposure.StringFixed(2), ceiling.StringFixed(2))
		}

		available := val.Cash.Sub(reservedCash)
		if notional.Add(fee).GreaterThan(available) {
			return reject(ReasonInsufficientCash, "need %s, available %s", notional.Add(fee).StringFixed(2), available.StringFixed(2))
		}

		order := &model.PendingOrder{
			ClientOrderID:  uuid.NewString(),
			Purpose:        model.OrderPurposeEntry,
			Side:           model.OrderSideBuy,
			Symbol:         sig.Symbol,
			Tag:            sig.Tag,
			Quantity:       qty,
			ReferencePrice: price,
			StopLoss:       sig.StopLoss,
			TakeProfit:     sig.TakeProfit,
			Intent:         sig.Intent,
			Trigger:        sig.Trigger,
			Status:         model.OrderStatusReserved,
		}
		if existing != nil {
			order.PositionID = &existing.ID
		}
		if err := r.orders.Create(ctx, order); err != nil {
			return err
		}
		plan.Orders = append(plan.Orders, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plan.Signal = sig
	return plan, nil
}

// size applies min(requested fraction, max trade fraction) of equity. An explicit
// quantity is capped by the same ceiling unless it is a transplant.
func (l *Ledger) size(sig Signal, price, equity decimal.Decimal) (decimal.Decimal, error) {
	if sig.Transplant {
		qty := sig.Quantity.Truncate(8)
		if !qty.IsPositive() {
			return decimal.Zero, reject(ReasonInvalidSignal, "transplant needs a positive quantity")
		}
		return qty, nil
	}
	maxNotional := l.limits.MaxTradePct.Mul(equity)

	var notional decimal.Decimal
	switch {
	case sig.Quantity.IsPositive():
		notional = decimal.Min(sig.Quantity.Mul(price), maxNotional)
	case sig.SizeFraction.IsPositive():
		notional = decimal.Min(sig.SizeFraction, l.limits.MaxTradePct).Mul(equity)
	default:
		return decimal.Zero, reject(ReasonInvalidSignal, "BUY needs a positive size fraction")
	}

	qty := notional.Div(price).Truncate(8)
	if !qty.IsPositive() {
		return decimal.Zero, reject(ReasonSizeTooSmall, "%s at %s rounds to zero", notional, price)
	}
	return qty, nil
}

// prepareClose reserves one exit per targeted tag. With no tag every open tag of the
// symbol closes. Closing is never blocked by a halt.
func (l *Ledger) prepareClose(ctx context.Context, sig Signal, price decimal.Decimal) (*Plan, error) {
	if sig.CloseReason == "" {
		sig.CloseReason = model.CloseReasonSignal
	}
	plan := &Plan{Signal: sig, Price: price}

	err := l.tx(ctx, func(r repos) error {
		var targets []model.Position
		if sig.Tag != "" {
			p, err := r.positions.FindBySymbolTag(ctx, sig.Symbol, sig.Tag)
			if err != nil {
				return err
			}
			if p != nil {
				targets = append(targets, *p)
			}
		} else {
			all, err := r.positions.ListBySymbol(ctx, sig.Symbol)
			if err != nil {
				return err
			}
			targets = all
		}
		if len(targets) == 0 {
			return reject(ReasonNoPosition, "no open position for %s/%s", sig.Symbol, displayTag(sig.Tag))
		}

		for i := range targets {
			p := targets[i]
			if p.PendingExit {
				continue
			}
			p.PendingExit = true
			if err := r.positions.Save(ctx, &p); err != nil {
				return err
			}
			id := p.ID
			order := &model.PendingOrder{
				ClientOrderID:  uuid.NewString(),
				Purpose:        model.OrderPurposeExit,
				Side:           model.OrderSideSell,
				Symbol:         p.Symbol,
				Tag:            p.Tag,
				PositionID:     &id,
				Quantity:       p.Quantity,
				ReferencePrice: price,
				CloseReason:    sig.CloseReason,
				Trigger:        sig.Trigger,
				Status:         model.OrderStatusReserved,
			}
			if err := r.orders.Create(ctx, order); err != nil {
				return err
			}
			plan.Orders = append(plan.Orders, order)
		}
		if len(plan.Orders) == 0 {
			return reject(ReasonExitPending, "every targeted position of %s is already closing", sig.Symbol)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func displayTag(tag string) string {
	if tag == "" {
		return "*"
	}
	return tag
}

// Commit applies a confirmed fill for a reserved order.
func (l *Ledger) Commit(ctx context.Context, order *model.PendingOrder, fill accounting.Fill, exchangeOrderID string) (*Delta, error) {
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return nil, fmt.Errorf("commit %s: fill must have positive quantity and price", order.ClientOrderID)
	}

	var delta *Delta
	err := l.tx(ctx, func(r repos) error {
		current, err := r.orders.FindByClientOrderID(ctx, order.ClientOrderID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != model.OrderStatusReserved {
			return ErrOrderResolved
		}
		current.ExchangeOrderID = exchangeOrderID

		if current.Purpose == model.OrderPurposeEntry {
			delta, err = l.commitEntry(ctx, r, current, fill)
		} else {
			delta, err = l.commitExit(ctx, r, current, fill)
		}
		if err != nil {
			return err
		}

		current.Status = model.OrderStatusFilled
		if err := r.orders.Save(ctx, current); err != nil {
			return err
		}
		delta.Order = current
		*order = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "ledger",
		"op":        "Commit",
		"symbol":    order.Symbol,
		"tag":       order.Tag,
		"kind":      delta.Kind,
		"qty":       fill.Quantity,
		"price":     fill.Price,
	}).Info("Order committed")
	return delta, nil
}

func (l *Ledger) commitEntry(ctx context.Context, r repos, o *model.PendingOrder, fill accounting.Fill) (*Delta, error) {
	p, err := r.positions.FindBySymbolTag(ctx, o.Symbol, o.Tag)
	if err != nil {
		return nil, err
	}

	if p == nil {
		p = &model.Position{PositionFields: model.PositionFields{
			Symbol:        o.Symbol,
			Tag:           o.Tag,
			Side:          model.SideLong,
			Quantity:      fill.Quantity,
			AvgEntryPrice: fill.Price,
			EntryFees:     fill.Fee,
			StopLoss:      o.StopLoss,
			TakeProfit:    o.TakeProfit,
			Intent:        o.Intent,
			OpenedAt:      l.now().UTC(),
			LastPrice:     fill.Price,
		}}
		if err := r.positions.Create(ctx, p); err != nil {
			return nil, err
		}
		return &Delta{Kind: DeltaOpened, Position: p}, nil
	}

	lot := accounting.AddToLot(lotOf(p.PositionFields), fill)
	p.Quantity, p.AvgEntryPrice, p.EntryFees = lot.Quantity, lot.AvgEntryPrice, lot.EntryFees
	p.LastPrice = fill.Price
	if o.StopLoss.IsPositive() {
		p.StopLoss = o.StopLoss
	}
	if o.TakeProfit.IsPositive() {
		p.TakeProfit = o.TakeProfit
	}
	if o.Intent != "" {
		p.Intent = o.Intent
	}
	if err := r.positions.Save(ctx, p); err != nil {
		return nil, err
	}
	return &Delta{Kind: DeltaIncreased, Position: p}, nil
}

func (l *Ledger) commitExit(ctx context.Context, r repos, o *model.PendingOrder, fill accounting.Fill) (*Delta, error) {
	if o.PositionID == nil {
		return nil, fmt.Errorf("exit order %s has no position", o.ClientOrderID)
	}
	p, err := r.positions.FindByID(ctx, *o.PositionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		o.Status = model.OrderStatusAborted
		o.Reason = "position already closed"
		if err := r.orders.Save(ctx, o); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClosed
	}

	return l.close(ctx, r, p, fill, o.CloseReason)
}

// close realizes fill.Quantity of p. A short fill leaves the remainder open.
func (l *Ledger) close(ctx context.Context, r repos, p *model.Position, fill accounting.Fill, reason string) (*Delta, error) {
	qty := decimal.Min(fill.Quantity, p.Quantity)
	taken, rest := accounting.SplitLot(lotOf(p.PositionFields), qty)
	result := accounting.CloseLot(taken, qty, fill.Price, fill.Fee)

	trade := &model.Trade{TradeFields: TradeFields(p.PositionFields, qty, result, reason, l.now().UTC())}
	if err := r.trades.Create(ctx, trade); err != nil {
		return nil, err
	}

	if rest.Quantity.IsPositive() {
		p.Quantity, p.EntryFees = rest.Quantity, rest.EntryFees
		p.PendingExit = false
		p.LastPrice = fill.Price
		if err := r.positions.Save(ctx, p); err != nil {
			return nil, err
		}
		return &Delta{Kind: DeltaReduced, Position: p, Trade: trade}, nil
	}

	deleted, err := r.positions.Delete(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, ErrAlreadyClosed
	}
	return &Delta{Kind: DeltaClosed, Position: p, Trade: trade, CancelOrderIDs: bracketIDs(p.PositionFields)}, nil
}

// Abort releases a reservation the exchange never filled.
func (l *Ledger) Abort(ctx context.Context, order *model.PendingOrder, status, reason string) error {
	if status == "" {
		status = model.OrderStatusAborted
	}
	return l.tx(ctx, func(r repos) error {
		current, err := r.orders.FindByClientOrderID(ctx, order.ClientOrderID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != model.OrderStatusReserved {
			return nil
		}
		current.Status = status
		current.Reason = truncate(reason, 255)
		if err := r.orders.Save(ctx, current); err != nil {
			return err
		}
		*order = *current

		if current.Purpose == model.OrderPurposeExit && current.PositionID != nil {
			p, err := r.positions.FindByID(ctx, *current.PositionID)
			if err != nil {
				return err
			}
			if p != nil && p.PendingExit {
				p.PendingExit = false
				return r.positions.Save(ctx, p)
			}
		}
		return nil
	})
}

// Modify moves stop, take-profit or intent of a named tag. It realizes nothing and is
// never blocked by a halt.
func (l *Ledger) Modify(ctx context.Context, sig Signal) (*Delta, error) {
	if sig.Tag == "" {
		return nil, reject(ReasonTagRequired, "MODIFY on %s needs an explicit tag", sig.Symbol)
	}

	var delta *Delta
	err := l.tx(ctx, func(r repos) error {
		p, err := r.positions.FindBySymbolTag(ctx, sig.Symbol, sig.Tag)
		if err != nil {
			return err
		}
		if p == nil {
			return reject(ReasonNoPosition, "no open position for %s/%s", sig.Symbol, sig.Tag)
		}

		stop, take := p.StopLoss, p.TakeProfit
		if sig.StopLoss.IsPositive() {
			stop = sig.StopLoss
		}
		if sig.TakeProfit.IsPositive() {
			take = sig.TakeProfit
		}
		ref := p.LastPrice
		if !ref.IsPositive() {
			ref = p.AvgEntryPrice
		}
		if !tp_sl.ValidLevels(ref, stop, take) {
			return reject(ReasonInvalidLevels, "stop %s / take-profit %s around %s", stop, take, ref)
		}

		d := &Delta{Kind: DeltaModified}
		if l.cfg.Native() && (!stop.Equal(p.StopLoss) || !take.Equal(p.TakeProfit)) {
			d.CancelOrderIDs = bracketIDs(p.PositionFields)
			p.StopOrderID, p.TakeProfitOrderID = "", ""
		}
		p.StopLoss, p.TakeProfit = stop, take
		if sig.Intent != "" {
			p.Intent = sig.Intent
		}
		if err := r.positions.Save(ctx, p); err != nil {
			return err
		}
		d.Position = p
		delta = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

func lotOf(p model.PositionFields) accounting.Lot {
	return accounting.Lot{Quantity: p.Quantity, AvgEntryPrice: p.AvgEntryPrice, EntryFees: p.EntryFees}
}

func bracketIDs(p model.PositionFields) []string {
	var ids []string
	if p.StopOrderID != "" {
		ids = append(ids, p.StopOrderID)
	}
	if p.TakeProfitOrderID != "" {
		ids = append(ids, p.TakeProfitOrderID)
	}
	return ids
}

// TradeFields books a close. The candidate simulator uses it too so both ledgers record
// trades identically.
func TradeFields(p model.PositionFields, qty decimal.Decimal, c accounting.Close, reason string, at time.Time) model.TradeFields {
	return model.TradeFields{
		Symbol:              p.Symbol,
		Tag:                 p.Tag,
		Side:                p.Side,
		Intent:              p.Intent,
		Quantity:            qty,
		EntryPrice:          p.AvgEntryPrice,
		ExitPrice:           c.ExitPrice,
		OpenedAt:            p.OpenedAt,
		ClosedAt:            at,
		GrossPnL:            c.Gross,
		Fees:                c.Fees,
		NetPnL:              c.Net,
		CloseReason:         reason,
		MaxAdverseExcursion: p.MaxAdverseExcursion,
	}
}
