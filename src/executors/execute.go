package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/connectors"
	"fundengine/src/controller"
	"fundengine/src/ledger"
	"fundengine/src/metrics"
	"fundengine/src/model"
	"fundengine/src/notify"
	"fundengine/src/repository"
)

var (
	// ErrOrderTimeout means an order was still open after the fill timeout and could not
	// be canceled. Its reservation stays until reconciliation resolves it.
	ErrOrderTimeout = errors.New("executors: order unresolved after fill timeout")
	ErrNotFilled    = errors.New("executors: order ended without a fill")
	errSkipped      = errors.New("executors: skipped while analyzing")
)

// Prices is the observed price a signal is prepared against.
type Prices interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Executor runs the apply pipeline: prepare inside the execution lock, talk to the
// exchange outside it, commit or abort inside it again.
type Executor struct {
	cfg        Config
	core       *Core
	ledger     *ledger.Ledger
	exchange   connectors.Exchange
	prices     Prices
	signals    *repository.SignalRepository
	pub        notify.Publisher
	risk       *RiskCheck
	exceptions *repository.ExceptionRepository
	service    string
}

func NewExecutor(
	cfg Config,
	core *Core,
	l *ledger.Ledger,
	exchange connectors.Exchange,
	prices Prices,
	signals *repository.SignalRepository,
	pub notify.Publisher,
) *Executor {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Executor{
		cfg:      cfg,
		core:     core,
		ledger:   l,
		exchange: exchange,
		prices:   prices,
		signals:  signals,
		pub:      pub,
		service:  "fundengine",
	}
}

// WithRiskCheck evaluates halt limits after every trade close.
func (e *Executor) WithRiskCheck(r *RiskCheck) *Executor {
	e.risk = r
	return e
}

// WithExceptions persists unexpected exchange failures.
func (e *Executor) WithExceptions(repo *repository.ExceptionRepository, service string) *Executor {
	e.exceptions = repo
	if service != "" {
		e.service = service
	}
	return e
}

func (e *Executor) Core() *Core { return e.core }

// Apply validates sig against the live ledger and executes it. A *ledger.Rejection means
// nothing changed. Other errors come from the exchange or the store; deltas already
// committed are still returned alongside them.
func (e *Executor) Apply(ctx context.Context, sig ledger.Signal) ([]*ledger.Delta, error) {
	return e.apply(ctx, sig, nil)
}

func (e *Executor) apply(ctx context.Context, sig ledger.Signal, gate func() error) ([]*ledger.Delta, error) {
	if sig.Action == ledger.ActionModify {
		return e.modify(ctx, sig, gate)
	}

	price, ok := e.prices.Price(sig.Symbol)
	if !ok {
		rej := &ledger.Rejection{Reason: ledger.ReasonNoPrice, Detail: "no observed price for " + sig.Symbol}
		e.rejected(ctx, sig, decimal.Zero, rej)
		return nil, rej
	}

	var plan *ledger.Plan
	err := e.core.Do(ctx, "prepare:"+sig.Action, func(ctx context.Context) error {
		if gate != nil {
			if err := gate(); err != nil {
				return err
			}
		}
		var err error
		plan, err = e.ledger.Prepare(ctx, sig, price)
		return err
	})
	if err != nil {
		if errors.Is(err, errSkipped) {
			return nil, err
		}
		if rej, ok := ledger.AsRejection(err); ok {
			e.rejected(ctx, sig, price, rej)
			return nil, err
		}
		e.record(ctx, sig, price, decimal.Zero, model.SignalOutcomeFailed, err.Error())
		return nil, err
	}
	sig = plan.Signal

	qty := decimal.Zero
	var (
		deltas []*ledger.Delta
		errs   []error
	)
	for _, o := range plan.Orders {
		qty = qty.Add(o.Quantity)
		d, err := e.execute(ctx, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", o.Symbol, o.Tag, err))
			continue
		}
		deltas = append(deltas, d)
	}

	err = errors.Join(errs...)
	switch {
	case err == nil:
		e.record(ctx, sig, price, qty, model.SignalOutcomeApplied, "")
	case len(deltas) > 0:
		e.record(ctx, sig, price, qty, model.SignalOutcomeApplied, "partial: "+err.Error())
	default:
		e.record(ctx, sig, price, qty, model.SignalOutcomeFailed, err.Error())
	}
	return deltas, err
}

// execute submits one reserved order and settles it. Submission is never retried: a
// transport error is resolved by looking the order up by client id.
func (e *Executor) execute(ctx context.Context, o *model.PendingOrder) (*ledger.Delta, error) {
	req := connectors.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          connectors.OrderMarket,
		Quantity:      o.Quantity,
	}
	ord, err := e.exchange.SubmitOrder(ctx, req)
	if err != nil {
		ord, err = e.recoverSubmit(ctx, o, err)
		if err != nil {
			return nil, err
		}
	}

	ord, err = e.awaitFill(ctx, ord)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, o, ord)
}

func (e *Executor) recoverSubmit(ctx context.Context, o *model.PendingOrder, submitErr error) (*connectors.Order, error) {
	sctx := context.WithoutCancel(ctx)
	var apiErr *connectors.APIError
	if errors.As(submitErr, &apiErr) {
		e.abort(sctx, o, "exchange rejected: "+apiErr.Error())
		return nil, submitErr
	}

	ord, err := e.exchange.GetOrderStatus(sctx, connectors.OrderRef{Symbol: o.Symbol, ClientOrderID: o.ClientOrderID})
	switch {
	case err == nil:
		return ord, nil
	case errors.Is(err, connectors.ErrOrderNotFound):
		e.abort(sctx, o, "submit failed: "+submitErr.Error())
		return nil, submitErr
	default:
		controller.Capture(sctx, e.exceptions, e.service, "executors", "SubmitOrder", o.Trigger, "error", submitErr, map[string]interface{}{
			"client_order_id": o.ClientOrderID,
			"symbol":          o.Symbol,
			"lookup_error":    err.Error(),
		})
		e.pub.Publish(notify.Event{
			Kind:    notify.KindError,
			Message: fmt.Sprintf("order %s for %s/%s is in an unknown state, left for reconciliation", o.ClientOrderID, o.Symbol, o.Tag),
			Fields:  map[string]interface{}{"client_order_id": o.ClientOrderID, "error": submitErr.Error()},
		})
		return nil, fmt.Errorf("%w: %v", ErrOrderTimeout, submitErr)
	}
}

// awaitFill polls until the order is terminal or the fill timeout passes, then cancels.
// A cancel that reports the order filled counts as a fill.
func (e *Executor) awaitFill(ctx context.Context, ord *connectors.Order) (*connectors.Order, error) {
	if ord.Terminal() {
		return ord, nil
	}
	ref := connectors.OrderRef{Symbol: ord.Symbol, OrderID: ord.ID, ClientOrderID: ord.ClientOrderID}

	poll := e.cfg.FillPollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-ticker.C:
			cur, err := e.exchange.GetOrderStatus(ctx, ref)
			if err != nil {
				logger.WithFields(map[string]interface{}{
					"component": "executors.awaitFill",
					"order_id":  ord.ID,
				}).WithError(err).Warn("Order status poll failed")
				continue
			}
			ord = cur
			if cur.Terminal() {
				return cur, nil
			}
		}
	}

	sctx := context.WithoutCancel(ctx)
	canceled, err := e.exchange.CancelOrder(sctx, ref)
	if err == nil {
		return canceled, nil
	}
	if cur, serr := e.exchange.GetOrderStatus(sctx, ref); serr == nil && cur.Terminal() {
		return cur, nil
	}
	controller.Capture(sctx, e.exceptions, e.service, "executors", "CancelOrder", "fill-timeout", "error", err, map[string]interface{}{
		"order_id":        ord.ID,
		"client_order_id": ord.ClientOrderID,
	})
	return nil, fmt.Errorf("%w: %s: %v", ErrOrderTimeout, ord.ID, err)
}

// settle commits the executed part of ord or releases the reservation.
func (e *Executor) settle(ctx context.Context, o *model.PendingOrder, ord *connectors.Order) (*ledger.Delta, error) {
	sctx := context.WithoutCancel(ctx)

	if !ord.FilledQuantity.IsPositive() {
		reason := fmt.Sprintf("exchange order %s ended %s", ord.ID, ord.Status)
		e.abort(sctx, o, reason)
		return nil, fmt.Errorf("%w: %s", ErrNotFilled, reason)
	}

	var delta *ledger.Delta
	check := false
	err := e.core.Do(sctx, "commit:"+o.Purpose, func(ctx context.Context) error {
		var err error
		delta, err = e.ledger.Commit(ctx, o, ord.Fill(), ord.ID)
		if err != nil {
			return err
		}
		if delta.Trade != nil && e.risk != nil {
			check = true
		}
		return nil
	})
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(o.Purpose, "commit_failed").Inc()
		if errors.Is(err, ledger.ErrAlreadyClosed) {
			e.pub.Publish(notify.Event{
				Kind:    notify.KindConsistency,
				Message: fmt.Sprintf("exit %s filled for %s/%s after the position was already closed", ord.ID, o.Symbol, o.Tag),
				Fields:  map[string]interface{}{"order_id": ord.ID, "symbol": o.Symbol, "tag": o.Tag},
			})
		}
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(o.Purpose, string(connectors.StatusFilled)).Inc()

	if check {
		e.risk.Check(sctx)
	}
	e.afterCommit(sctx, delta)
	return delta, nil
}

func (e *Executor) abort(ctx context.Context, o *model.PendingOrder, reason string) {
	err := e.core.Do(ctx, "abort:"+o.Purpose, func(ctx context.Context) error {
		return e.ledger.Abort(ctx, o, model.OrderStatusFailed, reason)
	})
	metrics.OrdersTotal.WithLabelValues(o.Purpose, model.OrderStatusFailed).Inc()
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component":       "executors.abort",
			"client_order_id": o.ClientOrderID,
		}).WithError(err).Error("Failed to release reservation")
	}
}

// afterCommit does the exchange follow-up of a delta: cancel orphaned brackets and, in
// native mode, place brackets for a new or enlarged position.
func (e *Executor) afterCommit(ctx context.Context, d *ledger.Delta) {
	if d == nil || d.Position == nil {
		return
	}
	e.cancelOrders(ctx, d.Position.Symbol, d.CancelOrderIDs)

	if !e.ledger.Config().Native() {
		return
	}
	switch d.Kind {
	case ledger.DeltaIncreased, ledger.DeltaReduced:
		e.cancelOrders(ctx, d.Position.Symbol, []string{d.Position.StopOrderID, d.Position.TakeProfitOrderID})
		e.placeBrackets(ctx, d.Position)
	case ledger.DeltaOpened, ledger.DeltaModified:
		e.placeBrackets(ctx, d.Position)
	}
}

func (e *Executor) cancelOrders(ctx context.Context, symbol string, ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, err := e.exchange.CancelOrder(ctx, connectors.OrderRef{Symbol: symbol, OrderID: id})
		if err != nil && !errors.Is(err, connectors.ErrOrderNotFound) {
			logger.WithFields(map[string]interface{}{
				"component": "executors.cancelOrders",
				"symbol":    symbol,
				"order_id":  id,
			}).WithError(err).Warn("Failed to cancel bracket order")
		}
	}
}

// placeBrackets puts independent stop and take-profit orders on the exchange. When
// neither can be placed the position keeps synthetic trigger monitoring.
func (e *Executor) placeBrackets(ctx context.Context, p *model.Position) {
	place := func(t connectors.OrderType, trigger decimal.Decimal) string {
		if !trigger.IsPositive() {
			return ""
		}
		ord, err := e.exchange.SubmitOrder(ctx, connectors.OrderRequest{
			ClientOrderID: uuid.NewString(),
			Symbol:        p.Symbol,
			Side:          connectors.SideSell,
			Type:          t,
			Quantity:      p.Quantity,
			TriggerPrice:  trigger,
		})
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "executors.placeBrackets",
				"symbol":    p.Symbol,
				"tag":       p.Tag,
				"type":      t,
			}).WithError(err).Error("Failed to place bracket order")
			e.pub.Publish(notify.Event{
				Kind:    notify.KindError,
				Message: fmt.Sprintf("%s bracket for %s/%s not placed, monitoring it synthetically", t, p.Symbol, p.Tag),
				Fields:  map[string]interface{}{"error": err.Error()},
			})
			return ""
		}
		return ord.ID
	}

	stopID := place(connectors.OrderStop, p.StopLoss)
	takeID := place(connectors.OrderTakeProfit, p.TakeProfit)
	if stopID == "" && takeID == "" && p.StopOrderID == "" && p.TakeProfitOrderID == "" {
		return
	}

	err := e.core.Do(ctx, "brackets", func(ctx context.Context) error {
		return e.ledger.RecordBrackets(ctx, p.ID, stopID, takeID)
	})
	if err != nil {
		// The position closed in the meantime; its brackets must not outlive it.
		e.cancelOrders(ctx, p.Symbol, []string{stopID, takeID})
		if !errors.Is(err, ledger.ErrAlreadyClosed) {
			logger.WithField("component", "executors.placeBrackets").WithError(err).Error("Failed to record brackets")
		}
		return
	}
	p.StopOrderID, p.TakeProfitOrderID = stopID, takeID
}

func (e *Executor) modify(ctx context.Context, sig ledger.Signal, gate func() error) ([]*ledger.Delta, error) {
	var delta *ledger.Delta
	err := e.core.Do(ctx, "modify", func(ctx context.Context) error {
		if gate != nil {
			if err := gate(); err != nil {
				return err
			}
		}
		var err error
		delta, err = e.ledger.Modify(ctx, sig)
		return err
	})
	if err != nil {
		if rej, ok := ledger.AsRejection(err); ok {
			e.rejected(ctx, sig, decimal.Zero, rej)
		} else if !errors.Is(err, errSkipped) {
			e.record(ctx, sig, decimal.Zero, decimal.Zero, model.SignalOutcomeFailed, err.Error())
		}
		return nil, err
	}

	e.record(ctx, sig, delta.Position.LastPrice, delta.Position.Quantity, model.SignalOutcomeApplied, "")
	if len(delta.CancelOrderIDs) > 0 {
		e.afterCommit(context.WithoutCancel(ctx), delta)
	}
	return []*ledger.Delta{delta}, nil
}

// EmergencyStop closes every open live position at market. It is queued like any other
// trigger and is never blocked by a halt.
func (e *Executor) EmergencyStop(ctx context.Context, reason string) ([]*ledger.Delta, error) {
	positions, err := e.ledger.Positions(ctx)
	if err != nil {
		return nil, err
	}
	e.pub.Publish(notify.Event{
		Kind:    notify.KindEmergency,
		Message: "emergency stop: " + reason,
		Fields:  map[string]interface{}{"positions": len(positions)},
	})

	seen := map[string]bool{}
	var (
		deltas []*ledger.Delta
		errs   []error
	)
	for _, p := range positions {
		if seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		d, err := e.Apply(ctx, ledger.Signal{
			Source:      "operator",
			Action:      ledger.ActionClose,
			Symbol:      p.Symbol,
			CloseReason: model.CloseReasonEmergency,
			Trigger:     "emergency",
		})
		deltas = append(deltas, d...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return deltas, errors.Join(errs...)
}

func (e *Executor) rejected(ctx context.Context, sig ledger.Signal, price decimal.Decimal, rej *ledger.Rejection) {
	metrics.RejectionsTotal.WithLabelValues(string(rej.Reason)).Inc()
	e.record(ctx, sig, price, decimal.Zero, model.SignalOutcomeRejected, rej.Error())
	e.pub.Publish(notify.Event{
		Kind:    notify.KindRejection,
		Message: fmt.Sprintf("%s %s/%s rejected: %s", sig.Action, sig.Symbol, sig.Tag, rej.Error()),
		Fields: map[string]interface{}{
			"source": sig.Source,
			"action": sig.Action,
			"symbol": sig.Symbol,
			"tag":    sig.Tag,
			"reason": string(rej.Reason),
			"detail": rej.Detail,
		},
	})
}

func (e *Executor) record(ctx context.Context, sig ledger.Signal, price, qty decimal.Decimal, outcome, reason string) {
	metrics.SignalsTotal.WithLabelValues(sig.Action, outcome).Inc()
	if e.signals == nil {
		return
	}
	row := &model.Signal{SignalFields: sig.Record(price, qty, outcome, reason)}
	if err := e.signals.Create(context.WithoutCancel(ctx), row); err != nil {
		logger.WithField("component", "executors.record").WithError(err).Error("Failed to record signal")
	}
}
