// Package reconcile rebuilds the live fund state from its ledger after a restart and
// verifies it periodically. Every pass is idempotent.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/connectors"
	"fundengine/src/controller"
	"fundengine/src/ledger"
	"fundengine/src/model"
	"fundengine/src/notify"
	"fundengine/src/repository"
	"fundengine/src/risk"
)

// Serializer runs fn under the execution lock.
type Serializer interface {
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Checker evaluates halt limits against the live portfolio.
type Checker interface {
	Check(ctx context.Context) risk.Verdict
}

// Pauser stops a module kind from resolving.
type Pauser interface {
	Pause(kind, reason string)
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	StartingCapital decimal.Decimal `json:"starting_capital"`
	CapitalEvents   decimal.Decimal `json:"capital_events"`
	RealizedNet     decimal.Decimal `json:"realized_net"`
	OpenCost        decimal.Decimal `json:"open_cost"`
	Cash            decimal.Decimal `json:"cash"`
	Equity          decimal.Decimal `json:"equity"`
	Positions       int             `json:"positions"`
	Recovered       int             `json:"recovered"`
	Aborted         int             `json:"aborted"`
	Unresolved      int             `json:"unresolved"`
	ReleasedExits   int             `json:"released_exits"`
	Issues          []string        `json:"issues,omitempty"`
	Halt            risk.HaltState  `json:"halt"`
}

// Consistent reports whether the pass found no ledger inconsistency.
func (r Report) Consistent() bool { return len(r.Issues) == 0 }

type Reconciler struct {
	cfg        Config
	ledger     *ledger.Ledger
	exchange   connectors.Exchange
	core       Serializer
	guard      *risk.Guard
	halts      *repository.HaltRepository
	fund       *repository.FundRepository
	pauser     Pauser
	check      Checker
	pub        notify.Publisher
	exceptions *repository.ExceptionRepository
	service    string
	now        func() time.Time
}

func New(
	cfg Config,
	l *ledger.Ledger,
	exchange connectors.Exchange,
	core Serializer,
	guard *risk.Guard,
	halts *repository.HaltRepository,
	fund *repository.FundRepository,
	pauser Pauser,
	check Checker,
	pub notify.Publisher,
) *Reconciler {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Reconciler{
		cfg:      cfg,
		ledger:   l,
		exchange: exchange,
		core:     core,
		guard:    guard,
		halts:    halts,
		fund:     fund,
		pauser:   pauser,
		check:    check,
		pub:      pub,
		now:      time.Now,
	}
}

func (r *Reconciler) WithExceptions(repo *repository.ExceptionRepository, service string) *Reconciler {
	r.exceptions = repo
	r.service = service
	return r
}

// Startup seeds starting capital on first run, restores the last halt and recovers every
// reservation left by the previous process.
func (r *Reconciler) Startup(ctx context.Context) (Report, error) {
	if _, err := r.fund.EnsureStartingCapital(ctx, r.ledger.Config().Starting()); err != nil {
		return Report{}, err
	}
	last, err := r.halts.Latest(ctx)
	if err != nil {
		return Report{}, err
	}
	r.guard.Restore(last)
	return r.pass(ctx, 0)
}

// Run is the periodic pass. Only reservations older than StaleAfter are recovered so
// orders the executor is still awaiting are left alone.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	return r.pass(ctx, r.cfg.StaleAfter)
}

func (r *Reconciler) pass(ctx context.Context, staleAfter time.Duration) (Report, error) {
	var rep Report

	reserved, err := r.ledger.ReservedOrders(ctx)
	if err != nil {
		return rep, err
	}
	cutoff := r.now().Add(-staleAfter)
	for i := range reserved {
		o := &reserved[i]
		if staleAfter > 0 && o.CreatedAt.After(cutoff) {
			continue
		}
		switch r.recover(ctx, o) {
		case outcomeCommitted:
			rep.Recovered++
		case outcomeAborted:
			rep.Aborted++
		case outcomeUnresolved:
			rep.Unresolved++
		}
	}

	err = r.core.Do(ctx, "reconcile", func(ctx context.Context) error {
		released, err := r.ledger.ReleaseStaleExits(ctx)
		if err != nil {
			return err
		}
		rep.ReleasedExits = released

		v, err := r.ledger.Value(ctx)
		if err != nil {
			return err
		}
		rep.StartingCapital = v.StartingCapital
		rep.CapitalEvents = v.CapitalEvents
		rep.RealizedNet = v.RealizedNet
		rep.OpenCost = v.OpenCost
		rep.Cash = v.Cash
		rep.Equity = v.Equity
		rep.Positions = len(v.Positions)

		rep.Issues, err = r.verify(ctx, v)
		if err != nil {
			return err
		}
		if len(rep.Issues) > 0 {
			return nil
		}
		_, err = r.ledger.Snapshot(ctx, r.now())
		return err
	})
	if err != nil {
		return rep, err
	}

	if len(rep.Issues) > 0 {
		r.inconsistent(ctx, rep.Issues)
	} else if r.check != nil {
		r.check.Check(ctx)
	}
	rep.Halt = r.guard.Current()

	logger.WithFields(map[string]interface{}{
		"component":  "reconcile",
		"cash":       rep.Cash,
		"equity":     rep.Equity,
		"positions":  rep.Positions,
		"recovered":  rep.Recovered,
		"aborted":    rep.Aborted,
		"unresolved": rep.Unresolved,
		"issues":     len(rep.Issues),
		"halt":       rep.Halt.String(),
	}).Info("Reconciliation complete")
	return rep, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCommitted
	outcomeAborted
	outcomeUnresolved
)

// recover resolves one reservation against the exchange: a fill commits, a miss or an
// unfilled terminal order aborts, and an unreachable exchange leaves it reserved.
func (r *Reconciler) recover(ctx context.Context, o *model.PendingOrder) outcome {
	log := logger.WithFields(map[string]interface{}{
		"component":       "reconcile.recover",
		"client_order_id": o.ClientOrderID,
		"symbol":          o.Symbol,
		"purpose":         o.Purpose,
	})
	ref := connectors.OrderRef{Symbol: o.Symbol, OrderID: o.ExchangeOrderID, ClientOrderID: o.ClientOrderID}

	ord, err := r.exchange.GetOrderStatus(ctx, ref)
	if errors.Is(err, connectors.ErrOrderNotFound) {
		return r.abort(ctx, o, "not found on exchange during reconciliation")
	}
	if err != nil {
		log.WithError(err).Warn("Order status unavailable, reservation kept")
		return outcomeUnresolved
	}

	if !ord.Terminal() {
		canceled, err := r.exchange.CancelOrder(ctx, connectors.OrderRef{Symbol: ord.Symbol, OrderID: ord.ID, ClientOrderID: o.ClientOrderID})
		if err != nil {
			log.WithError(err).Warn("Cancel of open order failed, reservation kept")
			return outcomeUnresolved
		}
		ord = canceled
	}

	if !ord.FilledQuantity.IsPositive() {
		return r.abort(ctx, o, fmt.Sprintf("exchange order %s ended %s", ord.ID, ord.Status))
	}

	var delta *ledger.Delta
	err = r.core.Do(ctx, "recover:"+o.Purpose, func(ctx context.Context) error {
		var err error
		delta, err = r.ledger.Commit(ctx, o, ord.Fill(), ord.ID)
		return err
	})
	switch {
	case errors.Is(err, ledger.ErrOrderResolved):
		return outcomeSkipped
	case errors.Is(err, ledger.ErrAlreadyClosed):
		r.pub.Publish(notify.Event{
			Kind:    notify.KindConsistency,
			Message: fmt.Sprintf("recovered exit %s for %s/%s found the position already closed", ord.ID, o.Symbol, o.Tag),
			Fields:  map[string]interface{}{"order_id": ord.ID, "symbol": o.Symbol, "tag": o.Tag},
		})
		return outcomeAborted
	case err != nil:
		controller.Capture(ctx, r.exceptions, r.service, "reconcile", "Commit", "recovery", "error", err, map[string]interface{}{
			"client_order_id": o.ClientOrderID,
			"order_id":        ord.ID,
		})
		return outcomeUnresolved
	}

	log.WithFields(map[string]interface{}{
		"order_id": ord.ID,
		"kind":     delta.Kind,
		"qty":      ord.FilledQuantity,
	}).Info("Recovered fill committed")
	return outcomeCommitted
}

func (r *Reconciler) abort(ctx context.Context, o *model.PendingOrder, reason string) outcome {
	err := r.core.Do(ctx, "recover:abort", func(ctx context.Context) error {
		return r.ledger.Abort(ctx, o, model.OrderStatusAborted, reason)
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component":       "reconcile.abort",
			"client_order_id": o.ClientOrderID,
		}).WithError(err).Error("Failed to release reservation")
		return outcomeUnresolved
	}
	return outcomeAborted
}

// verify looks for ledger states no valid sequence of transitions can produce.
func (r *Reconciler) verify(ctx context.Context, v ledger.Valuation) ([]string, error) {
	var issues []string
	if v.Cash.IsNegative() {
		issues = append(issues, fmt.Sprintf("cash is negative: %s", v.Cash.StringFixed(2)))
	}

	open := map[uint]bool{}
	for _, p := range v.Positions {
		open[p.ID] = true
		if !p.Quantity.IsPositive() {
			issues = append(issues, fmt.Sprintf("position %s/%s has quantity %s", p.Symbol, p.Tag, p.Quantity))
		}
		if !p.AvgEntryPrice.IsPositive() {
			issues = append(issues, fmt.Sprintf("position %s/%s has entry price %s", p.Symbol, p.Tag, p.AvgEntryPrice))
		}
	}

	reserved, err := r.ledger.ReservedOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range reserved {
		if o.Purpose != model.OrderPurposeExit {
			continue
		}
		if o.PositionID == nil || !open[*o.PositionID] {
			issues = append(issues, fmt.Sprintf("exit order %s reserves a position that is not open", o.ClientOrderID))
		}
	}
	return issues, nil
}

// inconsistent stops trading until an operator looks at the ledger.
func (r *Reconciler) inconsistent(ctx context.Context, issues []string) {
	reason := strings.Join(issues, "; ")
	if r.pauser != nil {
		r.pauser.Pause(model.ModuleKindStrategy, "ledger inconsistency")
	}
	r.guard.ForceHalt(ctx, risk.CodeConsistency, reason)
	r.pub.Publish(notify.Event{
		Kind:    notify.KindConsistency,
		Message: "ledger inconsistency: " + reason,
		Fields:  map[string]interface{}{"issues": issues},
	})
	controller.Capture(ctx, r.exceptions, r.service, "reconcile", "verify", "reconcile", "critical", errors.New(reason), map[string]interface{}{
		"issues": len(issues),
	})
}
