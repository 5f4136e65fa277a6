package candidate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/accounting"
	"fundengine/src/controller"
	"fundengine/src/ledger"
	"fundengine/src/market"
	"fundengine/src/metrics"
	"fundengine/src/model"
	"fundengine/src/repository"
	"fundengine/src/risk"
	"fundengine/src/sdk"
	"fundengine/src/tp_sl"
)

// Strategy is the compiled code a candidate runs.
type Strategy interface {
	Decide(ctx context.Context, market sdk.Market) ([]sdk.Decision, error)
}

// Sim holds the execution costs and limits the simulator applies. They match the live
// ledger so a candidate is judged on the same terms.
type Sim struct {
	FeeRate  decimal.Decimal
	Slippage decimal.Decimal
	Limits   risk.Limits
}

// RunResult summarizes one candidate cycle.
type RunResult struct {
	Slot      int
	RunID     string
	Decisions int
	Applied   int
	Rejected  int
	Triggered int
	Halted    bool
	Equity    decimal.Decimal
}

// Runner simulates one candidate run on the candidate tables. It never touches live
// ledger state.
type Runner struct {
	mu       sync.Mutex
	cand     model.Candidate
	strategy Strategy
	repo     *repository.CandidateRepository
	sim      Sim
	now      func() time.Time
}

func NewRunner(cand model.Candidate, strategy Strategy, repo *repository.CandidateRepository, sim Sim) *Runner {
	return &Runner{cand: cand, strategy: strategy, repo: repo, sim: sim, now: time.Now}
}

func (r *Runner) source() string { return "candidate:" + strconv.Itoa(r.cand.Slot) }

// book is the simulated portfolio as of one transaction.
type book struct {
	positions []model.CandidatePosition
	cash      decimal.Decimal
	openValue decimal.Decimal
	equity    decimal.Decimal
}

func (r *Runner) value(ctx context.Context, repo *repository.CandidateRepository) (book, error) {
	positions, err := repo.ListPositions(ctx, r.cand.RunID)
	if err != nil {
		return book{}, err
	}
	realized, err := repo.RealizedNet(ctx, r.cand.RunID, time.Time{})
	if err != nil {
		return book{}, err
	}
	openCost, openValue := decimal.Zero, decimal.Zero
	for _, p := range positions {
		openCost = openCost.Add(p.CostBasis())
		openValue = openValue.Add(p.MarketValue())
	}
	cash := accounting.AuthoritativeCash(r.cand.StartingCash.Add(r.cand.SeededCost), decimal.Zero, realized, openCost)
	return book{
		positions: positions,
		cash:      cash,
		openValue: openValue,
		equity:    accounting.Equity(cash, openValue),
	}, nil
}

// Run marks the candidate to market, fires its stops, runs its strategy on snap and
// applies every decision to the simulated portfolio.
func (r *Runner) Run(ctx context.Context, snap market.Snapshot) (RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := RunResult{Slot: r.cand.Slot, RunID: r.cand.RunID}
	triggered, err := r.mark(ctx, snap)
	if err != nil {
		return res, err
	}
	res.Triggered = triggered

	now := r.now()
	b, err := r.value(ctx, r.repo)
	if err != nil {
		return res, err
	}
	state, err := r.state(ctx, b, now)
	if err != nil {
		return res, err
	}
	verdict := risk.Evaluate(state, r.sim.Limits, now)
	res.Halted = verdict.State.Halted

	fields := make([]model.PositionFields, 0, len(b.positions))
	for _, p := range b.positions {
		fields = append(fields, p.PositionFields)
	}
	decisions, err := r.strategy.Decide(ctx, controller.MarketView(snap, fields, b.equity, b.cash))
	if err != nil {
		return res, fmt.Errorf("candidate %d: %w", r.cand.Slot, err)
	}
	res.Decisions = len(decisions)

	for _, d := range decisions {
		sig, err := controller.SignalFromDecision(r.source(), "scan", d)
		if err != nil {
			res.Rejected++
			r.log(ctx, r.repo, ledger.Signal{Source: r.source(), Action: d.Action, Symbol: d.Symbol, Tag: d.Tag, Trigger: "scan"},
				decimal.Zero, decimal.Zero, model.SignalOutcomeRejected, err.Error())
			continue
		}
		if err := r.apply(ctx, sig, snap, res.Halted); err != nil {
			if _, ok := ledger.AsRejection(err); !ok {
				return res, err
			}
			res.Rejected++
			continue
		}
		res.Applied++
	}

	snapRow, err := r.snapshot(ctx, now)
	if err != nil {
		return res, err
	}
	res.Equity = snapRow.Equity
	metrics.SetDecimal(metrics.CandidateEquity.WithLabelValues(strconv.Itoa(r.cand.Slot)), res.Equity)

	logger.WithFields(map[string]interface{}{
		"component": "candidate.Runner",
		"slot":      res.Slot,
		"decisions": res.Decisions,
		"applied":   res.Applied,
		"rejected":  res.Rejected,
		"triggered": res.Triggered,
		"equity":    res.Equity,
	}).Debug("Candidate cycle complete")
	return res, nil
}

// Monitor marks the candidate to market and fires its stops. It keeps running while the
// live strategy is being analyzed.
func (r *Runner) Monitor(ctx context.Context, snap market.Snapshot) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.mark(ctx, snap)
	if err != nil {
		return n, err
	}
	_, err = r.snapshot(ctx, r.now())
	return n, err
}

// mark refreshes prices and adverse excursion and closes positions whose levels hit.
func (r *Runner) mark(ctx context.Context, snap market.Snapshot) (int, error) {
	triggered := 0
	err := r.repo.Transaction(ctx, func(tx *repository.CandidateRepository) error {
		positions, err := tx.ListPositions(ctx, r.cand.RunID)
		if err != nil {
			return err
		}
		for i := range positions {
			p := &positions[i]
			price, ok := snap.Prices[p.Symbol]
			if !ok || !price.IsPositive() {
				continue
			}
			p.LastPrice = price
			p.MaxAdverseExcursion = accounting.AdverseExcursion(p.MaxAdverseExcursion, p.AvgEntryPrice, price)

			reason, hit := tp_sl.Trigger(price, p.StopLoss, p.TakeProfit)
			if !hit {
				if err := tx.SavePosition(ctx, p); err != nil {
					return err
				}
				continue
			}
			fill := r.sell(p.Quantity, price)
			if err := r.close(ctx, tx, p, fill, reason); err != nil {
				return err
			}
			triggered++
			sig := ledger.Signal{Source: "monitor", Action: ledger.ActionClose, Symbol: p.Symbol, Tag: p.Tag, CloseReason: reason, Trigger: "monitor"}
			r.log(ctx, tx, sig, fill.Price, fill.Quantity, model.SignalOutcomeApplied, "")
		}
		return nil
	})
	return triggered, err
}

// apply executes one validated signal against the simulated portfolio. Every outcome is
// written to the candidate's signal log.
func (r *Runner) apply(ctx context.Context, sig ledger.Signal, snap market.Snapshot, halted bool) error {
	var (
		price  = snap.Prices[sig.Symbol]
		qty    = decimal.Zero
		outErr error
	)
	err := r.repo.Transaction(ctx, func(tx *repository.CandidateRepository) error {
		b, err := r.value(ctx, tx)
		if err != nil {
			return err
		}
		switch sig.Action {
		case ledger.ActionBuy:
			qty, outErr = r.buy(ctx, tx, b, &sig, price, halted)
		case ledger.ActionClose:
			qty, outErr = r.sellAll(ctx, tx, b, sig, price)
		case ledger.ActionModify:
			outErr = r.modify(ctx, tx, b, sig)
		}
		if _, ok := ledger.AsRejection(outErr); outErr != nil && !ok {
			return outErr
		}
		return nil
	})
	if err != nil {
		return err
	}

	if outErr != nil {
		r.log(ctx, r.repo, sig, price, decimal.Zero, model.SignalOutcomeRejected, outErr.Error())
		return outErr
	}
	r.log(ctx, r.repo, sig, price, qty, model.SignalOutcomeApplied, "")
	return nil
}

func rejection(reason ledger.RejectionReason, format string, args ...interface{}) *ledger.Rejection {
	return &ledger.Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (r *Runner) buy(ctx context.Context, tx *repository.CandidateRepository, b book, sig *ledger.Signal, price decimal.Decimal, halted bool) (decimal.Decimal, error) {
	limits := r.sim.Limits
	switch {
	case halted:
		return decimal.Zero, rejection(ledger.ReasonHalted, "candidate limits breached")
	case !price.IsPositive():
		return decimal.Zero, rejection(ledger.ReasonNoPrice, "no observed price for %s", sig.Symbol)
	case !tp_sl.ValidLevels(price, sig.StopLoss, sig.TakeProfit):
		return decimal.Zero, rejection(ledger.ReasonInvalidLevels, "stop %s / take-profit %s around %s", sig.StopLoss, sig.TakeProfit, price)
	case !sig.SizeFraction.IsPositive():
		return decimal.Zero, rejection(ledger.ReasonInvalidSignal, "BUY needs a positive size fraction")
	}
	if sig.Tag == "" {
		sig.Tag = ledger.AutoTag()
	}

	fillPrice := accounting.Slip(price, r.sim.Slippage, true)
	fraction := sig.SizeFraction
	if limits.MaxTradePct.IsPositive() {
		fraction = decimal.Min(fraction, limits.MaxTradePct)
	}
	qty := fraction.Mul(b.equity).Div(fillPrice).Truncate(8)
	if !qty.IsPositive() {
		return decimal.Zero, rejection(ledger.ReasonSizeTooSmall, "%s of %s rounds to zero", fraction, b.equity)
	}
	fill := accounting.Fill{Quantity: qty, Price: fillPrice, Fee: accounting.Fee(qty, fillPrice, r.sim.FeeRate)}

	var existing *model.CandidatePosition
	exposure := decimal.Zero
	for i := range b.positions {
		p := &b.positions[i]
		if p.Symbol != sig.Symbol {
			continue
		}
		exposure = exposure.Add(p.MarketValue())
		if p.Tag == sig.Tag {
			existing = p
		}
	}
	notional := qty.Mul(fillPrice)
	if limits.MaxPositionPct.IsPositive() && exposure.Add(notional).GreaterThan(limits.MaxPositionPct.Mul(b.equity)) {
		return decimal.Zero, rejection(ledger.ReasonExposureLimit, "%s exposure would reach %s", sig.Symbol, exposure.Add(notional).StringFixed(2))
	}
	if existing == nil && limits.MaxOpenPositions > 0 && len(b.positions) >= limits.MaxOpenPositions {
		return decimal.Zero, rejection(ledger.ReasonMaxPositions, "%d positions open", len(b.positions))
	}
	if notional.Add(fill.Fee).GreaterThan(b.cash) {
		return decimal.Zero, rejection(ledger.ReasonInsufficientCash, "need %s, have %s", notional.Add(fill.Fee).StringFixed(2), b.cash.StringFixed(2))
	}

	if existing == nil {
		p := &model.CandidatePosition{
			CandidateSlot: r.cand.Slot,
			RunID:         r.cand.RunID,
			PositionFields: model.PositionFields{
				Symbol:        sig.Symbol,
				Tag:           sig.Tag,
				Side:          model.SideLong,
				Quantity:      fill.Quantity,
				AvgEntryPrice: fill.Price,
				EntryFees:     fill.Fee,
				StopLoss:      sig.StopLoss,
				TakeProfit:    sig.TakeProfit,
				Intent:        sig.Intent,
				OpenedAt:      r.now().UTC(),
				LastPrice:     price,
			},
		}
		return qty, tx.CreatePosition(ctx, p)
	}

	lot := accounting.AddToLot(accounting.Lot{Quantity: existing.Quantity, AvgEntryPrice: existing.AvgEntryPrice, EntryFees: existing.EntryFees}, fill)
	existing.Quantity, existing.AvgEntryPrice, existing.EntryFees = lot.Quantity, lot.AvgEntryPrice, lot.EntryFees
	existing.LastPrice = price
	if sig.StopLoss.IsPositive() {
		existing.StopLoss = sig.StopLoss
	}
	if sig.TakeProfit.IsPositive() {
		existing.TakeProfit = sig.TakeProfit
	}
	if sig.Intent != "" {
		existing.Intent = sig.Intent
	}
	return qty, tx.SavePosition(ctx, existing)
}

func (r *Runner) sellAll(ctx context.Context, tx *repository.CandidateRepository, b book, sig ledger.Signal, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, rejection(ledger.ReasonNoPrice, "no observed price for %s", sig.Symbol)
	}
	reason := sig.CloseReason
	if reason == "" {
		reason = model.CloseReasonSignal
	}

	total := decimal.Zero
	for i := range b.positions {
		p := &b.positions[i]
		if p.Symbol != sig.Symbol || (sig.Tag != "" && p.Tag != sig.Tag) {
			continue
		}
		fill := r.sell(p.Quantity, price)
		if err := r.close(ctx, tx, p, fill, reason); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(fill.Quantity)
	}
	if total.IsZero() {
		tag := sig.Tag
		if tag == "" {
			tag = "*"
		}
		return decimal.Zero, rejection(ledger.ReasonNoPosition, "no open position for %s/%s", sig.Symbol, tag)
	}
	return total, nil
}

func (r *Runner) modify(ctx context.Context, tx *repository.CandidateRepository, b book, sig ledger.Signal) error {
	if sig.Tag == "" {
		return rejection(ledger.ReasonTagRequired, "MODIFY on %s needs an explicit tag", sig.Symbol)
	}
	for i := range b.positions {
		p := &b.positions[i]
		if p.Symbol != sig.Symbol || p.Tag != sig.Tag {
			continue
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
			return rejection(ledger.ReasonInvalidLevels, "stop %s / take-profit %s around %s", stop, take, ref)
		}
		p.StopLoss, p.TakeProfit = stop, take
		if sig.Intent != "" {
			p.Intent = sig.Intent
		}
		return tx.SavePosition(ctx, p)
	}
	return rejection(ledger.ReasonNoPosition, "no open position for %s/%s", sig.Symbol, sig.Tag)
}

// sell prices an exit at the observed price moved by slippage, never at a mid.
func (r *Runner) sell(qty, price decimal.Decimal) accounting.Fill {
	fillPrice := accounting.Slip(price, r.sim.Slippage, false)
	return accounting.Fill{Quantity: qty, Price: fillPrice, Fee: accounting.Fee(qty, fillPrice, r.sim.FeeRate)}
}

func (r *Runner) close(ctx context.Context, tx *repository.CandidateRepository, p *model.CandidatePosition, fill accounting.Fill, reason string) error {
	lot := accounting.Lot{Quantity: p.Quantity, AvgEntryPrice: p.AvgEntryPrice, EntryFees: p.EntryFees}
	result := accounting.CloseLot(lot, fill.Quantity, fill.Price, fill.Fee)
	trade := &model.CandidateTrade{
		CandidateSlot: r.cand.Slot,
		RunID:         r.cand.RunID,
		TradeFields:   ledger.TradeFields(p.PositionFields, fill.Quantity, result, reason, r.now().UTC()),
	}
	if err := tx.CreateTrade(ctx, trade); err != nil {
		return err
	}
	return tx.DeletePosition(ctx, p.ID)
}

func (r *Runner) state(ctx context.Context, b book, now time.Time) (risk.PortfolioState, error) {
	peak, err := r.repo.PeakEquity(ctx, r.cand.RunID)
	if err != nil {
		return risk.PortfolioState{}, err
	}
	day := ledger.DayStart(now)
	dayStart := r.cand.StartingEquity
	prev, err := r.repo.SnapshotBefore(ctx, r.cand.RunID, day.Format(model.DayLayout))
	if err != nil {
		return risk.PortfolioState{}, err
	}
	if prev != nil {
		dayStart = prev.Equity
	}
	realizedToday, err := r.repo.RealizedNet(ctx, r.cand.RunID, day)
	if err != nil {
		return risk.PortfolioState{}, err
	}
	streak := 0
	if n := r.sim.Limits.MaxConsecutiveLosses; n > 0 {
		recent, err := r.repo.RecentNetPnL(ctx, r.cand.RunID, n)
		if err != nil {
			return risk.PortfolioState{}, err
		}
		streak = risk.LossStreak(recent)
	}
	return risk.PortfolioState{
		Equity:            b.equity,
		PeakEquity:        decimal.Max(peak, b.equity, r.cand.StartingEquity),
		DayStartEquity:    dayStart,
		RealizedToday:     realizedToday,
		ConsecutiveLosses: streak,
	}, nil
}

// snapshot upserts the run's daily performance row.
func (r *Runner) snapshot(ctx context.Context, now time.Time) (*model.CandidateSnapshot, error) {
	var snap *model.CandidateSnapshot
	err := r.repo.Transaction(ctx, func(tx *repository.CandidateRepository) error {
		b, err := r.value(ctx, tx)
		if err != nil {
			return err
		}
		peak, err := tx.PeakEquity(ctx, r.cand.RunID)
		if err != nil {
			return err
		}
		day := ledger.DayStart(now)
		realized, err := tx.RealizedNet(ctx, r.cand.RunID, day)
		if err != nil {
			return err
		}
		closed, err := tx.CountTradesSince(ctx, r.cand.RunID, day)
		if err != nil {
			return err
		}
		snap = &model.CandidateSnapshot{
			CandidateSlot: r.cand.Slot,
			RunID:         r.cand.RunID,
			SnapshotFields: model.SnapshotFields{
				Day:          day.Format(model.DayLayout),
				Equity:       b.equity,
				Cash:         b.cash,
				OpenValue:    b.openValue,
				PeakEquity:   decimal.Max(peak, b.equity),
				RealizedPnL:  realized,
				OpenCount:    len(b.positions),
				ClosedTrades: int(closed),
			},
		}
		return tx.UpsertSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Runner) log(ctx context.Context, repo *repository.CandidateRepository, sig ledger.Signal, price, qty decimal.Decimal, outcome, reason string) {
	row := &model.CandidateSignal{
		CandidateSlot: r.cand.Slot,
		RunID:         r.cand.RunID,
		SignalFields:  sig.Record(price, qty, outcome, reason),
	}
	if err := repo.CreateSignal(ctx, row); err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "candidate.Runner",
			"slot":      r.cand.Slot,
		}).WithError(err).Error("Failed to log candidate signal")
	}
}
