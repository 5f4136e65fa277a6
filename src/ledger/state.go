package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fundengine/src/accounting"
	"fundengine/src/model"
	"fundengine/src/risk"
)

// Valuation is the ledger computed from first principles.
type Valuation struct {
	StartingCapital decimal.Decimal
	CapitalEvents   decimal.Decimal
	RealizedNet     decimal.Decimal
	OpenCost        decimal.Decimal
	OpenValue       decimal.Decimal
	Cash            decimal.Decimal
	Equity          decimal.Decimal
	Positions       []model.Position
}

func valuation(ctx context.Context, r repos) (Valuation, error) {
	settings, err := r.fund.Settings(ctx)
	if err != nil {
		return Valuation{}, err
	}
	if settings == nil {
		return Valuation{}, ErrNoStartingCapital
	}
	events, err := r.fund.NetCapitalEvents(ctx)
	if err != nil {
		return Valuation{}, err
	}
	realized, err := r.trades.RealizedNet(ctx)
	if err != nil {
		return Valuation{}, err
	}
	positions, err := r.positions.ListOpen(ctx)
	if err != nil {
		return Valuation{}, err
	}

	v := Valuation{
		StartingCapital: settings.StartingCapital,
		CapitalEvents:   events,
		RealizedNet:     realized,
		Positions:       positions,
	}
	for _, p := range positions {
		v.OpenCost = v.OpenCost.Add(p.CostBasis())
		v.OpenValue = v.OpenValue.Add(p.MarketValue())
	}
	v.Cash = accounting.AuthoritativeCash(v.StartingCapital, v.CapitalEvents, v.RealizedNet, v.OpenCost)
	v.Equity = accounting.Equity(v.Cash, v.OpenValue)
	return v, nil
}

// Value computes cash and equity from starting capital, capital events, realized P&L
// and open cost basis. It never consults a snapshot.
func (l *Ledger) Value(ctx context.Context) (Valuation, error) {
	return valuation(ctx, reposFor(l.db.WithContext(ctx)))
}

func (l *Ledger) Cash(ctx context.Context) (decimal.Decimal, error) {
	v, err := l.Value(ctx)
	return v.Cash, err
}

func (l *Ledger) Equity(ctx context.Context) (decimal.Decimal, error) {
	v, err := l.Value(ctx)
	return v.Equity, err
}

func (l *Ledger) Positions(ctx context.Context) ([]model.Position, error) {
	return reposFor(l.db).positions.ListOpen(ctx)
}

func (l *Ledger) Position(ctx context.Context, id uint) (*model.Position, error) {
	return reposFor(l.db).positions.FindByID(ctx, id)
}

// ReservedOrders lists orders still awaiting an exchange outcome.
func (l *Ledger) ReservedOrders(ctx context.Context) ([]model.PendingOrder, error) {
	return reposFor(l.db).orders.ListReserved(ctx)
}

// DayStart is midnight UTC of t's day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PortfolioState gathers the facts the risk policy evaluates.
func (l *Ledger) PortfolioState(ctx context.Context, now time.Time, equityAtDeploy decimal.Decimal) (risk.PortfolioState, error) {
	r := reposFor(l.db.WithContext(ctx))
	v, err := valuation(ctx, r)
	if err != nil {
		return risk.PortfolioState{}, err
	}

	peak, err := r.snapshots.PeakEquity(ctx)
	if err != nil {
		return risk.PortfolioState{}, err
	}
	peak = decimal.Max(peak, v.Equity)

	day := DayStart(now)
	dayStart := v.StartingCapital.Add(v.CapitalEvents)
	prev, err := r.snapshots.LatestBefore(ctx, day.Format(model.DayLayout))
	if err != nil {
		return risk.PortfolioState{}, err
	}
	if prev != nil {
		dayStart = prev.Equity
	}

	realizedToday, err := r.trades.RealizedNetSince(ctx, day)
	if err != nil {
		return risk.PortfolioState{}, err
	}

	streak := 0
	if n := l.limits.MaxConsecutiveLosses; n > 0 {
		recent, err := r.trades.RecentNetPnL(ctx, n)
		if err != nil {
			return risk.PortfolioState{}, err
		}
		streak = risk.LossStreak(recent)
	}

	return risk.PortfolioState{
		Equity:            v.Equity,
		PeakEquity:        peak,
		DayStartEquity:    dayStart,
		RealizedToday:     realizedToday,
		ConsecutiveLosses: streak,
		EquityAtDeploy:    equityAtDeploy,
	}, nil
}

// Snapshot upserts today's equity snapshot. Peak equity never decreases.
func (l *Ledger) Snapshot(ctx context.Context, now time.Time) (*model.EquitySnapshot, error) {
	var snap *model.EquitySnapshot
	err := l.tx(ctx, func(r repos) error {
		v, err := valuation(ctx, r)
		if err != nil {
			return err
		}
		peak, err := r.snapshots.PeakEquity(ctx)
		if err != nil {
			return err
		}
		day := DayStart(now)
		realized, err := r.trades.RealizedNetSince(ctx, day)
		if err != nil {
			return err
		}
		closed, err := r.trades.CountSince(ctx, day)
		if err != nil {
			return err
		}

		snap = &model.EquitySnapshot{SnapshotFields: model.SnapshotFields{
			Day:          day.Format(model.DayLayout),
			Equity:       v.Equity,
			Cash:         v.Cash,
			OpenValue:    v.OpenValue,
			PeakEquity:   decimal.Max(peak, v.Equity),
			RealizedPnL:  realized,
			OpenCount:    len(v.Positions),
			ClosedTrades: int(closed),
		}}
		return r.snapshots.Upsert(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RefreshPrices marks open positions to prices and grows their max adverse excursion.
// It returns every open position after the update.
func (l *Ledger) RefreshPrices(ctx context.Context, prices map[string]decimal.Decimal) ([]model.Position, error) {
	var out []model.Position
	err := l.tx(ctx, func(r repos) error {
		positions, err := r.positions.ListOpen(ctx)
		if err != nil {
			return err
		}
		for i := range positions {
			p := &positions[i]
			price, ok := prices[p.Symbol]
			if !ok || !price.IsPositive() {
				continue
			}
			mae := accounting.AdverseExcursion(p.MaxAdverseExcursion, p.AvgEntryPrice, price)
			if price.Equal(p.LastPrice) && mae.Equal(p.MaxAdverseExcursion) {
				continue
			}
			p.LastPrice = price
			p.MaxAdverseExcursion = mae
			if err := r.positions.Save(ctx, p); err != nil {
				return err
			}
		}
		out = positions
		return nil
	})
	return out, err
}

// TrailStops raises stops to the supplied levels. Levels at or below the current stop
// are ignored.
func (l *Ledger) TrailStops(ctx context.Context, stops map[uint]decimal.Decimal) error {
	if len(stops) == 0 {
		return nil
	}
	return l.tx(ctx, func(r repos) error {
		for id, stop := range stops {
			p, err := r.positions.FindByID(ctx, id)
			if err != nil {
				return err
			}
			if p == nil || !stop.GreaterThan(p.StopLoss) {
				continue
			}
			p.StopLoss = stop
			if err := r.positions.Save(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}
