package executors

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/connectors"
	"fundengine/src/ledger"
	"fundengine/src/metrics"
	"fundengine/src/model"
	"fundengine/src/risk"
	"fundengine/src/tp_sl"
)

// Quotes is the price view the monitor reads.
type Quotes interface {
	Prices() map[string]decimal.Decimal
	History(symbol string) []decimal.Decimal
}

// MonitorResult summarizes one monitor pass.
type MonitorResult struct {
	Skipped      bool
	Positions    int
	Triggered    int
	BracketFills int
	Trailed      int
	Verdict      risk.Verdict
}

// Monitor marks the live portfolio to market and acts on stop and take-profit levels.
type Monitor struct {
	cfg      Config
	exec     *Executor
	exchange connectors.Exchange
	quotes   Quotes
	risk     *RiskCheck
	now      func() time.Time
}

func NewMonitor(cfg Config, exec *Executor, quotes Quotes, check *RiskCheck) *Monitor {
	return &Monitor{cfg: cfg, exec: exec, exchange: exec.exchange, quotes: quotes, risk: check, now: time.Now}
}

// Pass runs one monitor cycle. While an analysis cycle holds the live strategy, the live
// portfolio is left alone and only the risk evaluation runs.
func (m *Monitor) Pass(ctx context.Context) (MonitorResult, error) {
	var res MonitorResult
	core := m.exec.core
	l := m.exec.ledger
	prices := m.quotes.Prices()

	var positions []model.Position
	err := core.Do(ctx, "monitor:refresh", func(ctx context.Context) error {
		if core.Analyzing() {
			res.Skipped = true
			return nil
		}
		var err error
		positions, err = l.RefreshPrices(ctx, prices)
		if err != nil {
			return err
		}
		_, err = l.Snapshot(ctx, m.now())
		return err
	})
	if err != nil {
		return res, err
	}
	if res.Skipped {
		logger.WithField("component", "executors.Monitor").Debug("Analysis in progress, live portfolio untouched")
		if m.risk != nil {
			res.Verdict = m.risk.Check(ctx)
		}
		return res, nil
	}
	res.Positions = len(positions)
	metrics.OpenPositions.Set(float64(len(positions)))

	gate := func() error {
		if core.Analyzing() {
			return errSkipped
		}
		return nil
	}

	native := l.Config().Native()
	trail := map[uint]decimal.Decimal{}
	for _, p := range positions {
		if p.PendingExit {
			continue
		}
		if native && (p.StopOrderID != "" || p.TakeProfitOrderID != "") {
			if m.pollBrackets(ctx, p, gate) {
				res.BracketFills++
			}
			continue
		}

		price, ok := prices[p.Symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		if reason, hit := tp_sl.Trigger(price, p.StopLoss, p.TakeProfit); hit {
			_, err := m.exec.apply(ctx, ledger.Signal{
				Source:      "monitor",
				Action:      ledger.ActionClose,
				Symbol:      p.Symbol,
				Tag:         p.Tag,
				CloseReason: reason,
				Trigger:     "monitor",
			}, gate)
			switch {
			case errors.Is(err, errSkipped):
				res.Skipped = true
			case err != nil:
				logger.WithFields(map[string]interface{}{
					"component": "executors.Monitor",
					"symbol":    p.Symbol,
					"tag":       p.Tag,
					"reason":    reason,
				}).WithError(err).Error("Trigger close failed")
			default:
				res.Triggered++
			}
			continue
		}

		if m.cfg.TrailingStop && p.StopLoss.IsPositive() {
			if sl, moved := tp_sl.ComputeTrailingStop(p.StopLoss, m.quotes.History(p.Symbol), m.cfg.TrailLookback); moved {
				trail[p.ID] = sl
			}
		}
	}

	if len(trail) > 0 {
		err := core.Do(ctx, "monitor:trail", func(ctx context.Context) error {
			if err := gate(); err != nil {
				return err
			}
			return l.TrailStops(ctx, trail)
		})
		if err == nil {
			res.Trailed = len(trail)
		} else if !errors.Is(err, errSkipped) {
			logger.WithField("component", "executors.Monitor").WithError(err).Error("Failed to trail stops")
		}
	}

	if m.risk != nil {
		res.Verdict = m.risk.Check(ctx)
	}
	return res, nil
}

// pollBrackets books the first native bracket the exchange reports filled. A bracket
// canceled outside the engine is forgotten, leaving that level to synthetic monitoring.
func (m *Monitor) pollBrackets(ctx context.Context, p model.Position, gate func() error) bool {
	core := m.exec.core
	l := m.exec.ledger

	stopID, takeID := p.StopOrderID, p.TakeProfitOrderID
	for _, id := range []string{p.StopOrderID, p.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		ord, err := m.exchange.GetOrderStatus(ctx, connectors.OrderRef{Symbol: p.Symbol, OrderID: id})
		if err != nil {
			if errors.Is(err, connectors.ErrOrderNotFound) {
				stopID, takeID = forget(stopID, takeID, id)
				continue
			}
			logger.WithFields(map[string]interface{}{
				"component": "executors.Monitor",
				"order_id":  id,
			}).WithError(err).Warn("Bracket status poll failed")
			continue
		}

		switch ord.Status {
		case connectors.StatusFilled:
			var delta *ledger.Delta
			err := core.Do(ctx, "monitor:bracket", func(ctx context.Context) error {
				if err := gate(); err != nil {
					return err
				}
				var err error
				delta, err = l.CloseFromBracket(ctx, p.ID, id, ord.Fill())
				return err
			})
			switch {
			case errors.Is(err, ledger.ErrAlreadyClosed):
				logger.WithFields(map[string]interface{}{
					"component": "executors.Monitor",
					"order_id":  id,
				}).Info("Late bracket fill for a closed position ignored")
				return false
			case err != nil:
				if !errors.Is(err, errSkipped) {
					logger.WithField("component", "executors.Monitor").WithError(err).Error("Failed to book bracket fill")
				}
				return false
			}
			metrics.OrdersTotal.WithLabelValues("bracket", string(connectors.StatusFilled)).Inc()
			m.exec.afterCommit(context.WithoutCancel(ctx), delta)
			if m.risk != nil {
				m.risk.Check(ctx)
			}
			return true
		case connectors.StatusCanceled, connectors.StatusRejected:
			stopID, takeID = forget(stopID, takeID, id)
		}
	}

	if stopID != p.StopOrderID || takeID != p.TakeProfitOrderID {
		err := core.Do(ctx, "monitor:brackets", func(ctx context.Context) error {
			return l.RecordBrackets(ctx, p.ID, stopID, takeID)
		})
		if err != nil && !errors.Is(err, ledger.ErrAlreadyClosed) {
			logger.WithField("component", "executors.Monitor").WithError(err).Error("Failed to forget bracket")
		}
	}
	return false
}

func forget(stopID, takeID, id string) (string, string) {
	if stopID == id {
		stopID = ""
	}
	if takeID == id {
		takeID = ""
	}
	return stopID, takeID
}
