package controller

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"fundengine/src/ledger"
	"fundengine/src/market"
	"fundengine/src/model"
	"fundengine/src/sdk"
)

// SignalFromDecision validates a strategy decision and converts it for the ledger.
// Emergency stops never arrive here; they are an operator control.
func SignalFromDecision(source, trigger string, d sdk.Decision) (ledger.Signal, error) {
	action := strings.ToUpper(strings.TrimSpace(d.Action))
	switch action {
	case ledger.ActionBuy, ledger.ActionClose, ledger.ActionModify:
	case "SELL":
		action = ledger.ActionClose
	default:
		return ledger.Signal{}, invalid("unknown action %q", d.Action)
	}

	symbol := NormalizeSymbol(d.Symbol)
	if symbol == "" {
		return ledger.Signal{}, invalid("symbol is required")
	}

	size, err := finite("size fraction", d.SizeFraction)
	if err != nil {
		return ledger.Signal{}, err
	}
	stop, err := finite("stop loss", d.StopLoss)
	if err != nil {
		return ledger.Signal{}, err
	}
	take, err := finite("take profit", d.TakeProfit)
	if err != nil {
		return ledger.Signal{}, err
	}

	switch d.Intent {
	case "", model.IntentDay, model.IntentSwing, model.IntentPosition:
	default:
		return ledger.Signal{}, invalid("unknown intent %q", d.Intent)
	}

	sig := ledger.Signal{
		Source:     source,
		Action:     action,
		Symbol:     symbol,
		Tag:        strings.TrimSpace(d.Tag),
		StopLoss:   stop,
		TakeProfit: take,
		Intent:     d.Intent,
		Trigger:    trigger,
	}
	if action == ledger.ActionBuy {
		sig.SizeFraction = ClampFraction(size)
	}
	if action == ledger.ActionClose {
		sig.CloseReason = model.CloseReasonSignal
	}
	return sig, nil
}

func finite(name string, v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, invalid("%s is not a finite number", name)
	}
	return decimal.NewFromFloat(v), nil
}

func invalid(format string, args ...interface{}) *ledger.Rejection {
	return &ledger.Rejection{Reason: ledger.ReasonInvalidSignal, Detail: fmt.Sprintf(format, args...)}
}

// MarketView builds the input of one strategy call from a price snapshot and a
// portfolio. The live scan and every candidate run use it, so both see the same market.
func MarketView(snap market.Snapshot, positions []model.PositionFields, equity, cash decimal.Decimal) sdk.Market {
	m := sdk.Market{
		Now:     snap.At,
		Symbols: snap.Symbols(),
		Prices:  make(map[string]float64, len(snap.Prices)),
		History: make(map[string][]float64, len(snap.History)),
		Equity:  equity.InexactFloat64(),
		Cash:    cash.InexactFloat64(),
	}
	for sym, p := range snap.Prices {
		m.Prices[sym] = p.InexactFloat64()
	}
	for sym, h := range snap.History {
		series := make([]float64, len(h))
		for i, p := range h {
			series[i] = p.InexactFloat64()
		}
		m.History[sym] = series
	}
	for _, p := range positions {
		m.Positions = append(m.Positions, sdk.Position{
			Symbol:              p.Symbol,
			Tag:                 p.Tag,
			Quantity:            p.Quantity.InexactFloat64(),
			AvgEntryPrice:       p.AvgEntryPrice.InexactFloat64(),
			StopLoss:            p.StopLoss.InexactFloat64(),
			TakeProfit:          p.TakeProfit.InexactFloat64(),
			Intent:              p.Intent,
			OpenedAt:            p.OpenedAt,
			MaxAdverseExcursion: p.MaxAdverseExcursion.InexactFloat64(),
			LastPrice:           p.LastPrice.InexactFloat64(),
		})
	}
	return m
}
