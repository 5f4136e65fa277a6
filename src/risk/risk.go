package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Limits are hard ceilings. A zero fraction or count disables the matching check, except
// MaxTradePct and MaxPositionPct which always apply.
type Limits struct {
	MaxTradePct          decimal.Decimal
	MaxPositionPct       decimal.Decimal
	MaxOpenPositions     int
	MaxDailyLossPct      decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	MaxConsecutiveLosses int
	RollbackLossPct      decimal.Decimal
}

// PortfolioState is the risk-relevant view of a ledger at one instant.
type PortfolioState struct {
	Equity            decimal.Decimal
	PeakEquity        decimal.Decimal
	DayStartEquity    decimal.Decimal
	RealizedToday     decimal.Decimal
	ConsecutiveLosses int

	// EquityAtDeploy is equity when the active strategy version went live; zero when
	// no version is tracked.
	EquityAtDeploy decimal.Decimal
}

// Code enumerates why trading halted.
type Code string

const (
	CodeNone              Code = ""
	CodeDrawdown          Code = "max_drawdown"
	CodeDailyLoss         Code = "daily_loss"
	CodeConsecutiveLosses Code = "consecutive_losses"
	CodeManual            Code = "manual"
	CodeConsistency       Code = "consistency"
)

// HaltState is Active when Halted is false.
type HaltState struct {
	Halted bool      `json:"halted"`
	Code   Code      `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

func Active() HaltState { return HaltState{} }

func (h HaltState) String() string {
	if !h.Halted {
		return "active"
	}
	return fmt.Sprintf("halted(%s: %s)", h.Code, h.Reason)
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	State HaltState

	// Rollback asks for the previously deployed strategy version to be restored.
	Rollback       bool
	RollbackReason string
}

// Evaluate checks the state against limits, most severe condition first, and records
// only the first one that triggers.
func Evaluate(state PortfolioState, limits Limits, now time.Time) Verdict {
	var v Verdict

	switch {
	case drawdownHit(state, limits):
		dd := drawdown(state)
		v.State = HaltState{Halted: true, Code: CodeDrawdown, Since: now,
			Reason: fmt.Sprintf("drawdown %s%% from peak %s breaches %s%%", pct(dd), state.PeakEquity.StringFixed(2), pct(limits.MaxDrawdownPct))}
	case dailyLossHit(state, limits):
		v.State = HaltState{Halted: true, Code: CodeDailyLoss, Since: now,
			Reason: fmt.Sprintf("realized loss today %s breaches %s%% of %s", state.RealizedToday.StringFixed(2), pct(limits.MaxDailyLossPct), state.DayStartEquity.StringFixed(2))}
	case limits.MaxConsecutiveLosses > 0 && state.ConsecutiveLosses >= limits.MaxConsecutiveLosses:
		v.State = HaltState{Halted: true, Code: CodeConsecutiveLosses, Since: now,
			Reason: fmt.Sprintf("%d consecutive losing trades (limit %d)", state.ConsecutiveLosses, limits.MaxConsecutiveLosses)}
	}

	if limits.RollbackLossPct.IsPositive() && state.EquityAtDeploy.IsPositive() {
		loss := state.EquityAtDeploy.Sub(state.Equity).Div(state.EquityAtDeploy)
		if loss.GreaterThanOrEqual(limits.RollbackLossPct) {
			v.Rollback = true
			v.RollbackReason = fmt.Sprintf("loss %s%% since deployment breaches rollback threshold %s%%", pct(loss), pct(limits.RollbackLossPct))
		}
	}

	return v
}

func drawdown(state PortfolioState) decimal.Decimal {
	if !state.PeakEquity.IsPositive() {
		return decimal.Zero
	}
	return state.PeakEquity.Sub(state.Equity).Div(state.PeakEquity)
}

func drawdownHit(state PortfolioState, limits Limits) bool {
	return limits.MaxDrawdownPct.IsPositive() && drawdown(state).GreaterThanOrEqual(limits.MaxDrawdownPct)
}

func dailyLossHit(state PortfolioState, limits Limits) bool {
	if !limits.MaxDailyLossPct.IsPositive() || !state.DayStartEquity.IsPositive() || !state.RealizedToday.IsNegative() {
		return false
	}
	return state.RealizedToday.Neg().Div(state.DayStartEquity).GreaterThanOrEqual(limits.MaxDailyLossPct)
}

// LossStreak counts leading losses in net P&L values ordered newest first.
func LossStreak(newestFirst []decimal.Decimal) int {
	n := 0
	for _, v := range newestFirst {
		if !v.IsNegative() {
			break
		}
		n++
	}
	return n
}

func pct(f decimal.Decimal) string {
	return f.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
