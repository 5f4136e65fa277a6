package ledger

import (
	"context"
	"testing"
	"time"

	"fundengine/src/accounting"
	"fundengine/src/database/dbtest"
	"fundengine/src/model"
	"fundengine/src/repository"
	"fundengine/src/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// near compares decimals that went through the database, where sqlite may store them as
// floating point.
func near(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	w, _ := d(want).Float64()
	g, _ := got.Float64()
	assert.InDelta(t, w, g, 1e-6, "want %s got %s", want, got)
}

type haltFlag struct{ on bool }

func (h *haltFlag) Halted() bool { return h.on }

var testLimits = risk.Limits{
	MaxTradePct:          d("0.1"),
	MaxPositionPct:       d("0.25"),
	MaxOpenPositions:     3,
	MaxDailyLossPct:      d("0.05"),
	MaxDrawdownPct:       d("0.2"),
	MaxConsecutiveLosses: 3,
}

func newLedger(t *testing.T, limits risk.Limits) (*Ledger, *haltFlag, *gorm.DB) {
	t.Helper()
	db := dbtest.New(t)
	_, err := repository.NewFundRepository().WithDB(db).EnsureStartingCapital(context.Background(), d("1000"))
	require.NoError(t, err)
	h := &haltFlag{}
	cfg := Config{StartingCapital: 1000, FeeRate: 0.001, BracketMode: BracketSynthetic}
	return New(db, cfg, limits, h), h, db
}

func buy(symbol, tag, fraction string) Signal {
	return Signal{Source: "test", Action: ActionBuy, Symbol: symbol, Tag: tag, SizeFraction: d(fraction)}
}

func fillAt(o *model.PendingOrder, price string) accounting.Fill {
	p := d(price)
	return accounting.Fill{Quantity: o.Quantity, Price: p, Fee: accounting.Fee(o.Quantity, p, d("0.001"))}
}

func open(t *testing.T, l *Ledger, symbol, tag, fraction, price string) *model.Position {
	t.Helper()
	ctx := context.Background()
	plan, err := l.Prepare(ctx, buy(symbol, tag, fraction), d(price))
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	delta, err := l.Commit(ctx, plan.Orders[0], fillAt(plan.Orders[0], price), "ex-"+plan.Orders[0].ClientOrderID)
	require.NoError(t, err)
	return delta.Position
}

func TestBuySizingIsCappedByMaxTrade(t *testing.T) {
	l, _, _ := newLedger(t, testLimits)

	plan, err := l.Prepare(context.Background(), buy("BTC", "a", "0.5"), d("100"))
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	// min(0.5, 0.1) of 1000 at 100
	near(t, "1", plan.Orders[0].Quantity)
	assert.Equal(t, model.OrderStatusReserved, plan.Orders[0].Status)
}

func TestTransplantKeepsQuantityWithinHardLimits(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)

	sig := Signal{Source: "candidate:1", Action: ActionBuy, Symbol: "BTC", Tag: "cand", Quantity: d("1.9791187"), Transplant: true}
	plan, err := l.Prepare(ctx, sig, d("100"))
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	near(t, "1.9791187", plan.Orders[0].Quantity)

	// Without the flag the same quantity is cut to the per-trade ceiling.
	sig.Transplant = false
	sig.Tag = "plain"
	sig.Symbol = "ETH"
	plan, err = l.Prepare(ctx, sig, d("100"))
	require.NoError(t, err)
	near(t, "1", plan.Orders[0].Quantity)

	// Exposure still binds: 3 at 100 is over the 25% symbol ceiling.
	big := Signal{Source: "candidate:1", Action: ActionBuy, Symbol: "SOL", Tag: "cand", Quantity: d("3"), Transplant: true}
	_, err = l.Prepare(ctx, big, d("100"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonExposureLimit, rej.Reason)
}

func TestBuyReaveragesAndCloseRealizes(t *testing.T) {
	ctx := context.Background()
	l, _, db := newLedger(t, testLimits)

	open(t, l, "BTC", "a", "0.1", "100")

	plan, err := l.Prepare(ctx, buy("BTC", "a", "0.05"), d("120"))
	require.NoError(t, err)
	// The exchange fill, not the reference quote, drives the average.
	delta, err := l.Commit(ctx, plan.Orders[0], accounting.Fill{Quantity: d("0.25"), Price: d("200"), Fee: d("0.05")}, "x2")
	require.NoError(t, err)
	assert.Equal(t, DeltaIncreased, delta.Kind)
	near(t, "1.25", delta.Position.Quantity)
	near(t, "120", delta.Position.AvgEntryPrice)

	closePlan, err := l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a"}, d("130"))
	require.NoError(t, err)
	require.Len(t, closePlan.Orders, 1)
	closed, err := l.Commit(ctx, closePlan.Orders[0], accounting.Fill{Quantity: d("1.25"), Price: d("130"), Fee: d("0.1625")}, "x3")
	require.NoError(t, err)
	assert.Equal(t, DeltaClosed, closed.Kind)
	require.NotNil(t, closed.Trade)
	near(t, "12.5", closed.Trade.GrossPnL)
	near(t, "0.3125", closed.Trade.Fees)
	near(t, "12.1875", closed.Trade.NetPnL)
	assert.Equal(t, model.CloseReasonSignal, closed.Trade.CloseReason)

	var count int64
	require.NoError(t, db.Model(&model.Position{}).Count(&count).Error)
	assert.Zero(t, count)

	cash, err := l.Cash(ctx)
	require.NoError(t, err)
	near(t, "1012.1875", cash)
}

func TestCloseWithoutTagClosesEveryTag(t *testing.T) {
	ctx := context.Background()
	l, _, db := newLedger(t, testLimits)

	open(t, l, "ETH", "a", "0.05", "10")
	open(t, l, "ETH", "b", "0.05", "10")
	open(t, l, "SOL", "a", "0.05", "10")

	plan, err := l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "ETH"}, d("11"))
	require.NoError(t, err)
	require.Len(t, plan.Orders, 2)
	for _, o := range plan.Orders {
		_, err := l.Commit(ctx, o, fillAt(o, "11"), "")
		require.NoError(t, err)
	}

	var trades int64
	require.NoError(t, db.Model(&model.Trade{}).Where("symbol = ?", "ETH").Count(&trades).Error)
	assert.EqualValues(t, 2, trades)

	left, err := l.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "SOL", left[0].Symbol)
}

func TestModifyNeedsTag(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)
	open(t, l, "BTC", "a", "0.1", "100")

	_, err := l.Modify(ctx, Signal{Action: ActionModify, Symbol: "BTC", StopLoss: d("90")})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonTagRequired, rej.Reason)

	before, err := l.Cash(ctx)
	require.NoError(t, err)

	delta, err := l.Modify(ctx, Signal{Action: ActionModify, Symbol: "BTC", Tag: "a", StopLoss: d("90"), TakeProfit: d("150"), Intent: model.IntentSwing})
	require.NoError(t, err)
	near(t, "90", delta.Position.StopLoss)
	near(t, "150", delta.Position.TakeProfit)
	assert.Equal(t, model.IntentSwing, delta.Position.Intent)

	after, err := l.Cash(ctx)
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "modify must not touch cash")

	_, err = l.Modify(ctx, Signal{Action: ActionModify, Symbol: "BTC", Tag: "a", StopLoss: d("120")})
	rej, ok = AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidLevels, rej.Reason)
}

func TestHaltBlocksOnlyBuy(t *testing.T) {
	ctx := context.Background()
	l, halt, _ := newLedger(t, testLimits)
	open(t, l, "BTC", "a", "0.1", "100")

	halt.on = true

	_, err := l.Prepare(ctx, buy("BTC", "b", "0.05"), d("100"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonHalted, rej.Reason)

	_, err = l.Modify(ctx, Signal{Action: ActionModify, Symbol: "BTC", Tag: "a", StopLoss: d("80")})
	require.NoError(t, err)

	plan, err := l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a"}, d("100"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, plan.Orders[0], fillAt(plan.Orders[0], "100"), "")
	require.NoError(t, err)
}

func TestExposureSumsTagsAndReservations(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)

	open(t, l, "BTC", "a", "0.1", "100")
	_, err := l.Prepare(ctx, buy("BTC", "b", "0.1"), d("100"))
	require.NoError(t, err)

	_, err = l.Prepare(ctx, buy("BTC", "c", "0.1"), d("100"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonExposureLimit, rej.Reason)

	// Another symbol is unaffected.
	_, err = l.Prepare(ctx, buy("ETH", "a", "0.1"), d("10"))
	require.NoError(t, err)
}

func TestMaxOpenPositionsCountsPendingEntries(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)

	open(t, l, "A", "x", "0.05", "10")
	_, err := l.Prepare(ctx, buy("B", "x", "0.05"), d("10"))
	require.NoError(t, err)
	_, err = l.Prepare(ctx, buy("C", "x", "0.05"), d("10"))
	require.NoError(t, err)

	_, err = l.Prepare(ctx, buy("D", "x", "0.05"), d("10"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMaxPositions, rej.Reason)

	// Adding to an existing tag does not open a new position.
	_, err = l.Prepare(ctx, buy("A", "x", "0.01"), d("10"))
	require.NoError(t, err)
}

func TestInsufficientCash(t *testing.T) {
	limits := testLimits
	limits.MaxTradePct = d("1")
	limits.MaxPositionPct = d("1")
	l, _, _ := newLedger(t, limits)

	_, err := l.Prepare(context.Background(), buy("BTC", "a", "1"), d("100"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInsufficientCash, rej.Reason)
}

func TestAutoTagAndDuplicateEntry(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)

	plan, err := l.Prepare(ctx, buy("BTC", "", "0.01"), d("100"))
	require.NoError(t, err)
	assert.Regexp(t, `^auto-[0-9a-f]{8}$`, plan.Orders[0].Tag)
	assert.Equal(t, plan.Orders[0].Tag, plan.Signal.Tag)

	_, err = l.Prepare(ctx, buy("BTC", plan.Orders[0].Tag, "0.01"), d("100"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonEntryPending, rej.Reason)
}

func TestAbortReleasesExit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)
	open(t, l, "BTC", "a", "0.1", "100")

	plan, err := l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a"}, d("100"))
	require.NoError(t, err)

	_, err = l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a"}, d("100"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonExitPending, rej.Reason)

	require.NoError(t, l.Abort(ctx, plan.Orders[0], model.OrderStatusFailed, "exchange down"))
	assert.Equal(t, model.OrderStatusFailed, plan.Orders[0].Status)

	// Abort is idempotent and the position can be closed again.
	require.NoError(t, l.Abort(ctx, plan.Orders[0], "", "again"))
	_, err = l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a"}, d("100"))
	require.NoError(t, err)
}

func TestCommitIsNotRepeatable(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)

	plan, err := l.Prepare(ctx, buy("BTC", "a", "0.1"), d("100"))
	require.NoError(t, err)
	o := plan.Orders[0]
	_, err = l.Commit(ctx, o, fillAt(o, "100"), "1")
	require.NoError(t, err)
	_, err = l.Commit(ctx, o, fillAt(o, "100"), "1")
	assert.ErrorIs(t, err, ErrOrderResolved)
}

func TestPartialExitLeavesRemainder(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)
	open(t, l, "BTC", "a", "0.1", "100")

	plan, err := l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a"}, d("110"))
	require.NoError(t, err)
	delta, err := l.Commit(ctx, plan.Orders[0], accounting.Fill{Quantity: d("0.4"), Price: d("110"), Fee: d("0")}, "")
	require.NoError(t, err)
	assert.Equal(t, DeltaReduced, delta.Kind)
	near(t, "0.6", delta.Position.Quantity)
	near(t, "0.4", delta.Trade.Quantity)
	assert.False(t, delta.Position.PendingExit)
}

func TestCloseFromBracketFirstFillWins(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)
	p := open(t, l, "BTC", "a", "0.1", "100")
	require.NoError(t, l.RecordBrackets(ctx, p.ID, "stop-1", "tp-1"))

	delta, err := l.CloseFromBracket(ctx, p.ID, "tp-1", accounting.Fill{Price: d("120"), Fee: d("0.12")})
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonTakeProfit, delta.Trade.CloseReason)
	assert.Equal(t, []string{"stop-1"}, delta.CancelOrderIDs)
	near(t, "1", delta.Trade.Quantity)

	_, err = l.CloseFromBracket(ctx, p.ID, "stop-1", accounting.Fill{Price: d("90")})
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestRefreshPricesTracksAdverseExcursion(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, testLimits)
	open(t, l, "BTC", "a", "0.1", "100")

	_, err := l.RefreshPrices(ctx, map[string]decimal.Decimal{"BTC": d("90")})
	require.NoError(t, err)
	positions, err := l.RefreshPrices(ctx, map[string]decimal.Decimal{"BTC": d("105")})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	near(t, "0.1", positions[0].MaxAdverseExcursion)
	near(t, "105", positions[0].LastPrice)

	plan, err := l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a", CloseReason: model.CloseReasonManual}, d("105"))
	require.NoError(t, err)
	delta, err := l.Commit(ctx, plan.Orders[0], fillAt(plan.Orders[0], "105"), "")
	require.NoError(t, err)
	near(t, "0.1", delta.Trade.MaxAdverseExcursion)
	assert.Equal(t, model.CloseReasonManual, delta.Trade.CloseReason)
}

func TestPortfolioStateAndSnapshot(t *testing.T) {
	ctx := context.Background()
	l, _, db := newLedger(t, testLimits)
	now := time.Now().UTC()

	yesterday := &model.EquitySnapshot{SnapshotFields: model.SnapshotFields{
		Day: now.AddDate(0, 0, -1).Format(model.DayLayout), Equity: d("1100"), PeakEquity: d("1200"),
	}}
	require.NoError(t, repository.NewSnapshotRepository().WithDB(db).Upsert(ctx, yesterday))

	for i := 0; i < 2; i++ {
		open(t, l, "BTC", "a", "0.1", "100")
		plan, err := l.Prepare(ctx, Signal{Action: ActionClose, Symbol: "BTC", Tag: "a"}, d("90"))
		require.NoError(t, err)
		_, err = l.Commit(ctx, plan.Orders[0], accounting.Fill{Quantity: plan.Orders[0].Quantity, Price: d("90"), Fee: d("0")}, "")
		require.NoError(t, err)
	}

	state, err := l.PortfolioState(ctx, now, d("1000"))
	require.NoError(t, err)
	assert.Equal(t, 2, state.ConsecutiveLosses)
	near(t, "1100", state.DayStartEquity)
	near(t, "1200", state.PeakEquity)
	assert.True(t, state.RealizedToday.IsNegative())

	snap, err := l.Snapshot(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ClosedTrades)
	near(t, "1200", snap.PeakEquity)
	assert.True(t, snap.Equity.Equal(snap.Cash))
}

func TestValueNeedsPersistedCapital(t *testing.T) {
	l := New(dbtest.New(t), Config{}, testLimits, nil)
	_, err := l.Value(context.Background())
	assert.ErrorIs(t, err, ErrNoStartingCapital)
}
