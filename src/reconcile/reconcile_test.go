package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fundengine/src/connectors"
	"fundengine/src/database/dbtest"
	"fundengine/src/ledger"
	"fundengine/src/market"
	"fundengine/src/model"
	"fundengine/src/notify"
	"fundengine/src/repository"
	"fundengine/src/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func near(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	w, _ := d(want).Float64()
	g, _ := got.Float64()
	assert.InDelta(t, w, g, 1e-6, "want %s got %s", want, got)
}

type serial struct{ mu sync.Mutex }

func (s *serial) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

type countingChecker struct{ calls int }

func (c *countingChecker) Check(context.Context) risk.Verdict {
	c.calls++
	return risk.Verdict{}
}

type pauses struct{ reasons []string }

func (p *pauses) Pause(kind, reason string) { p.reasons = append(p.reasons, kind+": "+reason) }

type statusOnly struct {
	status func(ref connectors.OrderRef) (*connectors.Order, error)
	cancel func(ref connectors.OrderRef) (*connectors.Order, error)
}

func (s statusOnly) SubmitOrder(context.Context, connectors.OrderRequest) (*connectors.Order, error) {
	return nil, errors.New("not used")
}

func (s statusOnly) CancelOrder(_ context.Context, ref connectors.OrderRef) (*connectors.Order, error) {
	return s.cancel(ref)
}

func (s statusOnly) GetOrderStatus(_ context.Context, ref connectors.OrderRef) (*connectors.Order, error) {
	return s.status(ref)
}

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	guard   *risk.Guard
	paper   *connectors.PaperExchange
	checker *countingChecker
	pauser  *pauses
	pub     *notify.Recorder
	r       *Reconciler
}

func newFixture(t *testing.T, ex connectors.Exchange) *fixture {
	t.Helper()
	db := dbtest.New(t)

	pub := notify.NewRecorder(32)
	halts := repository.NewHaltRepository().WithDB(db)
	guard := risk.NewGuard(halts, pub)
	l := ledger.New(db, ledger.Config{StartingCapital: 1000, FeeRate: 0.001}, risk.Limits{MaxTradePct: d("0.1"), MaxPositionPct: d("0.5"), MaxOpenPositions: 5}, guard)

	book := market.NewPriceBook(10)
	book.Update(market.Tick{Symbol: "BTCUSDT", Price: d("100")})
	book.Update(market.Tick{Symbol: "ETHUSDT", Price: d("50")})
	paper := connectors.NewPaperExchange(book, d("0.001"), decimal.Zero)
	if ex == nil {
		ex = paper
	}

	f := &fixture{db: db, ledger: l, guard: guard, paper: paper, checker: &countingChecker{}, pauser: &pauses{}, pub: pub}
	f.r = New(Config{StaleAfter: 5 * time.Minute}, l, ex, &serial{}, guard, halts,
		repository.NewFundRepository().WithDB(db), f.pauser, f.checker, pub)
	return f
}

func (f *fixture) reserve(t *testing.T, symbol, tag, price string) *model.PendingOrder {
	t.Helper()
	plan, err := f.ledger.Prepare(context.Background(), ledger.Signal{
		Source: "test", Action: ledger.ActionBuy, Symbol: symbol, Tag: tag, SizeFraction: d("0.1"),
	}, d(price))
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	return plan.Orders[0]
}

func (f *fixture) reserved(t *testing.T) []model.PendingOrder {
	t.Helper()
	orders, err := f.ledger.ReservedOrders(context.Background())
	require.NoError(t, err)
	return orders
}

func TestStartupRebuildsCashFromLedger(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.r.Startup(ctx)
	require.NoError(t, err)

	fund := repository.NewFundRepository().WithDB(f.db)
	require.NoError(t, fund.RecordCapitalEvent(ctx, &model.CapitalEvent{Kind: model.CapitalDeposit, Amount: d("500")}))

	now := time.Now().UTC()
	require.NoError(t, repository.NewTradeRepository().WithDB(f.db).Create(ctx, &model.Trade{TradeFields: model.TradeFields{
		Symbol: "ETHUSDT", Tag: "old", Quantity: d("1"), EntryPrice: d("60"), ExitPrice: d("40"),
		OpenedAt: now.Add(-time.Hour), ClosedAt: now, GrossPnL: d("-20"), Fees: decimal.Zero, NetPnL: d("-20"),
		CloseReason: model.CloseReasonSignal,
	}}))
	require.NoError(t, repository.NewPositionRepository().WithDB(f.db).Create(ctx, &model.Position{PositionFields: model.PositionFields{
		Symbol: "BTCUSDT", Tag: "core", Quantity: d("1"), AvgEntryPrice: d("100"), LastPrice: d("110"), OpenedAt: now,
	}}))

	rep, err := f.r.Startup(ctx)
	require.NoError(t, err)
	near(t, "1000", rep.StartingCapital)
	near(t, "500", rep.CapitalEvents)
	near(t, "-20", rep.RealizedNet)
	near(t, "100", rep.OpenCost)
	near(t, "1380", rep.Cash)
	near(t, "1490", rep.Equity)
	assert.Equal(t, 1, rep.Positions)
	assert.True(t, rep.Consistent())
	assert.False(t, rep.Halt.Halted)

	again, err := f.r.Run(ctx)
	require.NoError(t, err)
	near(t, "1380", again.Cash)
	near(t, "1490", again.Equity)
	assert.Equal(t, 3, f.checker.calls)

	snap, err := repository.NewSnapshotRepository().WithDB(f.db).FindByDay(ctx, ledger.DayStart(time.Now()).Format(model.DayLayout))
	require.NoError(t, err)
	require.NotNil(t, snap)
	near(t, "1490", snap.Equity)

	settings, err := fund.Settings(ctx)
	require.NoError(t, err)
	near(t, "1000", settings.StartingCapital)
}

func TestStartupRecoversReservations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.r.Startup(ctx)
	require.NoError(t, err)

	filled := f.reserve(t, "BTCUSDT", "core", "100")
	_, err = f.paper.SubmitOrder(ctx, connectors.OrderRequest{
		ClientOrderID: filled.ClientOrderID, Symbol: filled.Symbol, Side: filled.Side,
		Type: connectors.OrderMarket, Quantity: filled.Quantity,
	})
	require.NoError(t, err)
	f.reserve(t, "ETHUSDT", "lost", "50")

	rep, err := f.r.Startup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)
	assert.Equal(t, 1, rep.Aborted)
	assert.Equal(t, 0, rep.Unresolved)
	assert.Equal(t, 1, rep.Positions)
	assert.Empty(t, f.reserved(t))

	positions, err := f.ledger.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "core", positions[0].Tag)
	near(t, "1", positions[0].Quantity)

	again, err := f.r.Startup(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Recovered)
	assert.Zero(t, again.Aborted)
	near(t, rep.Cash.String(), again.Cash)
}

func TestRecoveryCancelsOpenOrders(t *testing.T) {
	var canceled []connectors.OrderRef
	ex := statusOnly{
		status: func(ref connectors.OrderRef) (*connectors.Order, error) {
			return &connectors.Order{ID: "ex-9", ClientOrderID: ref.ClientOrderID, Symbol: ref.Symbol, Status: connectors.StatusOpen}, nil
		},
		cancel: func(ref connectors.OrderRef) (*connectors.Order, error) {
			canceled = append(canceled, ref)
			return &connectors.Order{ID: "ex-9", ClientOrderID: ref.ClientOrderID, Symbol: ref.Symbol, Status: connectors.StatusCanceled,
				FilledQuantity: d("0.4"), AvgPrice: d("100"), Fee: d("0.04")}, nil
		},
	}
	f := newFixture(t, ex)
	ctx := context.Background()
	_, err := f.r.Startup(ctx)
	require.NoError(t, err)
	f.reserve(t, "BTCUSDT", "core", "100")

	rep, err := f.r.Startup(ctx)
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, "ex-9", canceled[0].OrderID)
	assert.Equal(t, 1, rep.Recovered)

	positions, err := f.ledger.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	near(t, "0.4", positions[0].Quantity)
}

func TestUnreachableExchangeKeepsReservation(t *testing.T) {
	ex := statusOnly{
		status: func(connectors.OrderRef) (*connectors.Order, error) {
			return nil, errors.New("connection reset")
		},
	}
	f := newFixture(t, ex)
	ctx := context.Background()
	_, err := f.r.Startup(ctx)
	require.NoError(t, err)
	f.reserve(t, "BTCUSDT", "core", "100")

	rep, err := f.r.Startup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unresolved)
	assert.Len(t, f.reserved(t), 1)
	assert.True(t, rep.Consistent())
}

func TestPeriodicRunLeavesFreshReservations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.r.Startup(ctx)
	require.NoError(t, err)
	f.reserve(t, "BTCUSDT", "core", "100")

	rep, err := f.r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Aborted)
	assert.Len(t, f.reserved(t), 1)

	f.r.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	rep, err = f.r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Aborted)
	assert.Empty(t, f.reserved(t))
}

func TestInconsistentLedgerHaltsAndPauses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.r.Startup(ctx)
	require.NoError(t, err)
	f.pub.Drain()
	checks := f.checker.calls

	require.NoError(t, repository.NewPositionRepository().WithDB(f.db).Create(ctx, &model.Position{PositionFields: model.PositionFields{
		Symbol: "BTCUSDT", Tag: "broken", Quantity: d("1"), AvgEntryPrice: decimal.Zero, OpenedAt: time.Now().UTC(),
	}}))

	rep, err := f.r.Run(ctx)
	require.NoError(t, err)
	require.False(t, rep.Consistent())
	assert.True(t, strings.Contains(rep.Issues[0], "BTCUSDT/broken"))
	assert.True(t, rep.Halt.Halted)
	assert.Equal(t, risk.CodeConsistency, rep.Halt.Code)
	assert.Equal(t, []string{model.ModuleKindStrategy + ": ledger inconsistency"}, f.pauser.reasons)
	assert.Equal(t, checks, f.checker.calls)

	kinds := map[notify.Kind]bool{}
	for _, e := range f.pub.Drain() {
		kinds[e.Kind] = true
	}
	assert.True(t, kinds[notify.KindConsistency])
	assert.True(t, kinds[notify.KindHalt])
	assert.True(t, f.guard.Halted())
}

func TestStartupRestoresOperatorHalt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, repository.NewHaltRepository().WithDB(f.db).Create(ctx, &model.HaltEvent{
		State: model.HaltStateHalted, Reason: "manual: operator stop",
	}))

	rep, err := f.r.Startup(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Halt.Halted)
	assert.Equal(t, risk.CodeManual, rep.Halt.Code)
	assert.Equal(t, "operator stop", rep.Halt.Reason)
}
