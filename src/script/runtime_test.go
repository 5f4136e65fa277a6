package script

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundengine/src/database/dbtest"
	"fundengine/src/model"
	"fundengine/src/sandbox"
	"fundengine/src/sdk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const momentum = `package strategy

import (
	"strings"

	"fundengine/sdk"
)

func Decide(m sdk.Market) []sdk.Decision {
	var out []sdk.Decision
	for _, s := range m.Symbols {
		h := m.History[s]
		if len(h) < 2 || !strings.HasSuffix(s, "USDT") {
			continue
		}
		if h[len(h)-1] > h[len(h)-2] && len(m.Open(s)) == 0 {
			out = append(out, sdk.Decision{Action: sdk.Buy, Symbol: s, Tag: "mom", SizeFraction: 0.05, StopLoss: h[len(h)-1] * 0.95})
		}
	}
	return out
}
`

func TestCompileAndDecide(t *testing.T) {
	m, err := Compile(context.Background(), []byte(momentum), sandbox.TierStrategy, "v1", "abc", time.Second)
	require.NoError(t, err)

	decisions, err := m.Decide(context.Background(), sdk.Market{
		Symbols: []string{"BTCUSDT", "ETHUSDT", "XAUUSD"},
		History: map[string][]float64{
			"BTCUSDT": {100, 101},
			"ETHUSDT": {10, 9},
			"XAUUSD":  {1, 2},
		},
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, sdk.Buy, decisions[0].Action)
	assert.Equal(t, "BTCUSDT", decisions[0].Symbol)
	assert.InDelta(t, 95.95, decisions[0].StopLoss, 1e-9)
}

func TestCompileRejectsUnvalidatedCode(t *testing.T) {
	src := "package strategy\nimport \"os\"\nfunc Decide(m int) int { os.Exit(1); return 0 }\n"
	_, err := Compile(context.Background(), []byte(src), sandbox.TierStrategy, "v1", "h", time.Second)

	var rejected *sandbox.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, sandbox.CodeImportNotAllowed, rejected.Verdict.Violations[0].Code)
}

func TestCompileWrongSignature(t *testing.T) {
	src := "package strategy\nfunc Decide(x int) int { return x }\n"
	_, err := Compile(context.Background(), []byte(src), sandbox.TierStrategy, "v1", "h", time.Second)
	assert.Error(t, err)
}

func TestDecide_TimeoutPoisonsModule(t *testing.T) {
	src := `package strategy

import (
	"time"

	"fundengine/sdk"
)

func Decide(m sdk.Market) []sdk.Decision {
	begin := m.Now
	for time.Since(begin) < 2*time.Second {
	}
	return nil
}
`
	m, err := Compile(context.Background(), []byte(src), sandbox.TierStrategy, "slow", "h", 50*time.Millisecond)
	require.NoError(t, err)

	_, err = m.Decide(context.Background(), sdk.Market{Now: time.Now()})
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, m.Poisoned())

	_, err = m.Decide(context.Background(), sdk.Market{Now: time.Now()})
	assert.True(t, errors.Is(err, ErrPoisoned))
}

func TestDecide_PanicIsContained(t *testing.T) {
	src := `package strategy

import "fundengine/sdk"

func Decide(m sdk.Market) []sdk.Decision {
	return []sdk.Decision{{Symbol: m.Symbols[5]}}
}
`
	m, err := Compile(context.Background(), []byte(src), sandbox.TierStrategy, "boom", "h", time.Second)
	require.NoError(t, err)

	_, err = m.Decide(context.Background(), sdk.Market{})
	assert.True(t, errors.Is(err, ErrPanic), "%v", err)
	assert.False(t, m.Poisoned())
}

func TestAnalyzeWithReadOnlyQuerier(t *testing.T) {
	db := dbtest.New(t)
	now := time.Now().UTC()
	for _, pnl := range []string{"5", "-2", "3"} {
		require.NoError(t, db.Create(&model.Trade{TradeFields: model.TradeFields{
			Symbol: "BTCUSDT", Tag: "a", Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(1),
			ExitPrice: decimal.NewFromInt(1), OpenedAt: now, ClosedAt: now, NetPnL: decimal.RequireFromString(pnl),
			CloseReason: model.CloseReasonSignal,
		}}).Error)
	}

	src := `package analysis

import "fundengine/sdk"

func Analyze(q sdk.Querier) sdk.Report {
	rows, err := q.Query("SELECT id FROM trades WHERE net_pnl > 0")
	if err != nil {
		return sdk.Report{Notes: []string{err.Error()}}
	}
	return sdk.Report{Metrics: map[string]float64{"winners": float64(len(rows))}}
}
`
	m, err := Compile(context.Background(), []byte(src), sandbox.TierAnalysis, "a1", "h", time.Second)
	require.NoError(t, err)

	report, err := m.Analyze(context.Background(), NewReadOnlyQuerier(context.Background(), db, 0))
	require.NoError(t, err)
	assert.Empty(t, report.Notes)
	assert.Equal(t, 2.0, report.Metrics["winners"])
}

func TestReadOnlyQuerier_RejectsMutationsAtRuntime(t *testing.T) {
	db := dbtest.New(t)
	q := NewReadOnlyQuerier(context.Background(), db, 0)

	_, err := q.Query("DELETE FROM trades")
	var rejected *sandbox.RejectedError
	require.ErrorAs(t, err, &rejected)

	_, err = q.Query("SELECT 1\x00; DROP TABLE trades")
	require.ErrorAs(t, err, &rejected)
	assert.True(t, db.Migrator().HasTable("trades"))

	rows, err := q.Query("SELECT count(*) AS n FROM trades")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
