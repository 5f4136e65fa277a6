package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fundengine/src/database/dbtest"
	"fundengine/src/model"
	"fundengine/src/notify"
	"fundengine/src/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const holdV1 = `package strategy

import "fundengine/sdk"

func Decide(m sdk.Market) []sdk.Decision { return nil }
`

const holdV2 = `package strategy

import "fundengine/sdk"

func Decide(m sdk.Market) []sdk.Decision {
	return []sdk.Decision{{Action: sdk.Close, Symbol: "BTCUSDT"}}
}
`

const forbidden = `package strategy

import (
	"os"

	"fundengine/sdk"
)

func Decide(m sdk.Market) []sdk.Decision {
	os.Exit(1)
	return nil
}
`

type fixture struct {
	loader *Loader
	repo   *repository.ModuleRepository
	rec    *notify.Recorder
	path   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	repo := repository.NewModuleRepository().WithDB(dbtest.New(t))
	rec := notify.NewRecorder(32)
	cfg := Config{
		StrategyPath:    filepath.Join(dir, "strategy.go"),
		AnalysisPath:    filepath.Join(dir, "analysis.go"),
		StrategyTimeout: time.Second,
	}
	l := New(cfg, repo, rec)
	l.Equity = func(context.Context) (decimal.Decimal, error) { return decimal.NewFromInt(1000), nil }
	return fixture{loader: l, repo: repo, rec: rec, path: cfg.StrategyPath}
}

func TestResolvePausedWhenNothingAvailable(t *testing.T) {
	f := newFixture(t)

	res, err := f.loader.Resolve(context.Background(), model.ModuleKindStrategy)
	require.NoError(t, err)
	assert.True(t, res.Paused())
	assert.Equal(t, SourcePaused, res.Source)
	assert.NotEmpty(t, res.Reason)
}

func TestResolveFromFileRegistersDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(f.path, []byte(holdV1), 0o644))

	res, err := f.loader.Resolve(ctx, model.ModuleKindStrategy)
	require.NoError(t, err)
	require.False(t, res.Paused())
	assert.Equal(t, SourceFilesystem, res.Source)
	assert.True(t, res.EquityAtDeploy.Equal(decimal.NewFromInt(1000)))

	// A second resolve of the same bytes reuses the row and the compiled module.
	again, err := f.loader.Resolve(ctx, model.ModuleKindStrategy)
	require.NoError(t, err)
	assert.Equal(t, res.DeployedID, again.DeployedID)
	assert.Same(t, res.Module, again.Module)

	rows, err := f.repo.ListByKind(ctx, model.ModuleKindStrategy, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestResolveFallsBackToDeployedWhenFileRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.loader.Deploy(ctx, model.ModuleKindStrategy, []byte(holdV1), "v1", "first", model.ModuleSourceOperator)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.path, []byte(forbidden), 0o644))

	res, err := f.loader.Resolve(ctx, model.ModuleKindStrategy)
	require.NoError(t, err)
	require.False(t, res.Paused())
	assert.Equal(t, SourceDeployed, res.Source)
	assert.Equal(t, "v1", res.Version)

	// The rejection is reported once per file hash.
	_, err = f.loader.Resolve(ctx, model.ModuleKindStrategy)
	require.NoError(t, err)
	var validations int
	for _, e := range f.rec.Drain() {
		if e.Kind == notify.KindValidation {
			validations++
		}
	}
	assert.Equal(t, 1, validations)
}

func TestDeployWritesFileAtomically(t *testing.T) {
	f := newFixture(t)

	row, err := f.loader.Deploy(context.Background(), model.ModuleKindStrategy, []byte(holdV2), "v2", "close all", model.ModuleSourcePromotion)
	require.NoError(t, err)
	assert.Equal(t, Hash([]byte(holdV2)), row.Hash)

	got, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, holdV2, string(got))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(f.path), ".unit-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDeployRejectsInvalidUnit(t *testing.T) {
	f := newFixture(t)

	_, err := f.loader.Deploy(context.Background(), model.ModuleKindStrategy, []byte(forbidden), "bad", "", model.ModuleSourceOperator)
	require.Error(t, err)
	_, statErr := os.Stat(f.path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRollbackRestoresPreviousVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.loader.Deploy(ctx, model.ModuleKindStrategy, []byte(holdV1), "v1", "", model.ModuleSourceOperator)
	require.NoError(t, err)
	v2, err := f.loader.Deploy(ctx, model.ModuleKindStrategy, []byte(holdV2), "v2", "", model.ModuleSourceOperator)
	require.NoError(t, err)

	restored, err := f.loader.Rollback(ctx, model.ModuleKindStrategy, "loss threshold")
	require.NoError(t, err)
	assert.Equal(t, "v1", restored.Version)
	assert.Equal(t, model.ModuleSourceRollback, restored.Source)

	got, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, holdV1, string(got))

	res, err := f.loader.Resolve(ctx, model.ModuleKindStrategy)
	require.NoError(t, err)
	assert.Equal(t, restored.ID, res.DeployedID)

	rows, err := f.repo.ListByKind(ctx, model.ModuleKindStrategy, 10)
	require.NoError(t, err)
	for _, r := range rows {
		if r.ID == v2.ID {
			assert.Equal(t, model.ModuleStatusRolledBack, r.Status)
		}
	}

	// Only v1 remains behind the restored copy, and it carries the same code.
	_, err = f.loader.Rollback(ctx, model.ModuleKindStrategy, "again")
	assert.ErrorIs(t, err, ErrNoPrevious)
}

func TestRollbackWithoutDeployment(t *testing.T) {
	f := newFixture(t)
	_, err := f.loader.Rollback(context.Background(), model.ModuleKindStrategy, "x")
	assert.ErrorIs(t, err, ErrNoCurrent)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(f.path, []byte(holdV1), 0o644))

	f.loader.Pause(model.ModuleKindStrategy, "operator")
	f.loader.Pause(model.ModuleKindStrategy, "operator")
	res, err := f.loader.Resolve(ctx, model.ModuleKindStrategy)
	require.NoError(t, err)
	assert.True(t, res.Paused())

	f.loader.Resume(model.ModuleKindStrategy)
	res, err = f.loader.Resolve(ctx, model.ModuleKindStrategy)
	require.NoError(t, err)
	assert.False(t, res.Paused())

	var paused int
	for _, e := range f.rec.Drain() {
		if e.Kind == notify.KindPaused {
			paused++
		}
	}
	assert.Equal(t, 1, paused)
}
