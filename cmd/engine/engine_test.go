package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundengine/src/database/dbtest"
	"fundengine/src/risk"
	"fundengine/src/server"
)

func buildApp(t *testing.T) *App {
	t.Setenv("MARKET_WS_URL", "")
	t.Setenv("EXCHANGE", "paper")
	t.Setenv("STARTING_CAPITAL", "5000")

	db := dbtest.New(t)
	app, err := Build(db, db)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestBuildWithoutFeed(t *testing.T) {
	app := buildApp(t)

	assert.Nil(t, app.Feed)
	assert.NotNil(t, app.Monitor)
	assert.NotNil(t, app.Candidates)

	tasks := app.Tasks(&Config{CandidatePeriod: 1, PurgePeriod: 1})
	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		assert.NotNil(t, task.Run)
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []string{"scan", "monitor", "candidate-scan", "candidate-monitor", "candidate-purge", "reconcile"}, names)
}

func TestBuildRejectsUnknownExchange(t *testing.T) {
	t.Setenv("EXCHANGE", "nowhere")
	db := dbtest.New(t)

	_, err := Build(db, db)
	assert.Error(t, err)
}

func TestStartupSeedsCapital(t *testing.T) {
	app := buildApp(t)

	rep, err := app.Reconciler.Startup(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
	assert.True(t, rep.Equity.Equal(decimal.NewFromInt(5000)), rep.Equity.String())
	assert.Equal(t, risk.CodeNone, rep.Halt.Code)
}

func TestRoutesRequireOperator(t *testing.T) {
	app := buildApp(t)
	router := server.NewRouter(&server.Config{}, app.Routes())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
