package engine

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/candidate"
	"fundengine/src/connectors"
	"fundengine/src/controller"
	"fundengine/src/executors"
	"fundengine/src/handler"
	"fundengine/src/ledger"
	"fundengine/src/loader"
	"fundengine/src/market"
	"fundengine/src/notify"
	"fundengine/src/reconcile"
	"fundengine/src/repository"
	"fundengine/src/risk"
	"fundengine/src/server"
)

// App holds every wired component of one engine process.
type App struct {
	Core       *executors.Core
	Guard      *risk.Guard
	Ledger     *ledger.Ledger
	Book       *market.PriceBook
	Feed       *market.WSFeed
	Loader     *loader.Loader
	Executor   *executors.Executor
	RiskCheck  *executors.RiskCheck
	Monitor    *executors.Monitor
	Scanner    *controller.Scanner
	Analyst    *controller.Analyst
	Candidates *candidate.Manager
	Reconciler *reconcile.Reconciler
	Dispatcher *notify.Dispatcher

	execCfg executors.Config
}

// Build wires the engine on top of already initialized connections. The feed is nil
// when MARKET_WS_URL is unset.
func Build(db, readOnly *gorm.DB) (*App, error) {
	execCfg := executors.GetConfig()
	ledgerCfg := ledger.GetConfig()
	limits := risk.GetConfig().Limits()
	ctlCfg := controller.GetConfig()
	marketCfg := market.GetConfig()

	pub := notify.NewFromConfig(notify.GetConfig())
	exceptions := repository.NewExceptionRepository().WithDB(db)
	halts := repository.NewHaltRepository().WithDB(db)
	modules := repository.NewModuleRepository().WithDB(db)

	guard := risk.NewGuard(halts, pub)
	l := ledger.New(db, ledgerCfg, limits, guard)

	book := market.NewPriceBook(marketCfg.History)
	var feed *market.WSFeed
	if marketCfg.WSURL != "" {
		feed = market.NewWSFeed(marketCfg, book)
	} else {
		logger.WithField("component", "engine").Warn("MARKET_WS_URL not set, prices will not update")
	}

	exchange, err := connectors.New(connectors.GetConfig(), book, ledgerCfg.Fee(), ledgerCfg.Slippage())
	if err != nil {
		pub.Stop()
		return nil, err
	}

	ld := loader.New(loader.GetConfig(), modules, pub)
	ld.Equity = l.Equity

	core := executors.NewCore(execCfg.QueueSize)
	check := executors.NewRiskCheck(core, l, guard, modules, ld)
	exec := executors.NewExecutor(execCfg, core, l, exchange, book, repository.NewSignalRepository().WithDB(db), pub).
		WithRiskCheck(check).
		WithExceptions(exceptions, ctlCfg.Service)

	sim := candidate.Sim{FeeRate: ledgerCfg.Fee(), Slippage: ledgerCfg.Slippage(), Limits: limits}
	candidates := candidate.NewManager(candidate.GetConfig(), sim, repository.NewCandidateRepository().WithDB(db),
		ld, ld, l, book, exec, pub)

	rec := reconcile.New(reconcile.GetConfig(), l, exchange, core, guard, halts,
		repository.NewFundRepository().WithDB(db), ld, check, pub).
		WithExceptions(exceptions, ctlCfg.Service)

	return &App{
		Core:       core,
		Guard:      guard,
		Ledger:     l,
		Book:       book,
		Feed:       feed,
		Loader:     ld,
		Executor:   exec,
		RiskCheck:  check,
		Monitor:    executors.NewMonitor(execCfg, exec, book, check),
		Scanner:    controller.NewScanner(ctlCfg, ld, l, book, exec, repository.NewSignalRepository().WithDB(db), pub, exceptions),
		Analyst:    controller.NewAnalyst(ctlCfg, ld, readOnly, exceptions),
		Candidates: candidates,
		Reconciler: rec,
		Dispatcher: pub,
		execCfg:    execCfg,
	}, nil
}

// Close stops the execution worker and drains pending notifications.
func (a *App) Close() {
	a.Core.Stop()
	a.Dispatcher.Stop()
}

// Routes maps every operator surface onto its component.
func (a *App) Routes() server.Routes {
	return server.Routes{
		Status:   handler.StatusHandler(a.Guard, a.Loader, a.Ledger),
		Analysis: handler.AnalysisHandler(a.Analyst),

		Decisions: handler.DecisionsHandler(a.Executor, a.Executor),
		Capital:   handler.CapitalHandler(a.Executor),

		Pause:         handler.PauseHandler(a.Loader),
		Resume:        handler.ResumeHandler(a.Loader),
		Halt:          handler.HaltHandler(a.Guard),
		Release:       handler.ReleaseHandler(a.Guard),
		Reconcile:     handler.ReconcileHandler(a.Reconciler),
		EmergencyStop: handler.EmergencyStopHandler(a.Executor),
		AnalysisBegin: handler.AnalysisBeginHandler(a.Core),
		AnalysisEnd:   handler.AnalysisEndHandler(a.Core),

		ValidateModule: handler.ValidateModuleHandler(),
		DeployModule:   handler.DeployModuleHandler(a.Loader),

		ListCandidates:   handler.ListCandidatesHandler(a.Candidates),
		CreateCandidate:  handler.CreateCandidateHandler(a.Candidates),
		CancelCandidate:  handler.CancelCandidateHandler(a.Candidates),
		PromoteCandidate: handler.PromoteCandidateHandler(a.Candidates),
	}
}

// Tasks lists the periodic jobs of the engine.
func (a *App) Tasks(cfg *Config) []executors.Task {
	return []executors.Task{
		{Name: "scan", Period: a.execCfg.ScanPeriod, Run: func(ctx context.Context) error {
			_, err := a.Scanner.Scan(ctx)
			return err
		}},
		{Name: "monitor", Period: a.execCfg.MonitorPeriod, Run: func(ctx context.Context) error {
			_, err := a.Monitor.Pass(ctx)
			return err
		}},
		{Name: "candidate-scan", Period: cfg.CandidatePeriod, Run: func(ctx context.Context) error {
			_, err := a.Candidates.Scan(ctx)
			return err
		}},
		{Name: "candidate-monitor", Period: a.execCfg.MonitorPeriod, Run: func(ctx context.Context) error {
			_, err := a.Candidates.Monitor(ctx)
			return err
		}},
		{Name: "candidate-purge", Period: cfg.PurgePeriod, Run: func(ctx context.Context) error {
			_, err := a.Candidates.Purge(ctx)
			return err
		}},
		{Name: "reconcile", Period: a.execCfg.ReconcilePeriod, Run: func(ctx context.Context) error {
			_, err := a.Reconciler.Run(ctx)
			return err
		}},
	}
}
