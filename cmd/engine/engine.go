package engine

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fundengine/src/database"
	"fundengine/src/executors"
	"fundengine/src/lockfile"
	"fundengine/src/server"
)

type Engine struct{}

// Open takes the single-instance lock, connects both databases and wires the engine.
// The returned release func undoes all of it.
func Open() (*App, func(), error) {
	lock, err := lockfile.Acquire(lockfile.GetConfig().Path)
	if err != nil {
		return nil, nil, err
	}

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		lock.Release()
		return nil, nil, err
	}

	// Initialize read-only database
	if err := database.InitReadOnlyDB(); err != nil {
		lock.Release()
		return nil, nil, err
	}

	app, err := Build(database.MainDB, database.ReadOnlyDB)
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	return app, func() {
		app.Close()
		lock.Release()
	}, nil
}

func (t *Engine) Start() error {
	config := GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	app, release, err := Open()
	if err != nil {
		logger.WithError(err).Error("Failed to open engine")
		return err
	}
	defer release()

	rep, err := app.Reconciler.Startup(ctx)
	if err != nil {
		logger.WithError(err).Error("Startup reconciliation failed")
		return err
	}
	logger.WithFields(map[string]interface{}{
		"equity":     rep.Equity,
		"recovered":  rep.Recovered,
		"aborted":    rep.Aborted,
		"unresolved": rep.Unresolved,
		"halt":       rep.Halt.String(),
	}).Info("Engine state restored")

	g, ctx := errgroup.WithContext(ctx)
	if app.Feed != nil {
		g.Go(func() error { return app.Feed.Run(ctx) })
	}
	g.Go(func() error { return executors.StartLoop(ctx, app.Tasks(config)...) })

	srvCfg := server.GetConfig()
	g.Go(func() error { return server.Serve(ctx, srvCfg, server.NewRouter(srvCfg, app.Routes())) })

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Engine stopped with error")
		return err
	}
	logger.Info("Engine stopped")
	return nil
}
