package executors

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Task is one periodic job of the engine.
type Task struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

// StartLoop ticks every task on its own period until ctx ends. A failing tick is logged
// and the task keeps its cadence; a tick still running when the next one is due is not
// doubled up.
func StartLoop(ctx context.Context, tasks ...Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		if t.Period <= 0 || t.Run == nil {
			logger.WithField("task", t.Name).Warn("task disabled")
			continue
		}
		g.Go(func() error {
			return runTask(ctx, t)
		})
	}
	return g.Wait()
}

func runTask(ctx context.Context, t Task) error {
	ticker := time.NewTicker(t.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.WithField("task", t.Name).Info("loop stopped")
			return nil

		case <-ticker.C:
			started := time.Now()
			if err := t.Run(ctx); err != nil {
				logger.WithField("task", t.Name).WithError(err).Error("tick failed")
				continue
			}
			logger.WithFields(map[string]interface{}{
				"task":    t.Name,
				"elapsed": time.Since(started).String(),
			}).Debug("loop tick")
		}
	}
}
