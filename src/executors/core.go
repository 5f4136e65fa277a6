package executors

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logger "github.com/sirupsen/logrus"

	"fundengine/src/metrics"
)

var (
	// ErrReentrant is returned when a job already holding the execution lock asks for it
	// again. Queuing would deadlock the single worker.
	ErrReentrant          = errors.New("executors: execution lock is already held by this call path")
	ErrAnalysisInProgress = errors.New("executors: an analysis cycle already holds the live strategy")
	ErrStopped            = errors.New("executors: core stopped")
)

type heldKey struct{}

// Holding reports whether ctx belongs to a job running under the execution lock.
func Holding(ctx context.Context) bool {
	_, ok := ctx.Value(heldKey{}).(string)
	return ok
}

// Job states. A queued job is either started by the worker or abandoned by its caller,
// never both.
const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	name  string
	fn    func(ctx context.Context) error
	done  chan error
	state *atomic.Int32
}

// Core serializes every mutation of the live ledger. Jobs run one at a time on a single
// worker in the order they were queued.
type Core struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	stopOnce  sync.Once
	analyzing atomic.Bool
}

func NewCore(queueSize int) *Core {
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Core{
		jobs: make(chan job, queueSize),
		quit: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.work()
	return c
}

func (c *Core) work() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case j := <-c.jobs:
			metrics.QueueDepth.Set(float64(len(c.jobs)))
			if !j.state.CompareAndSwap(jobQueued, jobStarted) {
				continue
			}
			j.done <- c.run(j)
		}
	}
}

func (c *Core) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"component": "executors.Core",
				"job":       j.name,
				"stack":     string(debug.Stack()),
			}).Error("job panicked")
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	if j.ctx.Err() != nil {
		return j.ctx.Err()
	}
	return j.fn(context.WithValue(j.ctx, heldKey{}, j.name))
}

// Do queues fn behind every job raised before it and waits for its result. A caller
// whose ctx ends while the job is still queued gets ctx.Err() and the job never runs;
// once the job has started Do waits for it, so a nil error always means fn ran and
// whatever it committed is visible to the caller.
func (c *Core) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if Holding(ctx) {
		return ErrReentrant
	}
	j := job{ctx: ctx, name: name, fn: fn, done: make(chan error, 1), state: new(atomic.Int32)}

	select {
	case c.jobs <- j:
		metrics.QueueDepth.Set(float64(len(c.jobs)))
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
	}

	select {
	case err := <-j.done:
		return err
	case <-c.quit:
		return ErrStopped
	}
}

// Stop ends the worker after the running job. Queued jobs are dropped.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	c.wg.Wait()
}

// BeginAnalysis raises the analyzing flag as a queued job, so it never interleaves with a
// monitor pass already in the lock.
func (c *Core) BeginAnalysis(ctx context.Context) error {
	return c.Do(ctx, "begin-analysis", func(ctx context.Context) error {
		if !c.analyzing.CompareAndSwap(false, true) {
			return ErrAnalysisInProgress
		}
		return nil
	})
}

func (c *Core) EndAnalysis(ctx context.Context) error {
	return c.Do(ctx, "end-analysis", func(ctx context.Context) error {
		c.analyzing.Store(false)
		return nil
	})
}

// Analyzing is only stable when read from inside a job.
func (c *Core) Analyzing() bool {
	return c.analyzing.Load()
}
