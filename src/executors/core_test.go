package executors

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCore(t *testing.T) *Core {
	t.Helper()
	c := NewCore(16)
	t.Cleanup(c.Stop)
	return c
}

// Jobs queued behind a busy worker run in the order they were raised.
func TestCoreRunsJobsInRaiseOrder(t *testing.T) {
	c := newCore(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Do(ctx, "blocker", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(ctx, "job", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		require.Eventually(t, func() bool { return len(c.jobs) == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCoreNeverRunsTwoJobsAtOnce(t *testing.T) {
	c := newCore(t)
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(context.Background(), "mutation", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
}

func TestCoreRejectsReentry(t *testing.T) {
	c := newCore(t)
	var inner error
	err := c.Do(context.Background(), "outer", func(ctx context.Context) error {
		assert.True(t, Holding(ctx))
		inner = c.Do(ctx, "inner", func(context.Context) error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrReentrant)
	assert.False(t, Holding(context.Background()))
}

func TestCoreSurvivesPanickingJob(t *testing.T) {
	c := newCore(t)
	err := c.Do(context.Background(), "boom", func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, c.Do(context.Background(), "after", func(context.Context) error { return nil }))
}

func TestCorePropagatesJobError(t *testing.T) {
	c := newCore(t)
	want := errors.New("nope")
	assert.ErrorIs(t, c.Do(context.Background(), "fail", func(context.Context) error { return want }), want)
}

func TestCoreAnalysisFlagIsExclusive(t *testing.T) {
	c := newCore(t)
	ctx := context.Background()

	require.NoError(t, c.BeginAnalysis(ctx))
	assert.True(t, c.Analyzing())
	assert.ErrorIs(t, c.BeginAnalysis(ctx), ErrAnalysisInProgress)

	require.NoError(t, c.EndAnalysis(ctx))
	assert.False(t, c.Analyzing())
	require.NoError(t, c.BeginAnalysis(ctx))
}

func TestCoreStopped(t *testing.T) {
	c := NewCore(1)
	c.Stop()
	assert.ErrorIs(t, c.Do(context.Background(), "late", func(context.Context) error { return nil }), ErrStopped)
}

func TestStartLoopTicksUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks, failing int32

	done := make(chan error, 1)
	go func() {
		done <- StartLoop(ctx,
			Task{Name: "count", Period: 5 * time.Millisecond, Run: func(context.Context) error {
				atomic.AddInt32(&ticks, 1)
				return nil
			}},
			Task{Name: "fail", Period: 5 * time.Millisecond, Run: func(context.Context) error {
				atomic.AddInt32(&failing, 1)
				return errors.New("tick failed")
			}},
			Task{Name: "disabled", Period: 0},
		)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticks) >= 3 && atomic.LoadInt32(&failing) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

// A caller that gives up while its job is still queued gets ctx.Err() and the job is
// dropped.
func TestCoreDropsJobAbandonedInQueue(t *testing.T) {
	c := newCore(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), "blocker", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- c.Do(ctx, "queued", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return len(c.jobs) == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.NoError(t, c.Do(context.Background(), "after", func(context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

// Once a job has started, Do reports its outcome even if the caller's ctx ends midway.
func TestCoreWaitsForStartedJob(t *testing.T) {
	c := newCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inside := make(chan struct{})
	release := make(chan struct{})
	var committed atomic.Bool

	done := make(chan error, 1)
	go func() {
		done <- c.Do(ctx, "prepare", func(context.Context) error {
			close(inside)
			<-release
			committed.Store(true)
			return nil
		})
	}()
	<-inside
	cancel()

	select {
	case err := <-done:
		t.Fatalf("Do returned %v before the job finished", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-done)
	assert.True(t, committed.Load())
}
