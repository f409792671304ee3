package threadpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aui-framework/aui-go/auicore/thread"
)

const waitFor = 2 * time.Second

func newPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

// occupy blocks every worker of p until the returned func is called.
func occupy(t *testing.T, p *Pool) func() {
	t.Helper()
	release := make(chan struct{})
	var started sync.WaitGroup
	for i := 0; i < p.WorkerCount(); i++ {
		started.Add(1)
		require.NoError(t, p.Run(func(context.Context) error {
			started.Done()
			<-release
			return nil
		}, High))
	}
	started.Wait()
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestNew_RejectsNonPositiveWorkers(t *testing.T) {
	_, err := New(WithWorkers(0))
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestNew_DefaultWorkers(t *testing.T) {
	p := newPool(t)
	assert.Equal(t, defaultWorkers(), p.WorkerCount())
	assert.GreaterOrEqual(t, p.WorkerCount(), 1)
}

func TestRun_ExecutesTask(t *testing.T) {
	p := newPool(t, WithWorkers(2))
	done := make(chan struct{})
	require.NoError(t, p.Run(func(context.Context) error {
		close(done)
		return nil
	}, Medium))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("task did not run")
	}
}

func TestRun_UnknownPriority(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	err := p.Run(func(context.Context) error { return nil }, Priority(7))
	assert.ErrorIs(t, err, ErrUnknownPriority)
}

func TestRun_DrainsHigherPrioritiesFirst(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	release := occupy(t, p)

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	err := p.Fence(context.Background(), func(run Runner) {
		require.NoError(t, run(record("low-1"), Low))
		require.NoError(t, run(record("medium"), Medium))
		require.NoError(t, run(record("low-2"), Low))
		require.NoError(t, run(record("high"), High))
		assert.Equal(t, 4, p.PendingTaskCount())
		release()
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"high", "medium", "low-1", "low-2"}, order)
}

func TestRun_TaskMaySubmitTasks(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	done := make(chan struct{})
	require.NoError(t, p.Run(func(context.Context) error {
		return p.Run(func(context.Context) error {
			close(done)
			return nil
		}, Low)
	}, High))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("nested task did not run")
	}
}

func TestRunLaterTasks_RetriesParkedTask(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	var attempts atomic.Int32
	err := p.Fence(context.Background(), func(run Runner) {
		require.NoError(t, run(func(context.Context) error {
			if attempts.Add(1) == 1 {
				return ErrTryLater
			}
			return nil
		}, High))
		assert.Eventually(t, func() bool {
			return p.TryLaterTaskCount() == 1
		}, waitFor, time.Millisecond)
		p.RunLaterTasks()
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 0, p.TryLaterTaskCount())
}

func TestFence_ReturnsImmediatelyWithoutTasks(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	require.NoError(t, p.Fence(context.Background(), func(Runner) {}))
}

func TestFence_WaitsForEveryTask(t *testing.T) {
	p := newPool(t, WithWorkers(4))
	var finished atomic.Int32
	err := p.Fence(context.Background(), func(run Runner) {
		for i := 0; i < 100; i++ {
			require.NoError(t, run(func(context.Context) error {
				time.Sleep(time.Millisecond)
				finished.Add(1)
				return nil
			}, Medium))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, int32(100), finished.Load())
}

func TestFence_GivesUpWhenContextDone(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	release := occupy(t, p)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Fence(ctx, func(run Runner) {
		require.NoError(t, run(func(context.Context) error { return nil }, Low))
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClear_DropsQueuedTasksAndReleasesFence(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	release := occupy(t, p)
	defer release()

	var ran atomic.Bool
	queued := make(chan struct{})
	fenced := make(chan error, 1)
	go func() {
		fenced <- p.Fence(context.Background(), func(run Runner) {
			_ = run(func(context.Context) error {
				ran.Store(true)
				return nil
			}, Low)
			close(queued)
		})
	}()
	<-queued
	p.Clear()

	select {
	case err := <-fenced:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("fence was not released by Clear")
	}
	assert.Equal(t, 0, p.PendingTaskCount())
	release()
	assert.False(t, ran.Load())
}

func TestExecute_ReportsFailuresAndPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var mu sync.Mutex
	var reported []error
	p := newPool(t, WithWorkers(1), WithLogger(zap.New(core)), WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))

	failure := errors.New("failure")
	err := p.Fence(context.Background(), func(run Runner) {
		require.NoError(t, run(func(context.Context) error { return failure }, High))
		require.NoError(t, run(func(context.Context) error { panic("boom") }, High))
	})
	require.NoError(t, err)

	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], failure)
	var panicErr *PanicError
	require.ErrorAs(t, reported[1], &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.Equal(t, 2, logs.FilterMessage("task failed").Len())

	survived := make(chan struct{})
	require.NoError(t, p.Run(func(context.Context) error {
		close(survived)
		return nil
	}, Low))
	select {
	case <-survived:
	case <-time.After(waitFor):
		t.Fatal("worker did not survive the panic")
	}
}

func TestExecute_CountsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p := newPool(t, WithWorkers(2), WithMeterProvider(provider))

	var retried atomic.Bool
	err := p.Fence(context.Background(), func(run Runner) {
		require.NoError(t, run(func(context.Context) error { return nil }, High))
		require.NoError(t, run(func(context.Context) error { return nil }, Low))
		require.NoError(t, run(func(context.Context) error { return errors.New("failure") }, Medium))
		require.NoError(t, run(func(context.Context) error {
			if retried.CompareAndSwap(false, true) {
				return ErrTryLater
			}
			return nil
		}, High))
		assert.Eventually(t, func() bool {
			return p.TryLaterTaskCount() == 1
		}, waitFor, time.Millisecond)
		p.RunLaterTasks()
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(3), totals["threadpool.tasks.executed"])
	assert.Equal(t, int64(1), totals["threadpool.tasks.failed"])
	assert.Equal(t, int64(1), totals["threadpool.tasks.retried"])
}

func TestStop_InterruptsRunningAndDropsQueuedTasks(t *testing.T) {
	p, err := New(WithWorkers(1))
	require.NoError(t, err)

	started := make(chan struct{})
	interrupted := make(chan error, 1)
	require.NoError(t, p.Run(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		interrupted <- ctx.Err()
		return ctx.Err()
	}, High))
	<-started
	queued := Async(p, Low, func(context.Context) (int, error) { return 1, nil })

	p.Stop()
	p.Stop()

	assert.ErrorIs(t, <-interrupted, context.Canceled)
	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDropped)
	assert.ErrorIs(t, p.Run(func(context.Context) error { return nil }, High), ErrStopped)
	assert.Equal(t, 0, p.WorkerCount())
}

func TestSetWorkersCount(t *testing.T) {
	p := newPool(t, WithWorkers(1))

	require.NoError(t, p.SetWorkersCount(3))
	assert.Equal(t, 3, p.WorkerCount())
	assert.Eventually(t, func() bool {
		return p.IdleWorkerCount() == 3
	}, waitFor, time.Millisecond)

	require.NoError(t, p.SetWorkersCount(1))
	assert.Equal(t, 1, p.WorkerCount())
	assert.Eventually(t, func() bool {
		return p.IdleWorkerCount() == 1
	}, waitFor, time.Millisecond)

	assert.ErrorIs(t, p.SetWorkersCount(0), ErrNoWorkers)
	require.NoError(t, p.Fence(context.Background(), func(run Runner) {
		require.NoError(t, run(func(context.Context) error { return nil }, Low))
	}))
}

func TestWorker_ProcessesItsThreadMessages(t *testing.T) {
	p := newPool(t, WithWorkers(1))
	workerThread := make(chan *thread.Thread, 1)
	require.NoError(t, p.Run(func(context.Context) error {
		workerThread <- thread.Current()
		return nil
	}, High))
	th := <-workerThread
	assert.Equal(t, "threadpool #1", th.Name())

	onWorker := make(chan bool, 1)
	th.Enqueue(func() { onWorker <- th.IsCurrent() })
	select {
	case ok := <-onWorker:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("idle worker did not process its message")
	}
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "priority(9)", Priority(9).String())
}
