package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aui-framework/aui-go/auicore/thread"
	"github.com/aui-framework/aui-go/auicore/threadpool"
)

func newContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	c, err := New(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	return c
}

func TestNew_AdoptsMainThread(t *testing.T) {
	defer thread.Release()
	c := newContext(t, DefaultConfig())
	assert.True(t, c.MainThread().IsCurrent())
	assert.Equal(t, DefaultConfig(), c.Config())
	assert.NotNil(t, c.Logger())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThreadPoolSize = -2
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_RejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "loud"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "parse log level")
}

func TestContext_PoolAndSchedulerAreShared(t *testing.T) {
	defer thread.Release()
	cfg := DefaultConfig()
	cfg.ThreadPoolSize = 2
	c := newContext(t, cfg)

	pool, err := c.Pool()
	require.NoError(t, err)
	again, err := c.Pool()
	require.NoError(t, err)
	assert.Same(t, pool, again)
	assert.Equal(t, 2, pool.WorkerCount())

	sched, err := c.Scheduler()
	require.NoError(t, err)
	schedAgain, err := c.Scheduler()
	require.NoError(t, err)
	assert.Same(t, sched, schedAgain)
}

func TestContext_SchedulerRunsOnItsOwnThread(t *testing.T) {
	defer thread.Release()
	c := newContext(t, DefaultConfig())
	sched, err := c.Scheduler()
	require.NoError(t, err)

	name := make(chan string, 1)
	sched.Enqueue(0, func() {
		name <- thread.Current().Name()
	})
	select {
	case got := <-name:
		assert.Equal(t, "scheduler", got)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}
}

func TestContext_SweepRetriesParkedTasks(t *testing.T) {
	defer thread.Release()
	cfg := DefaultConfig()
	cfg.ThreadPoolSize = 1
	cfg.RetrySweepInterval = 10 * time.Millisecond
	c := newContext(t, cfg)
	pool, err := c.Pool()
	require.NoError(t, err)

	var attempts atomic.Int32
	result := threadpool.Async(pool, threadpool.Medium, func(context.Context) (int32, error) {
		if n := attempts.Add(1); n < 3 {
			return 0, threadpool.ErrTryLater
		}
		return attempts.Load(), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := result.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), value)
}

func TestContext_Close(t *testing.T) {
	defer thread.Release()
	c, err := New(DefaultConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	pool, err := c.Pool()
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, pool.Run(func(context.Context) error { return nil }, threadpool.High), threadpool.ErrStopped)
	_, err = c.Pool()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Scheduler()
	assert.ErrorIs(t, err, ErrClosed)
}
