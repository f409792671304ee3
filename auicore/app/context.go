package app

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/aui-framework/aui-go/auicore/disposable"
	"github.com/aui-framework/aui-go/auicore/scheduler"
	"github.com/aui-framework/aui-go/auicore/thread"
	"github.com/aui-framework/aui-go/auicore/threadpool"
)

var ErrClosed = errors.New("app: context is closed")

type Option func(*Context)

// WithLogger replaces the logger built from Config.Log.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Context) {
		c.meterProvider = provider
	}
}

// Context owns the default worker pool and the default scheduler of an
// application. Both are created on first use and torn down by Close.
type Context struct {
	cfg           Config
	logger        *zap.Logger
	meterProvider metric.MeterProvider
	main          *thread.Thread

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	pool      *threadpool.Pool
	sched     *scheduler.Scheduler
	schedLoop *thread.Thread
	cleanup   *disposable.CompositeDisposable
}

// New creates an application context and adopts the calling goroutine as
// the main thread.
func New(cfg Config, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Context{cfg: cfg, cleanup: disposable.NewCompositeDisposable()}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		c.logger = logger
	}
	thread.SetDefaultLogger(c.logger)
	c.main = thread.Current()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "parse log level")
		}
		zapCfg.Level = level
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build logger")
	}
	return logger, nil
}

func (c *Context) Config() Config {
	return c.cfg
}

func (c *Context) Logger() *zap.Logger {
	return c.logger
}

// MainThread is the thread that called New.
func (c *Context) MainThread() *thread.Thread {
	return c.main
}

// Pool returns the default worker pool. Tasks parked with ErrTryLater are
// re-queued every Config.RetrySweepInterval by a timer of the default
// scheduler.
func (c *Context) Pool() (*threadpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.pool != nil {
		return c.pool, nil
	}
	opts := []threadpool.Option{
		threadpool.WithLogger(c.logger.Named("threadpool")),
	}
	if c.cfg.ThreadPoolSize > 0 {
		opts = append(opts, threadpool.WithWorkers(c.cfg.ThreadPoolSize))
	}
	if c.meterProvider != nil {
		opts = append(opts, threadpool.WithMeterProvider(c.meterProvider))
	}
	pool, err := threadpool.New(opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create default thread pool")
	}
	sched := c.schedulerLocked()
	sweep := sched.Timer(c.cfg.RetrySweepInterval, pool.RunLaterTasks)
	c.cleanup.Add(sched.TimerDisposable(sweep))
	c.pool = pool
	c.logger.Debug("default thread pool created", zap.Int("workers", pool.WorkerCount()))
	return pool, nil
}

// Scheduler returns the default scheduler, which runs on its own thread.
func (c *Context) Scheduler() (*scheduler.Scheduler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.schedulerLocked(), nil
}

func (c *Context) schedulerLocked() *scheduler.Scheduler {
	if c.sched != nil {
		return c.sched
	}
	logger := c.logger.Named("scheduler")
	sched := scheduler.New(scheduler.WithLogger(logger))
	c.schedLoop = thread.New("scheduler", func(*thread.Thread) {
		sched.Loop(c.ctx)
	}, thread.WithLogger(logger))
	c.schedLoop.Start()
	c.sched = sched
	return sched
}

// Close stops the scheduler thread and the pool, then flushes the logger.
// Calling it again does nothing.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pool, schedLoop := c.pool, c.schedLoop
	c.mu.Unlock()

	var result error
	c.cleanup.Dispose()
	c.cancel()
	if schedLoop != nil {
		if err := schedLoop.Join(); err != nil {
			result = multierror.Append(result, pkgerrors.Wrap(err, "join scheduler thread"))
		}
	}
	if pool != nil {
		pool.Stop()
	}
	if err := c.logger.Sync(); err != nil && !isUnsyncable(err) {
		result = multierror.Append(result, pkgerrors.Wrap(err, "sync logger"))
	}
	return result
}

// isUnsyncable reports the errors fsync returns for terminals and pipes.
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
