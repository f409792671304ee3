package threadpool

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/aui-framework/aui-go/auicore/thread"
)

type workItem struct {
	task     Task
	priority Priority
	// done runs once the item has finished or was dropped. Parked items are
	// not done yet.
	done func()
}

func (w workItem) finish() {
	if w.done != nil {
		w.done()
	}
}

type worker struct {
	thread  *thread.Thread
	enabled bool // guarded by Pool.mu
}

// Pool runs tasks on a fixed set of worker threads. Workers drain the High
// queue before Medium and Medium before Low; tasks of one priority run in
// submission order.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   [priorityCount][]workItem
	tryLater []workItem
	workers  []*worker
	spawned  int
	idle     int
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	initialWorkers int
	logger         *zap.Logger
	meterProvider  metric.MeterProvider
	onError        func(error)
	metrics        poolMetrics
}

func New(opts ...Option) (*Pool, error) {
	p := &Pool{initialWorkers: defaultWorkers()}
	for _, opt := range opts {
		opt(p)
	}
	if p.initialWorkers < 1 {
		return nil, ErrNoWorkers
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	metrics, err := newPoolMetrics(p.meterProvider)
	if err != nil {
		return nil, err
	}
	p.metrics = metrics
	p.cond = sync.NewCond(&p.mu)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.mu.Lock()
	for i := 0; i < p.initialWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p, nil
}

func (p *Pool) spawnLocked() {
	p.spawned++
	w := &worker{enabled: true}
	w.thread = thread.New("threadpool #"+strconv.Itoa(p.spawned), func(th *thread.Thread) {
		go p.forwardWakeups(th)
		p.work(w)
	}, thread.WithLogger(p.logger))
	p.workers = append(p.workers, w)
	w.thread.Start()
}

// forwardWakeups turns messages enqueued on an idle worker into a pool
// wakeup, so the worker drains its own queue as well.
func (p *Pool) forwardWakeups(th *thread.Thread) {
	for {
		select {
		case <-th.Wake():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-th.Done():
			return
		}
	}
}

func (p *Pool) work(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.stopped || !w.enabled {
			return
		}
		if w.thread.PendingMessages() > 0 {
			p.mu.Unlock()
			w.thread.ProcessMessages()
			p.mu.Lock()
			continue
		}
		item, ok := p.popLocked()
		if !ok {
			p.idle++
			p.cond.Wait()
			p.idle--
			continue
		}
		p.mu.Unlock()
		p.execute(item)
		p.mu.Lock()
	}
}

func (p *Pool) popLocked() (workItem, bool) {
	for i := range p.queues {
		if len(p.queues[i]) > 0 {
			item := p.queues[i][0]
			p.queues[i][0] = workItem{}
			p.queues[i] = p.queues[i][1:]
			return item, true
		}
	}
	return workItem{}, false
}

func (p *Pool) execute(item workItem) {
	err := p.call(item.task)
	switch {
	case err == nil:
		add(p.metrics.executed, item.priority)
		item.finish()
	case errors.Is(err, ErrTryLater):
		add(p.metrics.retried, item.priority)
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			item.finish()
			return
		}
		p.tryLater = append(p.tryLater, item)
		p.mu.Unlock()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		add(p.metrics.abandoned, item.priority)
		p.logger.Debug("task abandoned",
			zap.Stringer("priority", item.priority),
			zap.Error(err))
		item.finish()
	default:
		add(p.metrics.failed, item.priority)
		fields := []zap.Field{zap.Stringer("priority", item.priority), zap.Error(err)}
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			fields = append(fields, zap.ByteString("stack", panicErr.Stack))
		}
		p.logger.Error("task failed", fields...)
		if p.onError != nil {
			p.onError(err)
		}
		item.finish()
	}
}

func (p *Pool) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(p.ctx)
}

// Run queues task and wakes an idle worker.
func (p *Pool) Run(task Task, priority Priority) error {
	return p.submit(workItem{task: task, priority: priority})
}

func (p *Pool) submit(item workItem) error {
	if !item.priority.valid() {
		return ErrUnknownPriority
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.queues[item.priority] = append(p.queues[item.priority], item)
	p.cond.Signal()
	return nil
}

// RunLaterTasks moves every task parked with ErrTryLater to the Low queue.
func (p *Pool) RunLaterTasks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tryLater) == 0 {
		return
	}
	for _, item := range p.tryLater {
		item.priority = Low
		p.queues[Low] = append(p.queues[Low], item)
	}
	p.tryLater = nil
	p.cond.Broadcast()
}

// Fence calls fn with a Runner and blocks until every task submitted through
// that Runner has finished or was dropped by Clear or Stop.
func (p *Pool) Fence(ctx context.Context, fn func(run Runner)) error {
	f := newFence()
	fn(func(task Task, priority Priority) error {
		f.add()
		if err := p.submit(workItem{task: task, priority: priority, done: f.release}); err != nil {
			f.release()
			return err
		}
		return nil
	})
	f.release()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops every queued and parked task that has not started yet.
func (p *Pool) Clear() {
	p.mu.Lock()
	dropped := p.takeAllLocked()
	p.mu.Unlock()
	for _, item := range dropped {
		item.finish()
	}
}

func (p *Pool) takeAllLocked() []workItem {
	var dropped []workItem
	for i := range p.queues {
		dropped = append(dropped, p.queues[i]...)
		p.queues[i] = nil
	}
	dropped = append(dropped, p.tryLater...)
	p.tryLater = nil
	return dropped
}

// SetWorkersCount grows or shrinks the pool. Removed workers finish their
// current task first.
func (p *Pool) SetWorkersCount(n int) error {
	if n < 1 {
		return ErrNoWorkers
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	for len(p.workers) < n {
		p.spawnLocked()
	}
	var retired []*worker
	if len(p.workers) > n {
		retired = append(retired, p.workers[n:]...)
		p.workers = p.workers[:n:n]
		for _, w := range retired {
			w.enabled = false
		}
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	joinWorkers(retired)
	return nil
}

func joinWorkers(workers []*worker) {
	for _, w := range workers {
		w.thread.Interrupt()
		// A worker retiring itself cannot wait for its own exit.
		_ = w.thread.Join()
	}
}

func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) IdleWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

func (p *Pool) PendingTaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.queues {
		n += len(p.queues[i])
	}
	return n
}

func (p *Pool) TryLaterTaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tryLater)
}

// Stop cancels the context of running tasks, drops queued work and waits
// for the workers to exit. Calling it again does nothing.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	dropped := p.takeAllLocked()
	workers := p.workers
	p.workers = nil
	p.cancel()
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, item := range dropped {
		item.finish()
	}
	joinWorkers(workers)
	p.logger.Debug("thread pool stopped", zap.Int("dropped", len(dropped)))
}

type fence struct {
	mu      sync.Mutex
	pending int
	closed  bool
	done    chan struct{}
}

func newFence() *fence {
	// The initial count is held by Fence itself until its callback returns.
	return &fence{pending: 1, done: make(chan struct{})}
}

func (f *fence) add() {
	f.mu.Lock()
	f.pending++
	f.mu.Unlock()
}

func (f *fence) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending--
	if f.pending == 0 && !f.closed {
		f.closed = true
		close(f.done)
	}
}
