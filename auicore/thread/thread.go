package thread

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrJoinSelf   = errors.New("thread: join to the self thread")
	ErrNotStarted = errors.New("thread: not started")
)

var defaultLogger atomic.Pointer[zap.Logger]

// SetDefaultLogger sets the logger used by adopted threads and by threads
// created without WithLogger. Pass nil to silence them again.
func SetDefaultLogger(logger *zap.Logger) {
	defaultLogger.Store(logger)
}

func loggerOrDefault(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Message is a deferred callable executed on the owning thread.
type Message func()

type Option func(*Thread)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Thread) {
		t.logger = logger
	}
}

// WithLockOSThread controls whether the goroutine of a spawned thread is
// wired to its OS thread for its whole lifetime. Enabled by default.
func WithLockOSThread(lock bool) Option {
	return func(t *Thread) {
		t.lockOS = lock
	}
}

// Thread is a goroutine identity owning a FIFO queue of deferred callables.
// Objects bound to a Thread receive cross-thread slot invocations through
// this queue.
type Thread struct {
	id      uuid.UUID
	name    string
	fn      func(*Thread)
	logger  *zap.Logger
	lockOS  bool
	adopted bool

	gid atomic.Uint64

	mu        sync.Mutex
	queue     []Message
	exitHooks []func()
	exited    bool // guarded by mu
	wake      chan struct{}

	started     atomic.Bool
	interrupted atomic.Bool
	done        chan struct{}
}

func newThread(name string, fn func(*Thread), opts []Option) *Thread {
	t := &Thread{
		id:     uuid.New(),
		name:   name,
		fn:     fn,
		lockOS: true,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = loggerOrDefault(t.logger).With(zap.String("thread", t.String()))
	return t
}

// New creates a thread that runs fn once started.
func New(name string, fn func(t *Thread), opts ...Option) *Thread {
	return newThread(name, fn, opts)
}

// NewLooper creates and starts a thread that processes its queue until it is
// interrupted.
func NewLooper(name string, opts ...Option) *Thread {
	t := newThread(name, func(t *Thread) {
		t.Loop(context.Background())
	}, opts)
	t.Start()
	return t
}

func (t *Thread) ID() uuid.UUID {
	return t.id
}

func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) String() string {
	if t.name != "" {
		return t.name
	}
	return t.id.String()
}

// IsCurrent reports whether the calling goroutine is this thread.
func (t *Thread) IsCurrent() bool {
	gid := t.gid.Load()
	return gid != 0 && gid == goroutineID()
}

func (t *Thread) Start() {
	if t.adopted || t.fn == nil || !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

func (t *Thread) run() {
	if t.lockOS {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	gid := goroutineID()
	t.gid.Store(gid)
	registry.Store(gid, t)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("uncaught panic in thread",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
		registry.Delete(gid)
		t.gid.Store(0)
		t.runExitHooks()
		close(t.done)
	}()
	t.fn(t)
}

// Enqueue schedules msg on this thread. Safe to call from any goroutine.
func (t *Thread) Enqueue(msg Message) {
	if msg == nil {
		return
	}
	t.mu.Lock()
	t.queue = append(t.queue, msg)
	t.mu.Unlock()
	t.notify()
}

func (t *Thread) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel signalled whenever a message is enqueued or the
// thread is interrupted, for owners that run their own event loop.
func (t *Thread) Wake() <-chan struct{} {
	return t.wake
}

// PendingMessages returns the number of queued messages.
func (t *Thread) PendingMessages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// ProcessMessages runs every queued message in FIFO order, including
// messages enqueued while draining, and returns how many ran. It must be
// called from the owning goroutine; calls from elsewhere are ignored.
func (t *Thread) ProcessMessages() int {
	if !t.IsCurrent() {
		t.logger.Warn("ProcessMessages called from a foreign goroutine")
		return 0
	}
	processed := 0
	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()
		if len(batch) == 0 {
			return processed
		}
		for _, msg := range batch {
			t.invoke(msg)
			processed++
		}
	}
}

func (t *Thread) invoke(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in thread message",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	msg()
}

// Loop processes messages until ctx is done or the thread is interrupted.
func (t *Thread) Loop(ctx context.Context) {
	for {
		t.ProcessMessages()
		if t.IsInterrupted() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}
	}
}

func (t *Thread) Interrupt() {
	t.interrupted.Store(true)
	t.notify()
}

func (t *Thread) IsInterrupted() bool {
	return t.interrupted.Load()
}

func (t *Thread) ResetInterruptFlag() {
	t.interrupted.Store(false)
}

// AtExit registers fn to run when the thread finishes (or, for adopted
// threads, on Release). If the thread has already finished, fn runs right
// away on the calling goroutine.
func (t *Thread) AtExit(fn func()) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		fn()
		return
	}
	t.exitHooks = append(t.exitHooks, fn)
	t.mu.Unlock()
}

func (t *Thread) runExitHooks() {
	t.mu.Lock()
	hooks := t.exitHooks
	t.exitHooks = nil
	t.exited = true
	t.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Done is closed when a spawned thread has finished.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Join waits for a spawned thread to finish.
func (t *Thread) Join() error {
	if !t.started.Load() {
		return ErrNotStarted
	}
	if t.IsCurrent() {
		return ErrJoinSelf
	}
	<-t.done
	return nil
}
