package scheduler

import (
	"container/heap"
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"go.uber.org/zap"

	"github.com/aui-framework/aui-go/auicore/disposable"
)

type IterationFlag uint8

const (
	// DontBlockInfinitely makes Iteration return false instead of waiting
	// when no task is queued.
	DontBlockInfinitely IterationFlag = 1 << iota
	// DontBlockTimed makes Iteration return false instead of waiting for a
	// task that is not due yet.
	DontBlockTimed

	DontBlock = DontBlockInfinitely | DontBlockTimed
)

// Timer is a repeating task. Each firing is scheduled one period after the
// previous scheduled firing, so late runs do not shift the timer.
type Timer struct {
	period   time.Duration
	next     time.Time
	callback func()
	removed  atomic.Bool
}

func (t *Timer) Period() time.Duration {
	return t.period
}

// TimerHandle refers to a timer without keeping it alive.
type TimerHandle = weak.Pointer[Timer]

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

type Scheduler struct {
	mu     sync.Mutex
	tasks  taskQueue
	timers map[*Timer]struct{}
	seq    uint64

	wake     chan struct{}
	notified uint64 // guarded by mu
	stopped  bool   // guarded by mu

	clock  Clock
	logger *zap.Logger
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		timers: make(map[*Timer]struct{}),
		wake:   make(chan struct{}, 1),
		clock:  realClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) pushLocked(t *task) {
	s.seq++
	t.seq = s.seq
	heap.Push(&s.tasks, t)
}

// Enqueue runs fn once delay has elapsed. Tasks due at the same time run in
// the order they were enqueued.
func (s *Scheduler) Enqueue(delay time.Duration, fn func()) {
	s.mu.Lock()
	s.pushLocked(&task{when: s.clock.Now().Add(delay), fn: fn})
	s.mu.Unlock()
	s.Notify()
}

// MinTimerPeriod is the shortest period a timer runs with. Shorter periods
// are raised to it.
const MinTimerPeriod = time.Millisecond

// Timer calls fn every period, starting one period from now.
func (s *Scheduler) Timer(period time.Duration, fn func()) TimerHandle {
	tm := &Timer{period: max(period, MinTimerPeriod), callback: fn}
	s.mu.Lock()
	tm.next = s.clock.Now().Add(tm.period)
	s.timers[tm] = struct{}{}
	s.scheduleTimerLocked(tm)
	s.mu.Unlock()
	s.Notify()
	return weak.Make(tm)
}

func (s *Scheduler) scheduleTimerLocked(tm *Timer) {
	s.pushLocked(&task{when: tm.next, timer: weak.Make(tm), timed: true})
}

// TimerDisposable returns a disposable that removes the timer of h.
func (s *Scheduler) TimerDisposable(h TimerHandle) disposable.Disposable {
	return disposable.NewDisposable(func() {
		s.RemoveTimer(h)
	})
}

// RemoveTimer stops the timer of h and drops its queued firing. It may be
// called from the timer's own callback.
func (s *Scheduler) RemoveTimer(h TimerHandle) {
	tm := h.Value()
	if tm == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tm.removed.Store(true)
	delete(s.timers, tm)
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.timed && t.timer.Value() == tm {
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
	heap.Init(&s.tasks)
}

// Iteration runs the earliest due task and reports whether it did. Unless
// flags say otherwise it waits once for a task to become due, or for
// Notify, before giving up. It does not wait once Stop has been called and
// no Loop has consumed the stop yet.
func (s *Scheduler) Iteration(flags IterationFlag) bool {
	waited := false
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			if waited || s.stopped || flags&DontBlockInfinitely != 0 {
				s.mu.Unlock()
				return false
			}
			seen := s.notified
			s.mu.Unlock()
			s.block(0, seen)
			waited = true
			continue
		}
		head := s.tasks[0]
		if now := s.clock.Now(); head.when.After(now) {
			if waited || s.stopped || flags&DontBlockTimed != 0 {
				s.mu.Unlock()
				return false
			}
			seen := s.notified
			s.mu.Unlock()
			s.block(head.when.Sub(now), seen)
			waited = true
			continue
		}
		heap.Pop(&s.tasks)
		var tm *Timer
		if head.timed {
			tm = head.timer.Value()
			if tm == nil || tm.removed.Load() {
				s.mu.Unlock()
				continue
			}
		}
		s.mu.Unlock()

		if tm != nil {
			s.fireTimer(tm)
		} else {
			s.run(head.fn)
		}
		return true
	}
}

func (s *Scheduler) fireTimer(tm *Timer) {
	s.run(tm.callback)

	s.mu.Lock()
	defer s.mu.Unlock()
	if tm.removed.Load() {
		return
	}
	tm.next = tm.next.Add(tm.period)
	s.scheduleTimerLocked(tm)
}

func (s *Scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled task",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// block waits until Notify is called after seen was read, or for d when d
// is positive. A token left in wake by an earlier Notify does not end the
// wait.
func (s *Scheduler) block(d time.Duration, seen uint64) {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-s.wake:
			s.mu.Lock()
			notified := s.notified != seen
			s.mu.Unlock()
			if notified {
				return
			}
		case <-timeout:
			return
		}
	}
}

// Notify wakes a blocked Iteration so that it re-evaluates the queue.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	s.notified++
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Loop runs iterations until Stop is called or ctx is done. A Stop that
// happened before Loop started ends it right away; the stop is consumed so
// the scheduler can be looped again.
func (s *Scheduler) Loop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.stopped = false
		s.mu.Unlock()
	}()
	release := context.AfterFunc(ctx, s.Stop)
	defer release()
	for !s.isStopped() {
		s.Iteration(0)
	}
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.notified++
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) EmptyTasks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) == 0
}

func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// NextDeadline returns the due time of the earliest queued task.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].when, true
}
