package deferred

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Promise-like value settled exactly once, possibly from another goroutine.
// Handlers registered with Then run on the goroutine that settles the value,
// or on the registering goroutine when the value is already settled.

func Noop[T, R any](_ T) (R, error) {
	var zero R
	return zero, nil
}

type state uint8

const (
	pending state = iota
	resolved
	rejected
)

type nextDeferred interface {
	resolveAny(any)
	rejectAny(error)
	OccurredErr() error
}

type handler[T any] struct {
	onSuccess func(T) (any, error)
	onError   func(error) (any, error)
	next      nextDeferred
}

// DeferredImp is ready to use as a zero value.
type DeferredImp[T any] struct {
	mu          sync.Mutex
	state       state
	value       T
	err         error
	occurredErr error
	handlers    []handler[T]
	done        chan struct{}
}

func New[T any]() *DeferredImp[T] {
	return &DeferredImp[T]{}
}

func Resolved[T any](value T) *DeferredImp[T] {
	d := New[T]()
	d.Resolve(value)
	return d
}

func Rejected[T any](err error) *DeferredImp[T] {
	d := New[T]()
	d.Reject(err)
	return d
}

func (d *DeferredImp[T]) resolveAny(v any) {
	var t T
	if v != nil {
		t = v.(T)
	}
	d.Resolve(t)
}

func (d *DeferredImp[T]) rejectAny(err error) {
	d.Reject(err)
}

// Resolve settles d with value. Only the first Resolve or Reject counts.
func (d *DeferredImp[T]) Resolve(value T) {
	d.settle(resolved, value, nil)
}

// Reject settles d with err. Only the first Resolve or Reject counts.
func (d *DeferredImp[T]) Reject(err error) {
	var zero T
	d.settle(rejected, zero, err)
}

func (d *DeferredImp[T]) settle(s state, value T, err error) {
	d.mu.Lock()
	if d.state != pending {
		d.mu.Unlock()
		return
	}
	d.state = s
	d.value = value
	d.err = err
	handlers := append([]handler[T](nil), d.handlers...)
	d.closeDoneLocked()
	d.mu.Unlock()

	for _, h := range handlers {
		d.run(h)
	}
}

func (d *DeferredImp[T]) closeDoneLocked() {
	if d.done == nil {
		d.done = make(chan struct{})
	}
	close(d.done)
}

func (d *DeferredImp[T]) doneChan() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		d.done = make(chan struct{})
		if d.state != pending {
			close(d.done)
		}
	}
	return d.done
}

func (d *DeferredImp[T]) addHandler(h handler[T]) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	settled := d.state != pending
	d.mu.Unlock()
	if settled {
		d.run(h)
	}
}

func (d *DeferredImp[T]) run(h handler[T]) {
	d.mu.Lock()
	s, value, err := d.state, d.value, d.err
	d.mu.Unlock()

	var result any
	var handlerErr error
	if s == resolved {
		result, handlerErr = h.onSuccess(value)
	} else {
		result, handlerErr = h.onError(err)
	}
	if handlerErr != nil {
		d.mu.Lock()
		d.occurredErr = multierror.Append(d.occurredErr, handlerErr)
		d.mu.Unlock()
		h.next.rejectAny(handlerErr)
		return
	}
	h.next.resolveAny(result)
}

func (d *DeferredImp[T]) Then(onSuccess func(T) (any, error), onError func(error) (any, error)) Deferred[any] {
	next := New[any]()
	d.addHandler(handler[T]{
		onSuccess: onSuccess,
		onError:   onError,
		next:      next,
	})
	return next
}

// Then registers typed callbacks for success and error cases.
//
// A value returned by either callback resolves the next deferred; an error
// returned by either callback rejects it. Returning a value from onError
// therefore recovers the chain.
func Then[T, R any](d *DeferredImp[T], onSuccess func(T) (R, error), onError func(error) (R, error)) *DeferredImp[R] {
	next := New[R]()
	d.addHandler(handler[T]{
		onSuccess: func(v T) (any, error) { return onSuccess(v) },
		onError:   func(err error) (any, error) { return onError(err) },
		next:      next,
	})
	return next
}

// Wait blocks until d is settled or ctx is done.
func (d *DeferredImp[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.doneChan():
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.err
}

func (d *DeferredImp[T]) IsSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != pending
}

// OccurredErr collects the errors returned by handlers of d and of every
// deferred chained from it.
func (d *DeferredImp[T]) OccurredErr() error {
	d.mu.Lock()
	err := d.occurredErr
	handlers := append([]handler[T](nil), d.handlers...)
	d.mu.Unlock()
	for _, h := range handlers {
		if nestedErr := h.next.OccurredErr(); nestedErr != nil {
			err = multierror.Append(err, nestedErr)
		}
	}
	return err
}

// All resolves with every value in input order once all deferreds resolve,
// or rejects with the first rejection.
func All[T any](deferreds []Deferred[T]) *DeferredImp[[]T] {
	result := New[[]T]()

	if len(deferreds) == 0 {
		result.Resolve([]T{})
		return result
	}

	var mu sync.Mutex
	values := make([]T, len(deferreds))
	remaining := len(deferreds)

	for i, d := range deferreds {
		idx := i
		d.Then(func(value T) (any, error) {
			mu.Lock()
			values[idx] = value
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				result.Resolve(values)
			}
			return nil, nil
		}, func(err error) (any, error) {
			result.Reject(err)
			return nil, nil
		})
	}

	return result
}
