package threadpool

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/aui-framework/aui-go/auicore/deferred"
)

// Async runs fn on p and returns its result as a deferred value. An error
// returned by fn rejects the value instead of reaching the pool error
// handler; a panic does both. If the task is dropped by Clear or Stop the
// value is rejected with ErrDropped.
func Async[T any](p *Pool, priority Priority, fn func(ctx context.Context) (T, error)) *deferred.DeferredImp[T] {
	d := deferred.New[T]()
	err := p.submit(workItem{
		priority: priority,
		task: func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					panicErr := &PanicError{Value: r, Stack: debug.Stack()}
					d.Reject(panicErr)
					err = panicErr
				}
			}()
			value, err := fn(ctx)
			switch {
			case errors.Is(err, ErrTryLater):
				return err
			case err != nil:
				d.Reject(err)
			default:
				d.Resolve(value)
			}
			return nil
		},
		done: func() {
			d.Reject(ErrDropped)
		},
	})
	if err != nil {
		d.Reject(err)
	}
	return d
}

// Parallel splits items into one chunk per worker, runs fn on every chunk
// at Low priority and collects the results in chunk order.
func Parallel[T, R any](p *Pool, items []T, fn func(ctx context.Context, chunk []T) (R, error)) *deferred.DeferredImp[[]R] {
	if len(items) == 0 {
		return deferred.Resolved([]R{})
	}
	chunks := min(max(p.WorkerCount(), 1), len(items))
	size := (len(items) + chunks - 1) / chunks

	parts := make([]deferred.Deferred[R], 0, chunks)
	for start := 0; start < len(items); start += size {
		chunk := items[start:min(start+size, len(items))]
		parts = append(parts, Async(p, Low, func(ctx context.Context) (R, error) {
			return fn(ctx, chunk)
		}))
	}
	return deferred.All(parts)
}
