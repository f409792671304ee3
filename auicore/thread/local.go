package thread

import "sync"

// Local holds one lazily created value per thread. The value of a thread is
// dropped when that thread finishes or is released.
type Local[T any] struct {
	mu      sync.Mutex
	values  map[*Thread]T
	factory func(*Thread) T
}

func NewLocal[T any](factory func(t *Thread) T) *Local[T] {
	return &Local[T]{
		values:  make(map[*Thread]T),
		factory: factory,
	}
}

// Get returns the value of the calling thread, creating it on first use.
// A goroutine not started through New is adopted by this call and keeps its
// value until it calls Release.
func (l *Local[T]) Get() T {
	return l.For(Current())
}

// For returns the value of t, creating it on first use. factory runs at
// most once per thread and must not call back into l. A value created for a
// thread that has already finished is returned but not kept.
func (l *Local[T]) For(t *Thread) T {
	l.mu.Lock()
	if v, ok := l.values[t]; ok {
		l.mu.Unlock()
		return v
	}
	v := l.factory(t)
	l.values[t] = v
	l.mu.Unlock()
	t.AtExit(func() { l.Delete(t) })
	return v
}

func (l *Local[T]) Delete(t *Thread) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[t]
	delete(l.values, t)
	return v, ok
}

func (l *Local[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.values)
}
